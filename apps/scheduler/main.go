package main

import (
	"github.com/smallbiznis/usagegate/internal/app"
	"github.com/smallbiznis/usagegate/internal/scheduler"
	"go.uber.org/fx"
)

// The scheduler runs the cron jobs without the HTTP server.
func main() {
	fx.New(
		app.Infrastructure,
		app.Services,
		scheduler.Module,
	).Run()
}
