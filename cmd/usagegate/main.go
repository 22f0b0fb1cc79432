package main

import (
	"github.com/smallbiznis/usagegate/internal/app"
	"github.com/smallbiznis/usagegate/internal/scheduler"
	"github.com/smallbiznis/usagegate/internal/server"
	"go.uber.org/fx"
)

// usagegate runs the API and the scheduler in one process.
func main() {
	fx.New(
		app.Infrastructure,
		app.Services,
		server.Module,
		scheduler.Module,
	).Run()
}
