package main

import (
	"github.com/smallbiznis/usagegate/internal/app"
	"github.com/smallbiznis/usagegate/internal/server"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Infrastructure,
		app.Services,
		server.Module,
	).Run()
}
