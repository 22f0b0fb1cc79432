package main

import (
	"context"

	billingsyncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	"github.com/smallbiznis/usagegate/internal/app"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	"github.com/smallbiznis/usagegate/internal/scheduler"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.uber.org/fx"
)

// services are the operations the CLI drives.
type services struct {
	Scheduler   *scheduler.Scheduler
	BillingSync billingsyncdomain.Service
	Aggregator  usagedomain.Aggregator
	Overages    overagedomain.Service
	Usage       usagedomain.Service
}

// opener starts the services and returns a function that stops them.
type opener func(ctx context.Context) (*services, func(context.Context) error, error)

func openServices(ctx context.Context) (*services, func(context.Context) error, error) {
	var svc services
	fxApp := fx.New(
		fx.NopLogger,
		app.Infrastructure,
		app.Services,
		fx.Provide(scheduler.ProvideConfig, scheduler.New),
		fx.Populate(&svc.Scheduler, &svc.BillingSync, &svc.Aggregator, &svc.Overages, &svc.Usage),
	)
	if err := fxApp.Err(); err != nil {
		return nil, nil, err
	}
	if err := fxApp.Start(ctx); err != nil {
		return nil, nil, err
	}
	return &svc, fxApp.Stop, nil
}
