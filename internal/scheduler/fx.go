package scheduler

import (
	"context"

	"github.com/smallbiznis/usagegate/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Provide(NewCron),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, cfg config.Config, c *Cron) {
	if !cfg.Scheduler.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			return nil
		},
		OnStop: c.Stop,
	})
}
