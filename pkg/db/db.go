package db

import (
	"context"
	"time"

	"github.com/smallbiznis/usagegate/internal/config"
	obslogger "github.com/smallbiznis/usagegate/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"
)

const slowQueryThreshold = 200 * time.Millisecond

var Module = fx.Module("db",
	fx.Provide(FromAppConfig),
	fx.Provide(Open),
)

type Params struct {
	fx.In

	Lc     fx.Lifecycle
	Config Config
	AppCfg config.Config
	Log    *zap.Logger
}

// Open connects gorm with query logging, tracing and pool metrics.
func Open(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(p.Log, slowQueryThreshold),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(p.Config.Name),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return nil, err
	}
	if err := conn.Use(gormprom.New(gormprom.Config{
		DBName:          p.Config.Name,
		RefreshInterval: 15,
		Labels: map[string]string{
			"service": p.AppCfg.AppName,
		},
	})); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if p.Config.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.Config.MaxIdleConn)
	}
	if p.Config.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.Config.MaxOpenConn)
	}
	if p.Config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(p.Config.ConnMaxLifetime) * time.Second)
	}
	if p.Config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(p.Config.ConnMaxIdleTime) * time.Second)
	}

	p.Lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			p.Log.Info("closing database connections")
			return sqlDB.Close()
		},
	})

	return conn, nil
}
