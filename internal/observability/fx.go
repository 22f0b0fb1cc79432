package observability

import (
	"github.com/smallbiznis/usagegate/internal/observability/logger"
	"github.com/smallbiznis/usagegate/internal/observability/metrics"
	"github.com/smallbiznis/usagegate/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the logger, the OTel tracer and meter providers, the
// application instruments and the prometheus HTTP metrics.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.loggerConfig,
		Config.tracingConfig,
		Config.metricsConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	// Nothing else depends on the tracer provider; it only registers itself globally.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(func(cfg metrics.Config) {
		metrics.SchedulerWithConfig(cfg)
	}),
)
