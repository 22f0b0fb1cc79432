package observability

import (
	"strings"

	"github.com/smallbiznis/usagegate/internal/config"
	"github.com/smallbiznis/usagegate/internal/observability/logger"
	"github.com/smallbiznis/usagegate/internal/observability/metrics"
	"github.com/smallbiznis/usagegate/internal/observability/tracing"
)

// Config is the observability view of the process configuration.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel    string
	LogFormat   string
	LogSampling bool

	TracingEnabled bool
	MetricsEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SamplingRatio  float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	service := strings.TrimSpace(cfg.AppName)
	if service == "" {
		service = "usagegate"
	}
	protocol := obs.OTLPProtocol
	if protocol != "http" {
		protocol = "grpc"
	}
	ratio := obs.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:    service,
		Environment:    strings.TrimSpace(cfg.Environment),
		Version:        strings.TrimSpace(cfg.AppVersion),
		LogLevel:       obs.LogLevel,
		LogFormat:      obs.LogFormat,
		LogSampling:    obs.LogSampling,
		TracingEnabled: obs.OTelEnabled,
		MetricsEnabled: obs.OTelEnabled && obs.MetricsEnabled,
		OTLPEndpoint:   obs.OTLPEndpoint,
		OTLPProtocol:   protocol,
		SamplingRatio:  ratio,
	}
}

// Debug reports whether verbose request logging and gin debug mode apply.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) loggerConfig() logger.Config {
	return logger.Config{
		ServiceName: c.ServiceName,
		Environment: c.Environment,
		Version:     c.Version,
		Level:       c.LogLevel,
		Format:      c.LogFormat,
		Development: c.Debug(),
		Sampling:    c.LogSampling && !c.Debug(),
	}
}

func (c Config) tracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.TracingEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OTLPEndpoint,
		ExporterProtocol: c.OTLPProtocol,
		SamplingRatio:    c.SamplingRatio,
	}
}

func (c Config) metricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.MetricsEnabled,
		ExporterEndpoint: c.OTLPEndpoint,
		ExporterProtocol: c.OTLPProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
