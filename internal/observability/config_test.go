package observability

import (
	"testing"

	"github.com/smallbiznis/usagegate/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigNormalizes(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: "production",
		AppVersion:  " 1.2.0 ",
		Observability: config.ObservabilityConfig{
			LogLevel:       "info",
			LogSampling:    true,
			OTelEnabled:    false,
			MetricsEnabled: true,
			OTLPProtocol:   "thrift",
			SamplingRatio:  4,
		},
	})

	assert.Equal(t, "usagegate", cfg.ServiceName)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "grpc", cfg.OTLPProtocol)
	assert.Equal(t, 0.1, cfg.SamplingRatio)
	assert.False(t, cfg.MetricsEnabled, "metrics export follows the OTel switch")
	assert.False(t, cfg.Debug())
	assert.True(t, cfg.loggerConfig().Sampling)
	assert.False(t, cfg.loggerConfig().Development)
}

func TestDebugConfig(t *testing.T) {
	assert.True(t, Config{Environment: "test"}.Debug())
	assert.True(t, Config{Environment: "production", LogLevel: "DEBUG"}.Debug())

	dev := Config{Environment: "development", LogSampling: true}
	assert.True(t, dev.loggerConfig().Development)
	assert.False(t, dev.loggerConfig().Sampling)
}
