package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEnforcementConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Billing   BillingProviderConfig
	Scheduler SchedulerConfig
}

// ObservabilityConfig carries the log and OTel settings. The OTEL_* names
// follow the OpenTelemetry SDK environment conventions.
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	LogSampling    bool
	OTelEnabled    bool
	MetricsEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SamplingRatio  float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type RateLimitConfig struct {
	Enabled             bool
	UsageIngestRate     float64
	UsageIngestBurst    int
	BillingCycleLockTTL int
}

type BillingProviderConfig struct {
	Provider      string
	StripeAPIKey  string
	StripeBaseURL string
	Currency      string
}

type SchedulerConfig struct {
	Enabled     bool
	EnabledJobs []string
	ClosePeriod string
	RetrySweep  string
	DrainOutbox string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "usagegate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		NodeID:      getenvInt64("SNOWFLAKE_NODE_ID", 1),
		Observability: ObservabilityConfig{
			LogLevel:       strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:      strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			LogSampling:    getenvBool("LOG_SAMPLING", true),
			OTelEnabled:    getenvBool("OTEL_ENABLED", true),
			MetricsEnabled: getenvBool("OTEL_METRICS_ENABLED", true),
			OTLPEndpoint:   strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:   strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "usagegate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", false),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:             getenvBool("RATE_LIMIT_ENABLED", false),
			UsageIngestRate:     getenvFloat("RATE_LIMIT_USAGE_INGEST_RATE", 200),
			UsageIngestBurst:    int(getenvInt64("RATE_LIMIT_USAGE_INGEST_BURST", 400)),
			BillingCycleLockTTL: int(getenvInt64("BILLING_CYCLE_LOCK_TTL_SECONDS", 300)),
		},
		Billing: BillingProviderConfig{
			Provider:      strings.ToLower(getenv("BILLING_PROVIDER", "log")),
			StripeAPIKey:  strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
			StripeBaseURL: strings.TrimSpace(getenv("STRIPE_BASE_URL", "https://api.stripe.com")),
			Currency:      strings.ToLower(getenv("BILLING_CURRENCY", "usd")),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			ClosePeriod: getenv("SCHEDULER_CLOSE_PERIODS_SPEC", "@every 5m"),
			RetrySweep:  getenv("SCHEDULER_RETRY_SYNC_SPEC", "@every 1m"),
			DrainOutbox: getenv("SCHEDULER_DRAIN_RECOMPUTE_SPEC", "@every 30s"),
		},
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
