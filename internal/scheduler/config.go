package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/usagegate/internal/config"
)

// Config controls scheduler batch sizes and cron specs.
type Config struct {
	BatchSize          int
	RetryBatchSize     int
	DrainBatchSize     int
	JobTimeout         time.Duration
	EnabledJobs        []string
	ClosePeriodsSpec   string
	RetrySyncSpec      string
	DrainRecomputeSpec string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          50,
		RetryBatchSize:     100,
		DrainBatchSize:     500,
		JobTimeout:         30 * time.Second,
		ClosePeriodsSpec:   "@every 5m",
		RetrySyncSpec:      "@every 1m",
		DrainRecomputeSpec: "@every 30s",
	}
}

// ProvideConfig maps the application scheduler settings onto scheduler defaults.
func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.EnabledJobs = cfg.Scheduler.EnabledJobs
	if spec := strings.TrimSpace(cfg.Scheduler.ClosePeriod); spec != "" {
		c.ClosePeriodsSpec = spec
	}
	if spec := strings.TrimSpace(cfg.Scheduler.RetrySweep); spec != "" {
		c.RetrySyncSpec = spec
	}
	if spec := strings.TrimSpace(cfg.Scheduler.DrainOutbox); spec != "" {
		c.DrainRecomputeSpec = spec
	}
	return c
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = defaults.DrainBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if strings.TrimSpace(c.ClosePeriodsSpec) == "" {
		c.ClosePeriodsSpec = defaults.ClosePeriodsSpec
	}
	if strings.TrimSpace(c.RetrySyncSpec) == "" {
		c.RetrySyncSpec = defaults.RetrySyncSpec
	}
	if strings.TrimSpace(c.DrainRecomputeSpec) == "" {
		c.DrainRecomputeSpec = defaults.DrainRecomputeSpec
	}
	return c
}
