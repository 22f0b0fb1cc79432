package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnforcementConfig holds the runtime policy knobs that operators may change without a restart.
type EnforcementConfig struct {
	DefaultSoftLimitThreshold float64       `mapstructure:"default_soft_limit_threshold"`
	ProviderTimeout           time.Duration `mapstructure:"provider_timeout"`
	RetryInitialInterval      time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval          time.Duration `mapstructure:"retry_max_interval"`
	RecomputeWorkers          int           `mapstructure:"recompute_workers"`
	RecomputeQueueSize        int           `mapstructure:"recompute_queue_size"`
	CycleConcurrency          int           `mapstructure:"cycle_concurrency"`
}

func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		DefaultSoftLimitThreshold: 0.8,
		ProviderTimeout:           10 * time.Second,
		RetryInitialInterval:      30 * time.Second,
		RetryMaxInterval:          30 * time.Minute,
		RecomputeWorkers:          4,
		RecomputeQueueSize:        1024,
		CycleConcurrency:          4,
	}
}

type EnforcementConfigHolder struct {
	current atomic.Value // holds EnforcementConfig
}

// NewEnforcementConfigHolder loads enforcement.yml from the standard locations,
// falling back to defaults when no file is present.
func NewEnforcementConfigHolder() (*EnforcementConfigHolder, error) {
	v := viper.New()
	v.SetConfigName("enforcement")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/usagegate")
	v.AddConfigPath(".")
	return newEnforcementConfigHolder(v)
}

// NewEnforcementConfigHolderFromFile loads the policy from an explicit path.
func NewEnforcementConfigHolderFromFile(path string) (*EnforcementConfigHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newEnforcementConfigHolder(v)
}

// NewStaticEnforcementConfig wraps a fixed policy, used by tools and tests.
func NewStaticEnforcementConfig(cfg EnforcementConfig) *EnforcementConfigHolder {
	holder := &EnforcementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func newEnforcementConfigHolder(v *viper.Viper) (*EnforcementConfigHolder, error) {
	v.SetEnvPrefix("USAGEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodeEnforcementConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &EnforcementConfigHolder{}
	holder.current.Store(cfg)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeEnforcementConfig(v)
			if err != nil {
				log.Printf("[enforcement-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[enforcement-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func decodeEnforcementConfig(v *viper.Viper) (EnforcementConfig, error) {
	cfg := DefaultEnforcementConfig()
	if err := v.UnmarshalKey("enforcement", &cfg); err != nil {
		return EnforcementConfig{}, err
	}
	if err := validateEnforcementConfig(cfg); err != nil {
		return EnforcementConfig{}, err
	}
	return cfg, nil
}

func (h *EnforcementConfigHolder) Get() EnforcementConfig {
	if h == nil {
		return DefaultEnforcementConfig()
	}
	return h.current.Load().(EnforcementConfig)
}

func validateEnforcementConfig(cfg EnforcementConfig) error {
	if cfg.DefaultSoftLimitThreshold <= 0 || cfg.DefaultSoftLimitThreshold > 1 {
		return errors.New("enforcement.default_soft_limit_threshold must be in (0, 1]")
	}
	if cfg.ProviderTimeout <= 0 {
		return errors.New("enforcement.provider_timeout must be positive")
	}
	if cfg.RetryInitialInterval <= 0 || cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		return errors.New("enforcement.retry intervals are invalid")
	}
	if cfg.RecomputeWorkers <= 0 || cfg.RecomputeQueueSize <= 0 {
		return errors.New("enforcement.recompute workers and queue size must be positive")
	}
	if cfg.CycleConcurrency <= 0 {
		return errors.New("enforcement.cycle_concurrency must be positive")
	}
	return nil
}
