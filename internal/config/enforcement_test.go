package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforcementConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enforcement.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
enforcement:
  default_soft_limit_threshold: 0.9
  provider_timeout: 2s
  recompute_workers: 8
`), 0o600))

	holder, err := NewEnforcementConfigHolderFromFile(path)
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 0.9, cfg.DefaultSoftLimitThreshold)
	assert.Equal(t, 2*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 8, cfg.RecomputeWorkers)
	assert.Equal(t, DefaultEnforcementConfig().RecomputeQueueSize, cfg.RecomputeQueueSize)
}

func TestEnforcementConfigRejectsInvalidThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enforcement.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
enforcement:
  default_soft_limit_threshold: 1.5
`), 0o600))

	_, err := NewEnforcementConfigHolderFromFile(path)
	assert.Error(t, err)
}

func TestEnforcementConfigNilHolderUsesDefaults(t *testing.T) {
	var holder *EnforcementConfigHolder
	assert.Equal(t, DefaultEnforcementConfig(), holder.Get())
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"close_periods", "retry_billing_sync"}, parseList(" close_periods, ,retry_billing_sync "))
	assert.Empty(t, parseList(""))
}
