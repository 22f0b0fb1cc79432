package billing

import (
	"testing"

	"github.com/smallbiznis/usagegate/internal/config"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewProviderSelection(t *testing.T) {
	cfg := config.Config{Environment: "development"}
	cfg.Billing.Provider = "stripe"
	p, err := NewProvider(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "log", p.Name())

	cfg.Billing.StripeAPIKey = "sk_test"
	p, err = NewProvider(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())

	cfg = config.Config{Environment: "production"}
	cfg.Billing.Provider = "stripe"
	_, err = NewProvider(cfg, zap.NewNop())
	assert.ErrorIs(t, err, billingdomain.ErrInvalidConfig)
}
