package billing

import (
	"net/http"
	"time"

	"github.com/smallbiznis/usagegate/internal/config"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"github.com/smallbiznis/usagegate/internal/providers/billing/logprovider"
	"github.com/smallbiznis/usagegate/internal/providers/billing/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.billing",
	fx.Provide(NewProvider),
)

// NewProvider selects the billing provider named by BILLING_PROVIDER.
// Unknown names and a stripe provider without an API key fall back to the log
// provider outside production.
func NewProvider(cfg config.Config, log *zap.Logger) (billingdomain.Provider, error) {
	switch cfg.Billing.Provider {
	case "stripe":
		if cfg.Billing.StripeAPIKey != "" {
			return stripe.New(
				cfg.Billing.StripeAPIKey,
				cfg.Billing.StripeBaseURL,
				&http.Client{Timeout: 30 * time.Second},
				log,
			), nil
		}
		if cfg.IsProduction() {
			return nil, billingdomain.ErrInvalidConfig
		}
		log.Warn("stripe billing provider selected without api key, using log provider")
	case "", "log":
	default:
		if cfg.IsProduction() {
			return nil, billingdomain.ErrInvalidConfig
		}
		log.Warn("unknown billing provider, using log provider", zap.String("provider", cfg.Billing.Provider))
	}
	return logprovider.New(log), nil
}
