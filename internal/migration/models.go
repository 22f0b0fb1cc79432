package migration

import (
	"fmt"

	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	syncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"gorm.io/gorm"
)

// Models lists every persisted model in dependency order.
func Models() []any {
	return []any{
		&meterdomain.UsageMeter{},
		&meterdomain.MeterPlanLimit{},
		&tierdomain.SubscriptionTier{},
		&tierdomain.CustomerTierAssignment{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageAggregate{},
		&usagedomain.RecomputeTask{},
		&alertdomain.UsageAlert{},
		&overagedomain.TierUsageOverage{},
		&syncdomain.UsageBillingSync{},
	}
}

// AutoMigrate creates the schema from the gorm models. It is used for sqlite
// and mysql, and for postgres when DATABASE_AUTO_MIGRATE is set.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
