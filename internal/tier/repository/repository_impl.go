package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tierColumns = `id, creator_id, name, description, price, currency, billing_cycle, features,
	usage_caps, trial_period_days, is_default, external_product_ref, external_price_ref, active,
	created_at, updated_at`

const assignmentColumns = `id, customer_id, creator_id, tier_id, status, current_period_start,
	current_period_end, trial_start, trial_end, external_subscription_ref, external_customer_ref,
	external_subscription_items, cancel_at_period_end, canceled_at, created_at, updated_at`

type repo struct{}

func Provide() tierdomain.Repository {
	return &repo{}
}

func (r *repo) InsertTier(ctx context.Context, db *gorm.DB, tier *tierdomain.SubscriptionTier) error {
	return db.WithContext(ctx).Create(tier).Error
}

func (r *repo) FindTierByID(ctx context.Context, db *gorm.DB, creatorID, id snowflake.ID) (*tierdomain.SubscriptionTier, error) {
	var tier tierdomain.SubscriptionTier
	err := db.WithContext(ctx).Raw(
		`SELECT `+tierColumns+` FROM subscription_tiers WHERE creator_id = ? AND id = ?`,
		creatorID,
		id,
	).Scan(&tier).Error
	if err != nil {
		return nil, err
	}
	if tier.ID == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) FindTierByName(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, name string) (*tierdomain.SubscriptionTier, error) {
	var tier tierdomain.SubscriptionTier
	err := db.WithContext(ctx).Raw(
		`SELECT `+tierColumns+` FROM subscription_tiers WHERE creator_id = ? AND name = ?`,
		creatorID,
		name,
	).Scan(&tier).Error
	if err != nil {
		return nil, err
	}
	if tier.ID == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) FindDefaultTier(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (*tierdomain.SubscriptionTier, error) {
	var tier tierdomain.SubscriptionTier
	err := db.WithContext(ctx).Raw(
		`SELECT `+tierColumns+` FROM subscription_tiers
		 WHERE creator_id = ? AND is_default = ? AND active = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		creatorID,
		true,
		true,
	).Scan(&tier).Error
	if err != nil {
		return nil, err
	}
	if tier.ID == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) ListTiers(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]tierdomain.SubscriptionTier, error) {
	var tiers []tierdomain.SubscriptionTier
	err := db.WithContext(ctx).Raw(
		`SELECT `+tierColumns+` FROM subscription_tiers
		 WHERE creator_id = ? AND active = ?
		 ORDER BY price ASC, id ASC`,
		creatorID,
		true,
	).Scan(&tiers).Error
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

func (r *repo) SetDefaultTier(ctx context.Context, db *gorm.DB, creatorID, id snowflake.ID, at time.Time) error {
	if err := db.WithContext(ctx).Exec(
		`UPDATE subscription_tiers SET is_default = ?, updated_at = ? WHERE creator_id = ? AND id <> ? AND is_default = ?`,
		false,
		at,
		creatorID,
		id,
		true,
	).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_tiers SET is_default = ?, updated_at = ? WHERE creator_id = ? AND id = ?`,
		true,
		at,
		creatorID,
		id,
	).Error
}

func (r *repo) UpsertAssignment(ctx context.Context, db *gorm.DB, assignment *tierdomain.CustomerTierAssignment) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "creator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tier_id",
			"status",
			"current_period_start",
			"current_period_end",
			"trial_start",
			"trial_end",
			"external_subscription_ref",
			"external_customer_ref",
			"external_subscription_items",
			"cancel_at_period_end",
			"canceled_at",
			"updated_at",
		}),
	}).Create(assignment).Error
}

func (r *repo) FindAssignment(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, customerID string) (*tierdomain.CustomerTierAssignment, error) {
	var assignment tierdomain.CustomerTierAssignment
	err := db.WithContext(ctx).Raw(
		`SELECT `+assignmentColumns+` FROM customer_tier_assignments WHERE creator_id = ? AND customer_id = ?`,
		creatorID,
		customerID,
	).Scan(&assignment).Error
	if err != nil {
		return nil, err
	}
	if assignment.ID == 0 {
		return nil, nil
	}
	return &assignment, nil
}

func (r *repo) FindAssignmentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*tierdomain.CustomerTierAssignment, error) {
	var assignment tierdomain.CustomerTierAssignment
	err := db.WithContext(ctx).Raw(
		`SELECT `+assignmentColumns+` FROM customer_tier_assignments WHERE id = ?`,
		id,
	).Scan(&assignment).Error
	if err != nil {
		return nil, err
	}
	if assignment.ID == 0 {
		return nil, nil
	}
	return &assignment, nil
}

func (r *repo) ListAssignmentsByStatus(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, statuses []tierdomain.AssignmentStatus) ([]tierdomain.CustomerTierAssignment, error) {
	var assignments []tierdomain.CustomerTierAssignment
	err := db.WithContext(ctx).Raw(
		`SELECT `+assignmentColumns+` FROM customer_tier_assignments
		 WHERE creator_id = ? AND status IN ?
		 ORDER BY customer_id ASC`,
		creatorID,
		statusStrings(statuses),
	).Scan(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *repo) ListDueAssignments(ctx context.Context, db *gorm.DB, now time.Time, statuses []tierdomain.AssignmentStatus, limit int) ([]tierdomain.CustomerTierAssignment, error) {
	var assignments []tierdomain.CustomerTierAssignment
	err := db.WithContext(ctx).Raw(
		`SELECT `+assignmentColumns+` FROM customer_tier_assignments
		 WHERE status IN ? AND current_period_end <= ?
		 ORDER BY current_period_end ASC, id ASC
		 LIMIT ?`,
		statusStrings(statuses),
		now,
		limit,
	).Scan(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *repo) UpdateAssignmentLifecycle(ctx context.Context, db *gorm.DB, a *tierdomain.CustomerTierAssignment) error {
	return db.WithContext(ctx).Exec(
		`UPDATE customer_tier_assignments
		 SET status = ?, current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
		     canceled_at = ?, updated_at = ?
		 WHERE id = ?`,
		a.Status,
		a.CurrentPeriodStart,
		a.CurrentPeriodEnd,
		a.CancelAtPeriodEnd,
		a.CanceledAt,
		a.UpdatedAt,
		a.ID,
	).Error
}

func statusStrings(statuses []tierdomain.AssignmentStatus) []string {
	return lo.Map(statuses, func(s tierdomain.AssignmentStatus, _ int) string { return string(s) })
}
