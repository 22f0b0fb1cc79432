package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const overageColumns = `id, customer_id, creator_id, tier_id, meter_id, billing_period, limit_value,
	actual_usage, overage_amount, overage_unit_price, overage_cost, currency, billed,
	external_invoice_item_ref, created_at, updated_at`

type repo struct{}

func Provide() overagedomain.Repository {
	return &repo{}
}

// Upsert recomputes the figures of an unbilled row and leaves billed rows untouched.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, overage *overagedomain.TierUsageOverage) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "customer_id"},
			{Name: "creator_id"},
			{Name: "tier_id"},
			{Name: "meter_id"},
			{Name: "billing_period"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"limit_value",
			"actual_usage",
			"overage_amount",
			"overage_unit_price",
			"overage_cost",
			"currency",
			"updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "tier_usage_overages.billed = ?", Vars: []any{false}},
		}},
	}).Create(overage).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key overagedomain.Key) (*overagedomain.TierUsageOverage, error) {
	var overage overagedomain.TierUsageOverage
	err := db.WithContext(ctx).Raw(
		`SELECT `+overageColumns+` FROM tier_usage_overages
		 WHERE customer_id = ? AND creator_id = ? AND tier_id = ? AND meter_id = ? AND billing_period = ?`,
		key.CustomerID,
		key.CreatorID,
		key.TierID,
		key.MeterID,
		key.BillingPeriod,
	).Scan(&overage).Error
	if err != nil {
		return nil, err
	}
	if overage.ID == 0 {
		return nil, nil
	}
	return &overage, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*overagedomain.TierUsageOverage, error) {
	var overage overagedomain.TierUsageOverage
	err := db.WithContext(ctx).Raw(
		`SELECT `+overageColumns+` FROM tier_usage_overages WHERE id = ?`,
		id,
	).Scan(&overage).Error
	if err != nil {
		return nil, err
	}
	if overage.ID == 0 {
		return nil, nil
	}
	return &overage, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter overagedomain.ListOveragesRequest) ([]overagedomain.TierUsageOverage, error) {
	query := db.WithContext(ctx).
		Model(&overagedomain.TierUsageOverage{}).
		Where("creator_id = ?", filter.CreatorID)
	if filter.CustomerID != "" {
		query = query.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.BillingPeriod != "" {
		query = query.Where("billing_period = ?", filter.BillingPeriod)
	}
	if filter.OnlyUnbilled {
		query = query.Where("billed = ?", false)
	}

	var overages []overagedomain.TierUsageOverage
	if err := query.Order("billing_period DESC").Order("customer_id ASC").Order("id ASC").Find(&overages).Error; err != nil {
		return nil, err
	}
	return overages, nil
}

func (r *repo) MarkBilled(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tier_usage_overages SET billed = ?, external_invoice_item_ref = ?, updated_at = ? WHERE id = ?`,
		true,
		ref,
		at,
		id,
	).Error
}
