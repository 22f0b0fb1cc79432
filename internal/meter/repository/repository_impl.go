package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const meterColumns = `id, creator_id, event_name, display_name, description, aggregation_type,
	unit_name, billing_model, unique_property, active, created_at, updated_at`

const planLimitColumns = `id, meter_id, plan_name, limit_value, overage_price,
	soft_limit_threshold, hard_cap, created_at, updated_at`

type repo struct{}

func Provide() meterdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, m *meterdomain.UsageMeter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_meters (`+meterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.CreatorID,
		m.EventName,
		m.DisplayName,
		m.Description,
		m.AggregationType,
		m.UnitName,
		m.BillingModel,
		m.UniqueProperty,
		m.Active,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, creatorID, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_meters SET active = ?, updated_at = ? WHERE creator_id = ? AND id = ?`,
		false,
		at,
		creatorID,
		id,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*meterdomain.UsageMeter, error) {
	var meter meterdomain.UsageMeter
	err := db.WithContext(ctx).Raw(
		`SELECT `+meterColumns+` FROM usage_meters WHERE id = ?`,
		id,
	).Scan(&meter).Error
	if err != nil {
		return nil, err
	}
	if meter.ID == 0 {
		return nil, nil
	}
	return &meter, nil
}

func (r *repo) FindByEventName(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, eventName string) (*meterdomain.UsageMeter, error) {
	var meter meterdomain.UsageMeter
	err := db.WithContext(ctx).Raw(
		`SELECT `+meterColumns+` FROM usage_meters WHERE creator_id = ? AND event_name = ?`,
		creatorID,
		eventName,
	).Scan(&meter).Error
	if err != nil {
		return nil, err
	}
	if meter.ID == 0 {
		return nil, nil
	}
	return &meter, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]meterdomain.UsageMeter, error) {
	var meters []meterdomain.UsageMeter
	err := db.WithContext(ctx).Raw(
		`SELECT `+meterColumns+` FROM usage_meters
		 WHERE creator_id = ? AND active = ?
		 ORDER BY created_at DESC, id DESC`,
		creatorID,
		true,
	).Scan(&meters).Error
	if err != nil {
		return nil, err
	}
	return meters, nil
}

func (r *repo) UpsertPlanLimit(ctx context.Context, db *gorm.DB, limit *meterdomain.MeterPlanLimit) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "meter_id"}, {Name: "plan_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"limit_value",
			"overage_price",
			"soft_limit_threshold",
			"hard_cap",
			"updated_at",
		}),
	}).Create(limit).Error
}

func (r *repo) FindPlanLimit(ctx context.Context, db *gorm.DB, meterID snowflake.ID, planName string) (*meterdomain.MeterPlanLimit, error) {
	var limit meterdomain.MeterPlanLimit
	err := db.WithContext(ctx).Raw(
		`SELECT `+planLimitColumns+` FROM meter_plan_limits WHERE meter_id = ? AND plan_name = ?`,
		meterID,
		planName,
	).Scan(&limit).Error
	if err != nil {
		return nil, err
	}
	if limit.ID == 0 {
		return nil, nil
	}
	return &limit, nil
}

func (r *repo) ListPlanLimits(ctx context.Context, db *gorm.DB, meterID snowflake.ID) ([]meterdomain.MeterPlanLimit, error) {
	var limits []meterdomain.MeterPlanLimit
	err := db.WithContext(ctx).Raw(
		`SELECT `+planLimitColumns+` FROM meter_plan_limits WHERE meter_id = ? ORDER BY plan_name ASC`,
		meterID,
	).Scan(&limits).Error
	if err != nil {
		return nil, err
	}
	return limits, nil
}
