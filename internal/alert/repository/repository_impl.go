package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const alertColumns = `id, meter_id, user_id, plan_name, alert_type, billing_period,
	threshold_percentage, current_usage, limit_value, triggered_at, acknowledged,
	acknowledged_at, created_at, updated_at`

type repo struct{}

func Provide() alertdomain.Repository {
	return &repo{}
}

// Upsert refreshes the usage figures of an existing alert. Trigger time and
// acknowledgement are kept.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, alert *alertdomain.UsageAlert) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "meter_id"},
			{Name: "user_id"},
			{Name: "plan_name"},
			{Name: "alert_type"},
			{Name: "billing_period"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"threshold_percentage",
			"current_usage",
			"limit_value",
			"updated_at",
		}),
	}).Create(alert).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key alertdomain.AlertKey) (*alertdomain.UsageAlert, error) {
	var alert alertdomain.UsageAlert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+` FROM usage_alerts
		 WHERE meter_id = ? AND user_id = ? AND plan_name = ? AND alert_type = ? AND billing_period = ?`,
		key.MeterID,
		key.UserID,
		key.PlanName,
		key.AlertType,
		key.BillingPeriod,
	).Scan(&alert).Error
	if err != nil {
		return nil, err
	}
	if alert.ID == 0 {
		return nil, nil
	}
	return &alert, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*alertdomain.UsageAlert, error) {
	var alert alertdomain.UsageAlert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+` FROM usage_alerts WHERE id = ?`,
		id,
	).Scan(&alert).Error
	if err != nil {
		return nil, err
	}
	if alert.ID == 0 {
		return nil, nil
	}
	return &alert, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter alertdomain.ListAlertsRequest) ([]alertdomain.UsageAlert, error) {
	query := db.WithContext(ctx).Model(&alertdomain.UsageAlert{})
	if filter.MeterID != 0 {
		query = query.Where("meter_id = ?", filter.MeterID)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.BillingPeriod != "" {
		query = query.Where("billing_period = ?", filter.BillingPeriod)
	}
	if filter.OnlyUnacknowledged {
		query = query.Where("acknowledged = ?", false)
	}

	var alerts []alertdomain.UsageAlert
	if err := query.Order("triggered_at DESC").Order("id DESC").Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repo) Acknowledge(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_alerts SET acknowledged = ?, acknowledged_at = ?, updated_at = ? WHERE id = ?`,
		true,
		at,
		at,
		id,
	).Error
}
