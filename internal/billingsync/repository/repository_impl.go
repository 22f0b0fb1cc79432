package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	syncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const syncColumns = `id, creator_id, meter_id, user_id, billing_period, kind, overage_id, usage_quantity,
	amount, currency, external_usage_record_ref, external_subscription_item_ref, billing_status,
	sync_attempts, last_attempt_at, last_error, next_retry_at, created_at, updated_at`

const defaultListLimit = 100

type repo struct{}

func Provide() syncdomain.Repository {
	return &repo{}
}

func (r *repo) Ensure(ctx context.Context, db *gorm.DB, record *syncdomain.UsageBillingSync) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "meter_id"},
			{Name: "user_id"},
			{Name: "billing_period"},
			{Name: "kind"},
		},
		DoNothing: true,
	}).Create(record).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key syncdomain.Key) (*syncdomain.UsageBillingSync, error) {
	var record syncdomain.UsageBillingSync
	err := db.WithContext(ctx).Raw(
		`SELECT `+syncColumns+` FROM usage_billing_syncs
		 WHERE meter_id = ? AND user_id = ? AND billing_period = ? AND kind = ?`,
		key.MeterID,
		key.UserID,
		key.BillingPeriod,
		key.Kind,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*syncdomain.UsageBillingSync, error) {
	var record syncdomain.UsageBillingSync
	err := db.WithContext(ctx).Raw(
		`SELECT `+syncColumns+` FROM usage_billing_syncs WHERE id = ?`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, record *syncdomain.UsageBillingSync) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_billing_syncs
		 SET overage_id = ?, usage_quantity = ?, amount = ?, currency = ?,
		     external_usage_record_ref = ?, external_subscription_item_ref = ?,
		     billing_status = ?, sync_attempts = ?, last_attempt_at = ?, last_error = ?,
		     next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		record.OverageID,
		record.UsageQuantity,
		record.Amount,
		record.Currency,
		record.ExternalUsageRecordRef,
		record.ExternalSubscriptionItemRef,
		record.BillingStatus,
		record.SyncAttempts,
		record.LastAttemptAt,
		record.LastError,
		record.NextRetryAt,
		record.UpdatedAt,
		record.ID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter syncdomain.ListSyncRequest) ([]syncdomain.UsageBillingSync, error) {
	query := db.WithContext(ctx).Model(&syncdomain.UsageBillingSync{})
	if filter.CreatorID != 0 {
		query = query.Where("creator_id = ?", filter.CreatorID)
	}
	if filter.BillingPeriod != "" {
		query = query.Where("billing_period = ?", filter.BillingPeriod)
	}
	if filter.Status != "" {
		query = query.Where("billing_status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var records []syncdomain.UsageBillingSync
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, maxAttempts int, limit int) ([]syncdomain.UsageBillingSync, error) {
	query := db.WithContext(ctx).
		Model(&syncdomain.UsageBillingSync{}).
		Where("billing_status = ?", syncdomain.StatusFailed).
		Where("sync_attempts < ?", maxAttempts)
	if creatorID != 0 {
		query = query.Where("creator_id = ?", creatorID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var records []syncdomain.UsageBillingSync
	if err := query.Order("last_attempt_at ASC").Order("id ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListRetryDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts int, limit int) ([]syncdomain.UsageBillingSync, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var records []syncdomain.UsageBillingSync
	err := db.WithContext(ctx).Raw(
		`SELECT `+syncColumns+` FROM usage_billing_syncs
		 WHERE billing_status = ? AND sync_attempts < ?
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		syncdomain.StatusFailed,
		maxAttempts,
		now,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
