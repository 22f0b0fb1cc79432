package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const eventColumns = `id, creator_id, meter_id, user_id, value, properties, event_timestamp,
	idempotency_key, created_at`

const aggregateColumns = `id, meter_id, user_id, billing_period, period_start, period_end,
	aggregate_value, event_count, created_at, updated_at`

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

// InsertEvent reports false when an event with the same idempotency key
// already exists for the meter.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	tx := db.WithContext(ctx)
	if event.IdempotencyKey != nil {
		tx = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "meter_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := tx.Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindEventByIdempotencyKey(ctx context.Context, db *gorm.DB, meterID snowflake.ID, key string) (*usagedomain.UsageEvent, error) {
	if key == "" {
		return nil, nil
	}
	var event usagedomain.UsageEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM usage_events WHERE meter_id = ? AND idempotency_key = ?`,
		meterID,
		key,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) TotalEvents(ctx context.Context, db *gorm.DB, filter usagedomain.EventFilter) (usagedomain.EventTotals, error) {
	var totals usagedomain.EventTotals
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(value), 0) AS sum, COALESCE(MAX(value), 0) AS max
		 FROM usage_events
		 WHERE meter_id = ? AND user_id = ? AND event_timestamp >= ? AND event_timestamp < ?`,
		filter.MeterID,
		filter.UserID,
		filter.From,
		filter.To,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) ListEventProperties(ctx context.Context, db *gorm.DB, filter usagedomain.EventFilter) ([]usagedomain.UsageEvent, error) {
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, properties FROM usage_events
		 WHERE meter_id = ? AND user_id = ? AND event_timestamp >= ? AND event_timestamp < ?`,
		filter.MeterID,
		filter.UserID,
		filter.From,
		filter.To,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListEvents pages newest first. It returns up to limit+1 rows so the caller
// can tell whether another page exists.
func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter usagedomain.EventFilter, after *usagedomain.EventCursor, limit int) ([]*usagedomain.UsageEvent, error) {
	query := db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Where("meter_id = ?", filter.MeterID)
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.From.IsZero() {
		query = query.Where("event_timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("event_timestamp < ?", filter.To)
	}
	if after != nil {
		query = query.Where(
			"(event_timestamp < ? OR (event_timestamp = ? AND id < ?))",
			after.EventTimestamp,
			after.EventTimestamp,
			after.ID,
		)
	}

	var events []*usagedomain.UsageEvent
	err := query.
		Order("event_timestamp DESC").
		Order("id DESC").
		Limit(limit + 1).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// UpsertAggregate writes a recompute result unless the stored row was computed
// from more events. Events are append-only, so a lower event count means the
// result came from an older scan. The guard is a conditional UPDATE rather
// than an ON CONFLICT filter so it holds on every supported dialect.
func (r *repo) UpsertAggregate(ctx context.Context, db *gorm.DB, aggregate *usagedomain.UsageAggregate) error {
	update := func() (int64, error) {
		res := db.WithContext(ctx).Model(&usagedomain.UsageAggregate{}).
			Where("meter_id = ? AND user_id = ? AND billing_period = ? AND event_count <= ?",
				aggregate.MeterID, aggregate.UserID, aggregate.BillingPeriod, aggregate.EventCount).
			Updates(map[string]any{
				"period_start":    aggregate.PeriodStart,
				"period_end":      aggregate.PeriodEnd,
				"aggregate_value": aggregate.AggregateValue,
				"event_count":     aggregate.EventCount,
				"updated_at":      aggregate.UpdatedAt,
			})
		return res.RowsAffected, res.Error
	}

	updated, err := update()
	if err != nil || updated > 0 {
		return err
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meter_id"}, {Name: "user_id"}, {Name: "billing_period"}},
		DoNothing: true,
	}).Create(aggregate)
	if res.Error != nil || res.RowsAffected > 0 {
		return res.Error
	}
	// Another writer inserted the row first; apply ours if it is not older.
	_, err = update()
	return err
}

func (r *repo) FindAggregate(ctx context.Context, db *gorm.DB, meterID snowflake.ID, userID, billingPeriod string) (*usagedomain.UsageAggregate, error) {
	var aggregate usagedomain.UsageAggregate
	err := db.WithContext(ctx).Raw(
		`SELECT `+aggregateColumns+` FROM usage_aggregates
		 WHERE meter_id = ? AND user_id = ? AND billing_period = ?`,
		meterID,
		userID,
		billingPeriod,
	).Scan(&aggregate).Error
	if err != nil {
		return nil, err
	}
	if aggregate.ID == 0 {
		return nil, nil
	}
	return &aggregate, nil
}
