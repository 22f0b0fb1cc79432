package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EventFilter selects events of one meter and user in [From, To).
type EventFilter struct {
	MeterID snowflake.ID
	UserID  string
	From    time.Time
	To      time.Time
}

// EventTotals is the SQL-side reduction of an EventFilter.
type EventTotals struct {
	Count int64
	Sum   float64
	Max   float64
}

type EventCursor struct {
	EventTimestamp time.Time
	ID             snowflake.ID
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	FindEventByIdempotencyKey(ctx context.Context, db *gorm.DB, meterID snowflake.ID, key string) (*UsageEvent, error)
	TotalEvents(ctx context.Context, db *gorm.DB, filter EventFilter) (EventTotals, error)
	ListEventProperties(ctx context.Context, db *gorm.DB, filter EventFilter) ([]UsageEvent, error)
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter, after *EventCursor, limit int) ([]*UsageEvent, error)

	UpsertAggregate(ctx context.Context, db *gorm.DB, aggregate *UsageAggregate) error
	FindAggregate(ctx context.Context, db *gorm.DB, meterID snowflake.ID, userID, billingPeriod string) (*UsageAggregate, error)
}

type RecomputeTaskRepository interface {
	Enqueue(ctx context.Context, db *gorm.DB, task *RecomputeTask) error
	Find(ctx context.Context, db *gorm.DB, key RecomputeKey) (*RecomputeTask, error)
	ListPending(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]RecomputeTask, error)
	MarkDone(ctx context.Context, db *gorm.DB, key RecomputeKey, version int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, key RecomputeKey, version int64, lastError string, availableAt, at time.Time) error
}
