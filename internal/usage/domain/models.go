// Package domain contains persistence models for usage events, their
// per-period aggregates and the recompute outbox.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores a single unit of metered activity. Rows are append-only.
type UsageEvent struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	CreatorID      snowflake.ID      `json:"creator_id" gorm:"not null;index"`
	MeterID        snowflake.ID      `json:"meter_id" gorm:"not null;index:ix_usage_events_meter_user_ts,priority:1;uniqueIndex:ux_usage_events_meter_idempotency,priority:1"`
	UserID         string            `json:"user_id" gorm:"type:text;not null;index:ix_usage_events_meter_user_ts,priority:2"`
	Value          float64           `json:"value" gorm:"not null"`
	Properties     datatypes.JSONMap `json:"properties,omitempty" gorm:"type:jsonb"`
	EventTimestamp time.Time         `json:"event_timestamp" gorm:"not null;index:ix_usage_events_meter_user_ts,priority:3"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty" gorm:"type:text;uniqueIndex:ux_usage_events_meter_idempotency,priority:2"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageAggregate is the recomputed total of a meter for one user and period.
type UsageAggregate struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	MeterID        snowflake.ID `json:"meter_id" gorm:"not null;uniqueIndex:ux_usage_aggregates_key,priority:1"`
	UserID         string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_usage_aggregates_key,priority:2"`
	BillingPeriod  string       `json:"billing_period" gorm:"type:text;not null;uniqueIndex:ux_usage_aggregates_key,priority:3"`
	PeriodStart    time.Time    `json:"period_start" gorm:"not null"`
	PeriodEnd      time.Time    `json:"period_end" gorm:"not null"`
	AggregateValue float64      `json:"aggregate_value" gorm:"not null;default:0"`
	EventCount     int64        `json:"event_count" gorm:"not null;default:0"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

func (UsageAggregate) TableName() string { return "usage_aggregates" }

type RecomputeStatus string

const (
	RecomputeStatusPending RecomputeStatus = "pending"
	RecomputeStatusDone    RecomputeStatus = "done"
)

// RecomputeTask is written in the same transaction as a UsageEvent so the
// aggregate for its key is recomputed at least once. Version increases on
// every upsert; a worker only completes the version it observed.
type RecomputeTask struct {
	ID            snowflake.ID    `json:"id" gorm:"primaryKey"`
	MeterID       snowflake.ID    `json:"meter_id" gorm:"not null;uniqueIndex:ux_usage_recompute_tasks_key,priority:1"`
	UserID        string          `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_usage_recompute_tasks_key,priority:2"`
	BillingPeriod string          `json:"billing_period" gorm:"type:text;not null;uniqueIndex:ux_usage_recompute_tasks_key,priority:3"`
	Status        RecomputeStatus `json:"status" gorm:"type:text;not null;index"`
	Version       int64           `json:"version" gorm:"not null;default:1"`
	Attempts      int             `json:"attempts" gorm:"not null;default:0"`
	LastError     string          `json:"last_error,omitempty" gorm:"type:text"`
	AvailableAt   time.Time       `json:"available_at" gorm:"not null"`
	CreatedAt     time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"not null"`
}

func (RecomputeTask) TableName() string { return "usage_recompute_tasks" }

// RecomputeKey identifies one aggregate row.
type RecomputeKey struct {
	MeterID       snowflake.ID `json:"meter_id"`
	UserID        string       `json:"user_id"`
	BillingPeriod string       `json:"billing_period"`
}
