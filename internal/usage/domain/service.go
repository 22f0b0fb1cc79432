package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	"github.com/smallbiznis/usagegate/pkg/db/pagination"
)

type TrackUsageRequest struct {
	EventName      string         `json:"event_name" binding:"required"`
	UserID         string         `json:"user_id" binding:"required"`
	Value          *float64       `json:"value"`
	Properties     map[string]any `json:"properties"`
	Timestamp      *time.Time     `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type TrackUsageResult struct {
	Event           UsageEvent `json:"event"`
	BillingPeriod   string     `json:"billing_period"`
	ShouldWarn      bool       `json:"should_warn"`
	UsagePercentage float64    `json:"usage_percentage"`
	Replayed        bool       `json:"replayed"`
}

type ListEventsRequest struct {
	MeterID snowflake.ID `json:"meter_id"`
	UserID  string       `json:"user_id"`
	From    time.Time    `json:"from"`
	To      time.Time    `json:"to"`
	pagination.Pagination
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

type SummaryRequest struct {
	MeterID       snowflake.ID `json:"meter_id"`
	UserID        string       `json:"user_id"`
	PlanName      string       `json:"plan_name"`
	BillingPeriod string       `json:"billing_period"`
}

type UsageSummary struct {
	MeterID            snowflake.ID `json:"meter_id,string"`
	EventName          string       `json:"event_name"`
	UnitName           string       `json:"unit_name"`
	UserID             string       `json:"user_id"`
	PlanName           string       `json:"plan_name,omitempty"`
	BillingPeriod      string       `json:"billing_period"`
	PeriodStart        time.Time    `json:"period_start"`
	PeriodEnd          time.Time    `json:"period_end"`
	CurrentUsage       float64      `json:"current_usage"`
	EventCount         int64        `json:"event_count"`
	LimitValue         *float64     `json:"limit_value,omitempty"`
	UsagePercentage    float64      `json:"usage_percentage"`
	Remaining          *float64     `json:"remaining,omitempty"`
	SoftLimitThreshold float64      `json:"soft_limit_threshold"`
	HardCap            bool         `json:"hard_cap"`
	ShouldWarn         bool         `json:"should_warn"`
	ShouldBlock        bool         `json:"should_block"`
}

type Service interface {
	TrackUsage(ctx context.Context, creatorID snowflake.ID, req TrackUsageRequest) (*TrackUsageResult, error)
	ListUsageEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
	GetUsageSummary(ctx context.Context, req SummaryRequest) (*UsageSummary, error)
}

// Aggregator owns the reduction of raw events into UsageAggregate rows.
type Aggregator interface {
	RecomputeAggregate(ctx context.Context, meterID snowflake.ID, userID, billingPeriod string) (*UsageAggregate, error)
	// CurrentUsage reads the aggregate without writing. A key with a pending
	// recompute task is reduced from raw events instead of the stored row.
	CurrentUsage(ctx context.Context, meter *meterdomain.UsageMeter, userID string, p period.Period) (float64, int64, error)
}

// Dispatcher schedules a recompute for a key after its task was committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, key RecomputeKey)
}

var (
	ErrInvalidCreator        = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidEventName      = apperr.Validation("event_name", "invalid_event_name", "event name is required")
	ErrInvalidUser           = apperr.Validation("user_id", "invalid_user", "user id is required")
	ErrInvalidValue          = apperr.Validation("value", "invalid_value", "value must be a finite number greater than or equal to zero")
	ErrInvalidTimestamp      = apperr.Validation("timestamp", "invalid_timestamp", "timestamp is out of range")
	ErrInvalidIdempotencyKey = apperr.Validation("idempotency_key", "invalid_idempotency_key", "idempotency key is too long")
	ErrInvalidMeter          = apperr.Validation("meter_id", "invalid_meter", "meter id is required")
	ErrInvalidRange          = apperr.Validation("to", "invalid_range", "to must be after from")
	ErrInvalidPageToken      = apperr.Validation("page_token", "invalid_page_token", "page token is malformed")
)
