package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

const (
	ReasonNoTier      = "no_active_tier"
	ReasonUnlimited   = "unlimited"
	ReasonWithinLimit = "within_limit"
	ReasonSoftLimit   = "soft_limit_reached"
	ReasonHardLimit   = "hard_limit_exceeded"
)

type Request struct {
	CustomerID string       `json:"customer_id" binding:"required"`
	CreatorID  snowflake.ID `json:"creator_id,string"`
	MetricName string       `json:"metric_name" binding:"required"`
	Increment  float64      `json:"increment"`
	// At selects the billing period; zero means now.
	At time.Time `json:"at"`
}

type Result struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	Message         string  `json:"message,omitempty"`
	CurrentUsage    float64 `json:"current_usage"`
	ProjectedUsage  float64 `json:"projected_usage"`
	LimitValue      float64 `json:"limit_value"`
	UsagePercentage float64 `json:"usage_percentage"`
	ShouldWarn      bool    `json:"should_warn"`
	ShouldBlock     bool    `json:"should_block"`
	TierName        string  `json:"tier_name,omitempty"`
	BillingPeriod   string  `json:"billing_period,omitempty"`
}

// Err converts a blocking result into the error returned to ingest callers.
func (r *Result) Err() error {
	if r == nil || !r.ShouldBlock {
		return nil
	}
	return &apperr.LimitExceededError{
		Reason:       r.Message,
		CurrentUsage: r.CurrentUsage,
		LimitValue:   r.LimitValue,
	}
}

type Service interface {
	// CheckEnforcement never writes; it is safe to call speculatively.
	CheckEnforcement(ctx context.Context, req Request) (*Result, error)
}

var (
	ErrInvalidCreator  = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidCustomer = apperr.Validation("customer_id", "invalid_customer", "customer id is required")
	ErrInvalidMetric   = apperr.Validation("metric_name", "invalid_metric", "metric name is required")
	ErrInvalidAmount   = apperr.Validation("increment", "invalid_increment", "increment must be a finite number greater than or equal to zero")
)
