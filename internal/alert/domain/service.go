package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

type AlertKey struct {
	MeterID       snowflake.ID
	UserID        string
	PlanName      string
	AlertType     AlertType
	BillingPeriod string
}

type ListAlertsRequest struct {
	MeterID            snowflake.ID `form:"meter_id"`
	UserID             string       `form:"user_id"`
	BillingPeriod      string       `form:"billing_period"`
	OnlyUnacknowledged bool         `form:"only_unacknowledged"`
}

type Service interface {
	// CheckLimits upserts alerts for every plan limit the user's aggregate
	// has crossed. An empty billingPeriod means the current monthly period.
	CheckLimits(ctx context.Context, meterID snowflake.ID, userID, billingPeriod string) ([]UsageAlert, error)
	ListAlerts(ctx context.Context, req ListAlertsRequest) ([]UsageAlert, error)
	GetAlert(ctx context.Context, id snowflake.ID) (*UsageAlert, error)
	AcknowledgeAlert(ctx context.Context, id snowflake.ID) (*UsageAlert, error)
}

var (
	ErrInvalidMeter  = apperr.Validation("meter_id", "invalid_meter", "meter id is required")
	ErrInvalidUser   = apperr.Validation("user_id", "invalid_user", "user id is required")
	ErrAlertNotFound = apperr.NotFound("usage_alert")
)
