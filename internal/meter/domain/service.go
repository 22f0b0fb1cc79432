package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

type Service interface {
	CreateMeter(ctx context.Context, creatorID snowflake.ID, req CreateMeterRequest) (*MeterWithLimits, error)
	ListMeters(ctx context.Context, creatorID snowflake.ID) ([]UsageMeter, error)
	GetMeter(ctx context.Context, id snowflake.ID) (*UsageMeter, error)
	// GetMeterByEventName resolves an active meter; inactive meters are reported as not found.
	GetMeterByEventName(ctx context.Context, creatorID snowflake.ID, eventName string) (*UsageMeter, error)
	DeactivateMeter(ctx context.Context, creatorID, id snowflake.ID) error

	UpsertPlanLimit(ctx context.Context, meterID snowflake.ID, req PlanLimitInput) (*MeterPlanLimit, error)
	GetPlanLimit(ctx context.Context, meterID snowflake.ID, planName string) (*MeterPlanLimit, error)
	ListPlanLimits(ctx context.Context, meterID snowflake.ID) ([]MeterPlanLimit, error)
}

type CreateMeterRequest struct {
	EventName       string           `json:"event_name"`
	DisplayName     string           `json:"display_name"`
	Description     string           `json:"description"`
	AggregationType string           `json:"aggregation_type"`
	UnitName        string           `json:"unit_name"`
	BillingModel    string           `json:"billing_model"`
	UniqueProperty  string           `json:"unique_property"`
	PlanLimits      []PlanLimitInput `json:"plan_limits"`
}

type PlanLimitInput struct {
	PlanName           string           `json:"plan_name"`
	LimitValue         *float64         `json:"limit_value"`
	OveragePrice       *decimal.Decimal `json:"overage_price"`
	SoftLimitThreshold *float64         `json:"soft_limit_threshold"`
	HardCap            bool             `json:"hard_cap"`
}

type MeterWithLimits struct {
	UsageMeter
	PlanLimits []MeterPlanLimit `json:"plan_limits"`
}

var (
	ErrInvalidCreator        = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidEventName      = apperr.Validation("event_name", "invalid_event_name", "event name must be alphanumeric with _ . : -")
	ErrDuplicateEventName    = apperr.Validation("event_name", "duplicate_event_name", "event name already exists for creator")
	ErrInvalidDisplayName    = apperr.Validation("display_name", "invalid_display_name", "display name is required")
	ErrInvalidAggregation    = apperr.Validation("aggregation_type", "invalid_aggregation_type", "aggregation type must be count, sum, max, unique or duration")
	ErrInvalidUnit           = apperr.Validation("unit_name", "invalid_unit", "unit name is required")
	ErrInvalidBillingModel   = apperr.Validation("billing_model", "invalid_billing_model", "billing model must be metered or licensed")
	ErrMissingUniqueProperty = apperr.Validation("unique_property", "missing_unique_property", "unique meters require a unique property")
	ErrInvalidPlanName       = apperr.Validation("plan_name", "invalid_plan_name", "plan name is required")
	ErrDuplicatePlanLimit    = apperr.Validation("plan_name", "duplicate_plan_limit", "plan limit defined more than once")
	ErrInvalidLimitValue     = apperr.Validation("limit_value", "invalid_limit_value", "limit value must be a finite non-negative number")
	ErrInvalidThreshold      = apperr.Validation("soft_limit_threshold", "invalid_soft_limit_threshold", "soft limit threshold must be in (0, 1]")
	ErrInvalidOveragePrice   = apperr.Validation("overage_price", "invalid_overage_price", "overage price must not be negative")

	ErrMeterNotFound     = apperr.NotFound("meter")
	ErrPlanLimitNotFound = apperr.NotFound("plan_limit")
)
