package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

type Service interface {
	CreateTier(ctx context.Context, creatorID snowflake.ID, req CreateTierRequest) (*SubscriptionTier, error)
	GetTier(ctx context.Context, creatorID, id snowflake.ID) (*SubscriptionTier, error)
	ListTiers(ctx context.Context, creatorID snowflake.ID) ([]SubscriptionTier, error)
	SetDefaultTier(ctx context.Context, creatorID, id snowflake.ID) error

	AssignTier(ctx context.Context, creatorID snowflake.ID, req AssignTierRequest) (*CustomerTierAssignment, error)
	GetCurrentAssignment(ctx context.Context, creatorID snowflake.ID, customerID string) (*CurrentTier, error)
	CancelAssignment(ctx context.Context, creatorID snowflake.ID, customerID string, atPeriodEnd bool) (*CustomerTierAssignment, error)
	ListBillableAssignments(ctx context.Context, creatorID snowflake.ID) ([]CustomerTierAssignment, error)
	ListDueAssignments(ctx context.Context, now time.Time, limit int) ([]CustomerTierAssignment, error)
	AdvancePeriod(ctx context.Context, assignmentID snowflake.ID) (*CustomerTierAssignment, error)
}

type CreateTierRequest struct {
	Name               string             `json:"name" binding:"required"`
	Description        string             `json:"description"`
	Price              decimal.Decimal    `json:"price"`
	Currency           string             `json:"currency"`
	BillingCycle       string             `json:"billing_cycle"`
	Features           []string           `json:"features"`
	UsageCaps          map[string]float64 `json:"usage_caps"`
	TrialPeriodDays    int                `json:"trial_period_days"`
	IsDefault          bool               `json:"is_default"`
	ExternalProductRef string             `json:"external_product_ref"`
	ExternalPriceRef   string             `json:"external_price_ref"`
}

// AssignTierRequest assigns TierID, or the creator's default tier when TierID
// is zero. StartAt defaults to now.
type AssignTierRequest struct {
	CustomerID                string            `json:"customer_id" binding:"required"`
	TierID                    snowflake.ID      `json:"tier_id,string"`
	StartAt                   *time.Time        `json:"start_at"`
	ExternalSubscriptionRef   string            `json:"external_subscription_ref"`
	ExternalCustomerRef       string            `json:"external_customer_ref"`
	ExternalSubscriptionItems map[string]string `json:"external_subscription_items"`
}

var (
	ErrInvalidCreator      = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidTierName     = apperr.Validation("name", "invalid_tier_name", "tier name is required")
	ErrDuplicateTierName   = apperr.Validation("name", "duplicate_tier_name", "tier name already exists")
	ErrInvalidPrice        = apperr.Validation("price", "invalid_price", "price must not be negative")
	ErrInvalidCurrency     = apperr.Validation("currency", "invalid_currency", "currency must be a 3-letter code")
	ErrInvalidBillingCycle = apperr.Validation("billing_cycle", "invalid_billing_cycle", "billing cycle must be daily, weekly, monthly or yearly")
	ErrInvalidUsageCap     = apperr.Validation("usage_caps", "invalid_usage_cap", "usage caps must be finite numbers")
	ErrInvalidTrialPeriod  = apperr.Validation("trial_period_days", "invalid_trial_period", "trial period must not be negative")
	ErrInvalidCustomer     = apperr.Validation("customer_id", "invalid_customer", "customer id is required")
	ErrTierInactive        = apperr.Validation("tier_id", "tier_inactive", "tier is not active")
	ErrAssignmentCanceled  = apperr.Validation("status", "assignment_canceled", "assignment is already canceled")

	ErrTierNotFound       = apperr.NotFound("tier")
	ErrAssignmentNotFound = apperr.NotFound("tier_assignment")
)
