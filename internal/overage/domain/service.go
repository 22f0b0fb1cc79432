package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

type ListOveragesRequest struct {
	CreatorID     snowflake.ID `form:"-"`
	CustomerID    string       `form:"customer_id"`
	BillingPeriod string       `form:"billing_period"`
	OnlyUnbilled  bool         `form:"only_unbilled"`
}

type Service interface {
	// CalculateUsageOverages recomputes the customer's overage rows for the
	// period. Customers without a current tier have none.
	CalculateUsageOverages(ctx context.Context, creatorID snowflake.ID, customerID, billingPeriod string) ([]TierUsageOverage, error)
	ListOverages(ctx context.Context, req ListOveragesRequest) ([]TierUsageOverage, error)
	GetOverage(ctx context.Context, id snowflake.ID) (*TierUsageOverage, error)
	MarkBilled(ctx context.Context, id snowflake.ID, externalInvoiceItemRef string) error
}

var (
	ErrInvalidCreator  = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidCustomer = apperr.Validation("customer_id", "invalid_customer", "customer id is required")
	ErrOverageNotFound = apperr.NotFound("tier_usage_overage")
)
