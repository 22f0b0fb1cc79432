package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

type ListSyncRequest struct {
	CreatorID     snowflake.ID `form:"-"`
	BillingPeriod string       `form:"billing_period"`
	Status        SyncStatus   `form:"status"`
	Kind          SyncKind     `form:"kind"`
	Limit         int          `form:"limit"`
}

type Service interface {
	ProcessBillingCycle(ctx context.Context, creatorID snowflake.ID, billingPeriod string) (*CycleResult, error)
	SyncMeteredUsage(ctx context.Context, meterID snowflake.ID, userID, billingPeriod string) (*UsageBillingSync, error)

	// GetFailedBillingSync lists failed records still eligible for retry.
	// A zero creatorID lists every creator.
	GetFailedBillingSync(ctx context.Context, creatorID snowflake.ID) ([]UsageBillingSync, error)
	// RetryFailedSync re-attempts the provider call of a failed record. On
	// provider failure the updated record is returned with the error.
	RetryFailedSync(ctx context.Context, id snowflake.ID) (*UsageBillingSync, error)
	// RetryEligible retries failed records whose backoff has elapsed.
	RetryEligible(ctx context.Context, limit int) (SweepResult, error)

	GetSync(ctx context.Context, id snowflake.ID) (*UsageBillingSync, error)
	ListSyncs(ctx context.Context, req ListSyncRequest) ([]UsageBillingSync, error)
}

var (
	ErrInvalidCreator     = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidMeter       = apperr.Validation("meter_id", "invalid_meter", "meter id is required")
	ErrInvalidUser        = apperr.Validation("user_id", "invalid_user", "user id is required")
	ErrRetryExhausted     = apperr.Validation("sync_attempts", "retry_exhausted", "billing sync reached the maximum number of attempts")
	ErrSyncNotFailed      = apperr.Validation("billing_status", "sync_not_failed", "only failed billing syncs can be retried")
	ErrMeterNotMetered    = apperr.Validation("billing_model", "meter_not_metered", "usage is only reported for metered meters")
	ErrNoSubscriptionItem = apperr.Validation("external_subscription_item_ref", "missing_subscription_item", "customer has no subscription item for this meter")
	ErrCycleInProgress    = apperr.Validation("billing_period", "cycle_in_progress", "billing cycle is already running for this period")
	ErrSyncKeyConflict    = apperr.Validation("overage_id", "sync_key_conflict", "billing sync key is already used by another overage")

	ErrSyncNotFound = apperr.NotFound("usage_billing_sync")
)
