package e2e

import (
	"context"
	"errors"
	"net/http"
	"testing"

	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	"github.com/smallbiznis/usagegate/internal/apperr"
	syncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	"github.com/smallbiznis/usagegate/internal/scheduler"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiCallsPlan(hardCap bool) stack.Plan {
	return stack.Plan{
		Metric:       "api_calls",
		Unit:         "calls",
		TierName:     "Pro",
		Cap:          1000,
		HardCap:      hardCap,
		Threshold:    0.9,
		OveragePrice: "0.002",
	}
}

func TestE2E_SoftCapWarnsAndBillsOverage(t *testing.T) {
	env := startEnv(t, stack.Options{})
	plan := env.SetupPlan(t, apiCallsPlan(false))
	ctx := context.Background()

	for i := 1; i <= 1100; i++ {
		switch i {
		case 899:
			assert.False(t, env.check(t, plan, 1).ShouldWarn, "event 899 is below the threshold")
		case 901:
			res := env.check(t, plan, 1)
			assert.True(t, res.Allowed)
			assert.True(t, res.ShouldWarn, "event 901 crosses the threshold")
		}
		res := env.track(t, plan, 1)
		require.Equal(t, http.StatusCreated, res.Status, "event %d", i)
	}
	assert.EqualValues(t, 1100, env.Count(t, "usage_events", "meter_id = ?", plan.Meter.ID))

	agg, err := env.UsageRepo.FindAggregate(ctx, env.DB, plan.Meter.ID, plan.Assignment.CustomerID, "2026-01")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, float64(1100), agg.AggregateValue)

	alerts, err := env.Alerts.ListAlerts(ctx, alertdomain.ListAlertsRequest{MeterID: plan.Meter.ID, UserID: plan.Assignment.CustomerID})
	require.NoError(t, err)
	require.Len(t, alerts, 1, "soft alerts are upserted, not duplicated")
	assert.Equal(t, alertdomain.AlertTypeSoftLimitReached, alerts[0].AlertType)

	env.Clock.Set(periodClose)
	require.NoError(t, env.scheduler.RunOnce(ctx))

	overages, err := env.Overages.ListOverages(ctx, overagedomain.ListOveragesRequest{CreatorID: plan.CreatorID})
	require.NoError(t, err)
	require.Len(t, overages, 1)
	assert.Equal(t, float64(100), overages[0].OverageAmount)
	assert.Equal(t, "0.2", overages[0].OverageCost.String())
	assert.True(t, overages[0].Billed)

	require.Equal(t, 1, env.Provider.LineItemCount())
	assert.Equal(t, "0.2", env.Provider.LineItems[0].Amount.String())

	// Closing again bills nothing new.
	require.NoError(t, env.scheduler.RunJob(ctx, scheduler.JobClosePeriods))
	_, err = env.Overages.CalculateUsageOverages(ctx, plan.CreatorID, plan.Assignment.CustomerID, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 1, env.Provider.LineItemCount())
	assert.EqualValues(t, 1, env.Count(t, "tier_usage_overages", "creator_id = ?", plan.CreatorID))
}

func TestE2E_HardCapRejectsEventOverLimit(t *testing.T) {
	env := startEnv(t, stack.Options{})
	plan := env.SetupPlan(t, apiCallsPlan(true))

	for i := 1; i <= 1000; i++ {
		res := env.track(t, plan, 1)
		require.Equal(t, http.StatusCreated, res.Status, "event %d", i)
	}

	blocked := env.check(t, plan, 1)
	assert.False(t, blocked.Allowed)
	assert.True(t, blocked.ShouldBlock)

	res := env.track(t, plan, 1)
	require.Equal(t, http.StatusPaymentRequired, res.Status)
	assert.Equal(t, "limit_exceeded", res.Error.Type)
	require.NotNil(t, res.Error.Usage)
	assert.Equal(t, float64(1000), res.Error.Usage.CurrentUsage)
	assert.Equal(t, float64(1000), res.Error.Usage.LimitValue)

	assert.EqualValues(t, 1000, env.Count(t, "usage_events", "meter_id = ?", plan.Meter.ID))
}

func TestE2E_FailedSyncStopsAfterThreeAttempts(t *testing.T) {
	env := startEnv(t, stack.Options{})
	plan := env.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100, OveragePrice: "0.01"})
	ctx := context.Background()
	env.Provider.SetFail(func(context.Context, string, string) error {
		return apperr.Provider("create_invoice_line_item", errors.New("provider unavailable"))
	})

	res := env.track(t, plan, 150)
	require.Equal(t, http.StatusCreated, res.Status)

	cycle, err := env.BillingSync.ProcessBillingCycle(ctx, plan.CreatorID, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 0, cycle.Processed)
	require.Len(t, cycle.Errors, 1)

	failed, err := env.BillingSync.GetFailedBillingSync(ctx, plan.CreatorID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	id := failed[0].ID

	for attempt := 2; attempt <= syncdomain.MaxSyncAttempts; attempt++ {
		record, err := env.BillingSync.RetryFailedSync(ctx, id)
		require.Error(t, err)
		require.NotNil(t, record)
		assert.Equal(t, attempt, record.SyncAttempts)
		assert.Equal(t, syncdomain.StatusFailed, record.BillingStatus)
	}

	failed, err = env.BillingSync.GetFailedBillingSync(ctx, plan.CreatorID)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = env.BillingSync.RetryFailedSync(ctx, id)
	assert.ErrorIs(t, err, syncdomain.ErrRetryExhausted)

	// A recovered provider does not revive an exhausted record.
	env.Provider.SetFail(nil)
	sweep, err := env.BillingSync.RetryEligible(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sweep.Attempted)
	assert.Zero(t, env.Provider.LineItemCount())
}

func TestE2E_DeferredRecomputeIsDrainedBeforeBilling(t *testing.T) {
	env := startEnv(t, stack.Options{Dispatcher: &stack.RecordingDispatcher{}})
	plan := env.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, HardCap: true, OveragePrice: "1"})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusCreated, env.track(t, plan, 1).Status)
	}
	// Pending recompute tasks still count towards the cap.
	assert.Equal(t, http.StatusPaymentRequired, env.track(t, plan, 1).Status)

	agg, err := env.UsageRepo.FindAggregate(ctx, env.DB, plan.Meter.ID, plan.Assignment.CustomerID, "2026-01")
	require.NoError(t, err)
	assert.Nil(t, agg)

	require.NoError(t, env.scheduler.RunJob(ctx, scheduler.JobDrainRecompute))
	agg, err = env.UsageRepo.FindAggregate(ctx, env.DB, plan.Meter.ID, plan.Assignment.CustomerID, "2026-01")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, float64(10), agg.AggregateValue)
	assert.EqualValues(t, 0, env.Count(t, "usage_recompute_tasks", "status = ?", "pending"))
}

func TestE2E_UnmeteredCustomersAreNeverBlocked(t *testing.T) {
	env := startEnv(t, stack.Options{})
	plan := env.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 5, HardCap: true})

	res := env.call(t, http.MethodPost, "/api/enforcement/check", plan.CreatorID, map[string]any{
		"customer_id": "cust_without_tier",
		"metric_name": "api_calls",
		"increment":   1e6,
	})
	require.Equal(t, http.StatusOK, res.Status)
	assert.True(t, decode[enforcementResult](t, res.Data).Allowed)

	res = env.call(t, http.MethodPost, "/api/enforcement/check", plan.CreatorID, map[string]any{
		"customer_id": plan.Assignment.CustomerID,
		"metric_name": "storage_gb",
		"increment":   1e6,
	})
	require.Equal(t, http.StatusOK, res.Status)
	assert.True(t, decode[enforcementResult](t, res.Data).Allowed)
}
