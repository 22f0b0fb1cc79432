package service_test

import (
	"context"
	"testing"

	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	"github.com/smallbiznis/usagegate/internal/testutil"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func track(t *testing.T, s *stack.Stack, plan stack.PlanResult, value float64) {
	t.Helper()
	_, err := s.Usage.TrackUsage(context.Background(), plan.CreatorID, usagedomain.TrackUsageRequest{
		EventName: plan.Meter.EventName,
		UserID:    plan.Assignment.CustomerID,
		Value:     testutil.Float(value),
	})
	require.NoError(t, err)
}

func TestCalculateUsageOverages(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100, OveragePrice: "0.01"})
	ctx := context.Background()

	track(t, s, plan, 150)

	overages, err := s.Overages.CalculateUsageOverages(ctx, plan.CreatorID, "cust_1", "2026-01")
	require.NoError(t, err)
	require.Len(t, overages, 1)

	o := overages[0]
	assert.Equal(t, plan.Meter.ID, o.MeterID)
	assert.Equal(t, plan.Tier.ID, o.TierID)
	assert.Equal(t, float64(100), o.LimitValue)
	assert.Equal(t, float64(150), o.ActualUsage)
	assert.Equal(t, float64(50), o.OverageAmount)
	assert.Equal(t, "0.5", o.OverageCost.String())
	assert.Equal(t, "usd", o.Currency)
	assert.False(t, o.Billed)

	// Recalculation updates the same row.
	track(t, s, plan, 10)
	again, err := s.Overages.CalculateUsageOverages(ctx, plan.CreatorID, "cust_1", "2026-01")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, o.ID, again[0].ID)
	assert.Equal(t, float64(60), again[0].OverageAmount)
	assert.Equal(t, "0.6", again[0].OverageCost.String())
	assert.EqualValues(t, 1, s.Count(t, "tier_usage_overages", "customer_id = ?", "cust_1"))
}

func TestCalculateUsageOveragesKeepsBilledRows(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100, OveragePrice: "0.01"})
	ctx := context.Background()

	track(t, s, plan, 150)
	overages, err := s.Overages.CalculateUsageOverages(ctx, plan.CreatorID, "cust_1", "2026-01")
	require.NoError(t, err)
	require.Len(t, overages, 1)
	require.NoError(t, s.Overages.MarkBilled(ctx, overages[0].ID, "ii_1"))

	track(t, s, plan, 50)
	after, err := s.Overages.CalculateUsageOverages(ctx, plan.CreatorID, "cust_1", "2026-01")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.True(t, after[0].Billed)
	assert.Equal(t, "ii_1", after[0].ExternalInvoiceItemRef)
	assert.Equal(t, float64(50), after[0].OverageAmount)

	unbilled, err := s.Overages.ListOverages(ctx, overagedomain.ListOveragesRequest{CreatorID: plan.CreatorID, OnlyUnbilled: true})
	require.NoError(t, err)
	assert.Empty(t, unbilled)
}

func TestCalculateUsageOveragesSkips(t *testing.T) {
	s := stack.New(t, stack.Options{})
	ctx := context.Background()

	t.Run("under limit", func(t *testing.T) {
		plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100, OveragePrice: "0.01"})
		track(t, s, plan, 100)
		overages, err := s.Overages.CalculateUsageOverages(ctx, plan.CreatorID, "cust_1", "2026-01")
		require.NoError(t, err)
		assert.Empty(t, overages)
	})

	t.Run("no overage price", func(t *testing.T) {
		plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
		track(t, s, plan, 500)
		overages, err := s.Overages.CalculateUsageOverages(ctx, plan.CreatorID, "cust_1", "2026-01")
		require.NoError(t, err)
		assert.Empty(t, overages)
	})

	t.Run("no tier", func(t *testing.T) {
		overages, err := s.Overages.CalculateUsageOverages(ctx, s.CreatorID(), "nobody", "2026-01")
		require.NoError(t, err)
		assert.NotNil(t, overages)
		assert.Empty(t, overages)
	})
}

func TestCalculateUsageOveragesValidation(t *testing.T) {
	s := stack.New(t, stack.Options{})
	ctx := context.Background()

	_, err := s.Overages.CalculateUsageOverages(ctx, 0, "cust_1", "2026-01")
	assert.ErrorIs(t, err, overagedomain.ErrInvalidCreator)
	_, err = s.Overages.CalculateUsageOverages(ctx, 1, "", "2026-01")
	assert.ErrorIs(t, err, overagedomain.ErrInvalidCustomer)
	_, err = s.Overages.CalculateUsageOverages(ctx, 1, "cust_1", "last-month")
	assert.Error(t, err)

	_, err = s.Overages.GetOverage(ctx, s.Node.Generate())
	assert.ErrorIs(t, err, overagedomain.ErrOverageNotFound)
}
