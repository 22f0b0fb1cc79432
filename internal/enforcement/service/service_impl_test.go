package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUsage(t *testing.T, s *stack.Stack, meterID snowflake.ID, userID string, value float64) {
	t.Helper()
	p := period.For(period.Monthly, s.Clock.Now())
	now := s.Clock.Now()
	err := s.UsageRepo.UpsertAggregate(context.Background(), s.DB, &usagedomain.UsageAggregate{
		ID:             s.Node.Generate(),
		MeterID:        meterID,
		UserID:         userID,
		BillingPeriod:  p.Key,
		PeriodStart:    p.Start,
		PeriodEnd:      p.End,
		AggregateValue: value,
		EventCount:     int64(value),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
}

func check(t *testing.T, s *stack.Stack, plan stack.PlanResult, increment float64) *enforcementdomain.Result {
	t.Helper()
	res, err := s.Enforcement.CheckEnforcement(context.Background(), enforcementdomain.Request{
		CustomerID: plan.Assignment.CustomerID,
		CreatorID:  plan.CreatorID,
		MetricName: plan.Meter.EventName,
		Increment:  increment,
	})
	require.NoError(t, err)
	return res
}

func TestCheckEnforcementHardCap(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100, HardCap: true})

	tests := []struct {
		usage     float64
		allowed   bool
		warn      bool
		reason    string
		projected float64
	}{
		{usage: 50, allowed: true, reason: enforcementdomain.ReasonWithinLimit, projected: 51},
		{usage: 80, allowed: true, warn: true, reason: enforcementdomain.ReasonSoftLimit, projected: 81},
		{usage: 99, allowed: true, warn: true, reason: enforcementdomain.ReasonSoftLimit, projected: 100},
		{usage: 100, allowed: false, reason: enforcementdomain.ReasonHardLimit, projected: 101},
	}
	for _, tt := range tests {
		seedUsage(t, s, plan.Meter.ID, "cust_1", tt.usage)
		res := check(t, s, plan, 1)

		assert.Equal(t, tt.allowed, res.Allowed, "usage %v", tt.usage)
		assert.Equal(t, tt.warn, res.ShouldWarn, "usage %v", tt.usage)
		assert.Equal(t, !tt.allowed, res.ShouldBlock, "usage %v", tt.usage)
		assert.Equal(t, tt.reason, res.Reason, "usage %v", tt.usage)
		assert.Equal(t, tt.usage, res.CurrentUsage)
		assert.Equal(t, tt.projected, res.ProjectedUsage)
		assert.Equal(t, float64(100), res.LimitValue)
		assert.Equal(t, "Pro", res.TierName)
		assert.Equal(t, "2026-01", res.BillingPeriod)
	}

	res := check(t, s, plan, 1)
	err := res.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)
	var limitErr *apperr.LimitExceededError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "Pro plan limit of 100 calls reached for api_calls", limitErr.Reason)
	assert.Equal(t, float64(100), limitErr.CurrentUsage)
}

func TestCheckEnforcementSoftLimitNeverBlocks(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 1000, Threshold: 0.9})

	seedUsage(t, s, plan.Meter.ID, "cust_1", 898)
	res := check(t, s, plan, 1)
	assert.False(t, res.ShouldWarn)
	assert.Equal(t, enforcementdomain.ReasonWithinLimit, res.Reason)

	seedUsage(t, s, plan.Meter.ID, "cust_1", 900)
	res = check(t, s, plan, 1)
	assert.True(t, res.ShouldWarn)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 90.1, res.UsagePercentage, 0.0001)

	seedUsage(t, s, plan.Meter.ID, "cust_1", 1500)
	res = check(t, s, plan, 1)
	assert.True(t, res.Allowed)
	assert.False(t, res.ShouldBlock)
	assert.True(t, res.ShouldWarn)
	assert.NoError(t, res.Err())
}

func TestCheckEnforcementWithoutTier(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, HardCap: true})

	res, err := s.Enforcement.CheckEnforcement(context.Background(), enforcementdomain.Request{
		CustomerID: "someone_else",
		CreatorID:  plan.CreatorID,
		MetricName: "api_calls",
		Increment:  1000,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, enforcementdomain.ReasonNoTier, res.Reason)
}

func TestCheckEnforcementUnlimitedMetric(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, HardCap: true})

	res, err := s.Enforcement.CheckEnforcement(context.Background(), enforcementdomain.Request{
		CustomerID: plan.Assignment.CustomerID,
		CreatorID:  plan.CreatorID,
		MetricName: "storage_gb",
		Increment:  1e9,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, enforcementdomain.ReasonUnlimited, res.Reason)
	assert.Equal(t, "Pro", res.TierName)
}

func TestCheckEnforcementMaxMeterProjection(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{
		Metric:      "seats",
		Aggregation: meterdomain.AggregationMax,
		Cap:         10,
		HardCap:     true,
	})
	seedUsage(t, s, plan.Meter.ID, "cust_1", 8)

	res := check(t, s, plan, 5)
	assert.True(t, res.Allowed)
	assert.Equal(t, float64(8), res.ProjectedUsage)

	res = check(t, s, plan, 11)
	assert.False(t, res.Allowed)
	assert.Equal(t, float64(11), res.ProjectedUsage)
}

func TestCheckEnforcementValidation(t *testing.T) {
	s := stack.New(t, stack.Options{})
	ctx := context.Background()

	_, err := s.Enforcement.CheckEnforcement(ctx, enforcementdomain.Request{CustomerID: "c", MetricName: "m"})
	assert.ErrorIs(t, err, enforcementdomain.ErrInvalidCreator)

	_, err = s.Enforcement.CheckEnforcement(ctx, enforcementdomain.Request{CreatorID: 1, MetricName: "m"})
	assert.ErrorIs(t, err, enforcementdomain.ErrInvalidCustomer)

	_, err = s.Enforcement.CheckEnforcement(ctx, enforcementdomain.Request{CreatorID: 1, CustomerID: "c"})
	assert.ErrorIs(t, err, enforcementdomain.ErrInvalidMetric)

	_, err = s.Enforcement.CheckEnforcement(ctx, enforcementdomain.Request{CreatorID: 1, CustomerID: "c", MetricName: "m", Increment: -1})
	assert.ErrorIs(t, err, enforcementdomain.ErrInvalidAmount)
}
