package service_test

import (
	"context"
	"testing"

	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	"github.com/smallbiznis/usagegate/internal/testutil"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackN(t *testing.T, s *stack.Stack, plan stack.PlanResult, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Usage.TrackUsage(context.Background(), plan.CreatorID, usagedomain.TrackUsageRequest{
			EventName: plan.Meter.EventName,
			UserID:    plan.Assignment.CustomerID,
			Value:     testutil.Float(1),
		})
		require.NoError(t, err)
	}
}

func TestCheckLimitsRaisesSoftAlertOnce(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, Threshold: 0.8})
	ctx := context.Background()

	trackN(t, s, plan, 7)
	alerts, err := s.Alerts.ListAlerts(ctx, alertdomain.ListAlertsRequest{MeterID: plan.Meter.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	trackN(t, s, plan, 3)
	alerts, err = s.Alerts.ListAlerts(ctx, alertdomain.ListAlertsRequest{MeterID: plan.Meter.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alertdomain.AlertTypeSoftLimitReached, alerts[0].AlertType)
	assert.Equal(t, "Pro", alerts[0].PlanName)
	assert.Equal(t, "2026-01", alerts[0].BillingPeriod)
	assert.Equal(t, float64(10), alerts[0].CurrentUsage)
	assert.InDelta(t, 100, alerts[0].ThresholdPercentage, 1e-9)

	// Re-checking the same key updates the row in place.
	again, err := s.Alerts.CheckLimits(ctx, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, alerts[0].ID, again[0].ID)
	assert.EqualValues(t, 1, s.Count(t, "usage_alerts", "meter_id = ?", plan.Meter.ID))
}

func TestCheckLimitsRaisesHardAlertAtLimit(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 5, HardCap: true})
	ctx := context.Background()

	trackN(t, s, plan, 5)

	alerts, err := s.Alerts.CheckLimits(ctx, plan.Meter.ID, "cust_1", "")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	types := []alertdomain.AlertType{alerts[0].AlertType, alerts[1].AlertType}
	assert.ElementsMatch(t, []alertdomain.AlertType{
		alertdomain.AlertTypeSoftLimitReached,
		alertdomain.AlertTypeHardLimitReached,
	}, types)
	assert.EqualValues(t, 2, s.Count(t, "usage_alerts", "meter_id = ?", plan.Meter.ID))
}

func TestCheckLimitsWithoutAggregate(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 5, HardCap: true})

	alerts, err := s.Alerts.CheckLimits(context.Background(), plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = s.Alerts.CheckLimits(context.Background(), 0, "cust_1", "2026-01")
	assert.ErrorIs(t, err, alertdomain.ErrInvalidMeter)
	_, err = s.Alerts.CheckLimits(context.Background(), plan.Meter.ID, " ", "2026-01")
	assert.ErrorIs(t, err, alertdomain.ErrInvalidUser)
}

func TestAcknowledgeAlert(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 2, Threshold: 0.5})
	ctx := context.Background()

	trackN(t, s, plan, 1)
	alerts, err := s.Alerts.ListAlerts(ctx, alertdomain.ListAlertsRequest{MeterID: plan.Meter.ID, OnlyUnacknowledged: true})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	acked, err := s.Alerts.AcknowledgeAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.True(t, acked.AcknowledgedAt.Equal(stack.Epoch))

	// A later check keeps the acknowledgement.
	trackN(t, s, plan, 1)
	alerts, err = s.Alerts.ListAlerts(ctx, alertdomain.ListAlertsRequest{MeterID: plan.Meter.ID, OnlyUnacknowledged: true})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = s.Alerts.AcknowledgeAlert(ctx, s.Node.Generate())
	assert.ErrorIs(t, err, alertdomain.ErrAlertNotFound)
}
