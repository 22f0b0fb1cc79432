package aggregation_test

import (
	"context"
	"testing"
	"time"

	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	"github.com/smallbiznis/usagegate/internal/usage/aggregation"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func insertEvent(t *testing.T, s *stack.Stack, plan stack.PlanResult, value float64, ts time.Time, props map[string]any) {
	t.Helper()
	event := &usagedomain.UsageEvent{
		ID:             s.Node.Generate(),
		CreatorID:      plan.CreatorID,
		MeterID:        plan.Meter.ID,
		UserID:         plan.Assignment.CustomerID,
		Value:          value,
		EventTimestamp: ts,
		CreatedAt:      ts,
	}
	if props != nil {
		event.Properties = datatypes.JSONMap(props)
	}
	inserted, err := s.UsageRepo.InsertEvent(context.Background(), s.DB, event)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestRecomputeAggregateByType(t *testing.T) {
	tests := []struct {
		agg       meterdomain.AggregationType
		wantValue float64
	}{
		{agg: meterdomain.AggregationSum, wantValue: 12.5},
		{agg: meterdomain.AggregationCount, wantValue: 4},
		{agg: meterdomain.AggregationMax, wantValue: 7},
		{agg: meterdomain.AggregationDuration, wantValue: 12.5},
		{agg: meterdomain.AggregationUnique, wantValue: 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.agg), func(t *testing.T) {
			s := stack.New(t, stack.Options{})
			plan := s.SetupPlan(t, stack.Plan{Metric: "metric", Aggregation: tt.agg, Cap: 100})

			insertEvent(t, s, plan, 2, stack.Epoch, map[string]any{"session_id": "a"})
			insertEvent(t, s, plan, 7, stack.Epoch.Add(-time.Hour), map[string]any{"session_id": "b"})
			insertEvent(t, s, plan, 3.5, stack.Epoch.Add(-2*time.Hour), map[string]any{"session_id": "a"})
			insertEvent(t, s, plan, 0, stack.Epoch.Add(-3*time.Hour), nil)
			// Previous period.
			insertEvent(t, s, plan, 100, time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), map[string]any{"session_id": "z"})

			agg, err := s.Aggregator.RecomputeAggregate(context.Background(), plan.Meter.ID, "cust_1", "2026-01")
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, agg.AggregateValue)
			assert.EqualValues(t, 4, agg.EventCount)
			assert.True(t, agg.PeriodStart.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
			assert.True(t, agg.PeriodEnd.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
		})
	}
}

func TestRecomputeAggregateIsIdempotent(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	ctx := context.Background()

	insertEvent(t, s, plan, 4, stack.Epoch, nil)
	first, err := s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	second, err := s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AggregateValue, second.AggregateValue)
	assert.EqualValues(t, 1, s.Count(t, "usage_aggregates", "meter_id = ?", plan.Meter.ID))

	insertEvent(t, s, plan, 1, stack.Epoch, nil)
	third, err := s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, float64(5), third.AggregateValue)
	assert.Equal(t, first.ID, third.ID)
}

func TestRecomputeAggregateEmptyPeriod(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})

	agg, err := s.Aggregator.RecomputeAggregate(context.Background(), plan.Meter.ID, "cust_1", "2025-11")
	require.NoError(t, err)
	assert.Equal(t, float64(0), agg.AggregateValue)
	assert.EqualValues(t, 0, agg.EventCount)
}

func TestRecomputeAggregateValidation(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	ctx := context.Background()

	_, err := s.Aggregator.RecomputeAggregate(ctx, 0, "cust_1", "2026-01")
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMeter)

	_, err = s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "", "2026-01")
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUser)

	_, err = s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "January")
	assert.ErrorIs(t, err, period.ErrInvalidPeriodKey)

	_, err = s.Aggregator.RecomputeAggregate(ctx, s.Node.Generate(), "cust_1", "2026-01")
	assert.ErrorIs(t, err, meterdomain.ErrMeterNotFound)
}

func TestCurrentUsageReadsStoredAggregate(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	ctx := context.Background()
	p := period.For(period.Monthly, stack.Epoch)

	usage, count, err := s.Aggregator.CurrentUsage(ctx, &plan.Meter, "cust_1", p)
	require.NoError(t, err)
	assert.Zero(t, usage)
	assert.Zero(t, count)

	// Raw events without a pending task are invisible until recomputed.
	insertEvent(t, s, plan, 3, stack.Epoch, nil)
	usage, _, err = s.Aggregator.CurrentUsage(ctx, &plan.Meter, "cust_1", p)
	require.NoError(t, err)
	assert.Zero(t, usage)

	_, err = s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", p.Key)
	require.NoError(t, err)
	usage, count, err = s.Aggregator.CurrentUsage(ctx, &plan.Meter, "cust_1", p)
	require.NoError(t, err)
	assert.Equal(t, float64(3), usage)
	assert.EqualValues(t, 1, count)

	usage, _, err = s.Aggregator.CurrentUsage(ctx, nil, "cust_1", p)
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestCountDistinct(t *testing.T) {
	events := []usagedomain.UsageEvent{
		{Properties: datatypes.JSONMap{"session_id": "a"}},
		{Properties: datatypes.JSONMap{"session_id": "a"}},
		{Properties: datatypes.JSONMap{"session_id": 1}},
		{Properties: datatypes.JSONMap{"session_id": "1"}},
		{Properties: datatypes.JSONMap{"other": "x"}},
		{Properties: datatypes.JSONMap{"session_id": nil}},
		{},
	}
	assert.Equal(t, 3, aggregation.CountDistinct(events, "session_id"))
	assert.Equal(t, 0, aggregation.CountDistinct(nil, "session_id"))
}

// scanHookRepo runs after once the first event scan has returned, before the
// caller writes its result.
type scanHookRepo struct {
	usagedomain.Repository
	after func()
}

func (r *scanHookRepo) TotalEvents(ctx context.Context, db *gorm.DB, filter usagedomain.EventFilter) (usagedomain.EventTotals, error) {
	totals, err := r.Repository.TotalEvents(ctx, db, filter)
	if r.after != nil {
		after := r.after
		r.after = nil
		after()
	}
	return totals, err
}

func TestRecomputeAggregateKeepsNewerResult(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 2})
	ctx := context.Background()

	insertEvent(t, s, plan, 1, stack.Epoch, nil)

	hook := &scanHookRepo{Repository: s.UsageRepo}
	hook.after = func() {
		insertEvent(t, s, plan, 1, stack.Epoch.Add(time.Second), nil)
		fresh, err := s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "2026-01")
		require.NoError(t, err)
		require.Equal(t, float64(2), fresh.AggregateValue)
	}
	slow := aggregation.New(aggregation.Params{
		DB:     s.DB,
		Log:    s.Log,
		GenID:  s.Node,
		Clock:  s.Clock,
		Meters: s.MeterRepo,
		Repo:   hook,
		Tasks:  s.Tasks,
	})

	got, err := slow.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.AggregateValue)
	assert.EqualValues(t, 2, got.EventCount)

	stored, err := s.UsageRepo.FindAggregate(ctx, s.DB, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, float64(2), stored.AggregateValue)

	usage, _, err := s.Aggregator.CurrentUsage(ctx, &plan.Meter, "cust_1", period.For(period.Monthly, stack.Epoch))
	require.NoError(t, err)
	assert.Equal(t, float64(2), usage)
}

func TestUpsertAggregateIgnoresOlderScan(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	ctx := context.Background()

	insertEvent(t, s, plan, 3, stack.Epoch, nil)
	insertEvent(t, s, plan, 4, stack.Epoch, nil)
	current, err := s.Aggregator.RecomputeAggregate(ctx, plan.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)

	p := period.For(period.Monthly, stack.Epoch)
	older := &usagedomain.UsageAggregate{
		ID:             s.Node.Generate(),
		MeterID:        plan.Meter.ID,
		UserID:         "cust_1",
		BillingPeriod:  p.Key,
		PeriodStart:    p.Start,
		PeriodEnd:      p.End,
		AggregateValue: 3,
		EventCount:     1,
		CreatedAt:      stack.Epoch,
		UpdatedAt:      stack.Epoch,
	}
	require.NoError(t, s.UsageRepo.UpsertAggregate(ctx, s.DB, older))

	stored, err := s.UsageRepo.FindAggregate(ctx, s.DB, plan.Meter.ID, "cust_1", p.Key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, current.ID, stored.ID)
	assert.Equal(t, float64(7), stored.AggregateValue)
	assert.EqualValues(t, 2, stored.EventCount)
}
