package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/usagegate/internal/apperr"
	"github.com/smallbiznis/usagegate/internal/testutil"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func track(t *testing.T, s *stack.Stack, plan stack.PlanResult, value float64) (*usagedomain.TrackUsageResult, error) {
	t.Helper()
	return s.Usage.TrackUsage(context.Background(), plan.CreatorID, usagedomain.TrackUsageRequest{
		EventName: plan.Meter.EventName,
		UserID:    plan.Assignment.CustomerID,
		Value:     testutil.Float(value),
	})
}

func aggregateValue(t *testing.T, s *stack.Stack, plan stack.PlanResult) float64 {
	t.Helper()
	agg, err := s.UsageRepo.FindAggregate(context.Background(), s.DB, plan.Meter.ID, plan.Assignment.CustomerID, "2026-01")
	require.NoError(t, err)
	if agg == nil {
		return 0
	}
	return agg.AggregateValue
}

func TestTrackUsageDefaults(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 1000})

	res, err := s.Usage.TrackUsage(context.Background(), plan.CreatorID, usagedomain.TrackUsageRequest{
		EventName: "api_calls",
		UserID:    "cust_1",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Event.Value)
	assert.True(t, res.Event.EventTimestamp.Equal(stack.Epoch))
	assert.Equal(t, "2026-01", res.BillingPeriod)
	assert.False(t, res.Replayed)
	assert.Nil(t, res.Event.IdempotencyKey)

	_, err = track(t, s, plan, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, aggregateValue(t, s, plan))
	assert.EqualValues(t, 0, s.Count(t, "usage_recompute_tasks", "status = ?", usagedomain.RecomputeStatusPending))
}

func TestTrackUsageValidation(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 1000})
	ctx := context.Background()
	future := stack.Epoch.Add(6 * time.Minute)

	tests := []struct {
		name    string
		creator bool
		req     usagedomain.TrackUsageRequest
		wantErr error
	}{
		{name: "missing creator", req: usagedomain.TrackUsageRequest{EventName: "api_calls", UserID: "u"}, wantErr: usagedomain.ErrInvalidCreator},
		{name: "missing event", creator: true, req: usagedomain.TrackUsageRequest{UserID: "u"}, wantErr: usagedomain.ErrInvalidEventName},
		{name: "missing user", creator: true, req: usagedomain.TrackUsageRequest{EventName: "api_calls", UserID: " "}, wantErr: usagedomain.ErrInvalidUser},
		{name: "negative value", creator: true, req: usagedomain.TrackUsageRequest{EventName: "api_calls", UserID: "u", Value: testutil.Float(-1)}, wantErr: usagedomain.ErrInvalidValue},
		{name: "future timestamp", creator: true, req: usagedomain.TrackUsageRequest{EventName: "api_calls", UserID: "u", Timestamp: &future}, wantErr: usagedomain.ErrInvalidTimestamp},
		{name: "long idempotency key", creator: true, req: usagedomain.TrackUsageRequest{EventName: "api_calls", UserID: "u", IdempotencyKey: strings.Repeat("k", 256)}, wantErr: usagedomain.ErrInvalidIdempotencyKey},
		{name: "unknown meter", creator: true, req: usagedomain.TrackUsageRequest{EventName: "nope", UserID: "u"}, wantErr: apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creatorID := plan.CreatorID
			if !tt.creator {
				creatorID = 0
			}
			_, err := s.Usage.TrackUsage(ctx, creatorID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.EqualValues(t, 0, s.Count(t, "usage_events", "meter_id = ?", plan.Meter.ID))
}

func TestTrackUsageAcceptsSmallClockSkew(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 1000})
	ts := stack.Epoch.Add(4 * time.Minute)

	res, err := s.Usage.TrackUsage(context.Background(), plan.CreatorID, usagedomain.TrackUsageRequest{
		EventName: "api_calls",
		UserID:    "cust_1",
		Timestamp: &ts,
	})
	require.NoError(t, err)
	assert.True(t, res.Event.EventTimestamp.Equal(ts))
}

func TestTrackUsageIdempotentReplay(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 1, HardCap: true})
	ctx := context.Background()
	req := usagedomain.TrackUsageRequest{EventName: "api_calls", UserID: "cust_1", IdempotencyKey: "req-1"}

	first, err := s.Usage.TrackUsage(ctx, plan.CreatorID, req)
	require.NoError(t, err)

	// The cap is now reached; a replay must still succeed.
	second, err := s.Usage.TrackUsage(ctx, plan.CreatorID, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, "2026-01", second.BillingPeriod)

	assert.EqualValues(t, 1, s.Count(t, "usage_events", "meter_id = ?", plan.Meter.ID))
	assert.Equal(t, float64(1), aggregateValue(t, s, plan))
}

func TestTrackUsageHardCapBlocks(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 3, HardCap: true})

	for i := 0; i < 3; i++ {
		_, err := track(t, s, plan, 1)
		require.NoError(t, err, "event %d", i+1)
	}

	_, err := track(t, s, plan, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)

	assert.EqualValues(t, 3, s.Count(t, "usage_events", "meter_id = ?", plan.Meter.ID))
	assert.Equal(t, float64(3), aggregateValue(t, s, plan))
}

func TestTrackUsageSoftCapWarnsAndAccepts(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, Threshold: 0.8})

	var warned []int
	for i := 1; i <= 12; i++ {
		res, err := track(t, s, plan, 1)
		require.NoError(t, err)
		if res.ShouldWarn {
			warned = append(warned, i)
		}
	}
	assert.Equal(t, []int{8, 9, 10, 11, 12}, warned)
	assert.Equal(t, float64(12), aggregateValue(t, s, plan))
}

func TestTrackUsageUsesLiveUsageWhileRecomputePending(t *testing.T) {
	dispatcher := &stack.RecordingDispatcher{}
	s := stack.New(t, stack.Options{Dispatcher: dispatcher})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 2, HardCap: true})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := track(t, s, plan, 1)
		require.NoError(t, err)
	}
	require.Len(t, dispatcher.Keys, 2)
	assert.Equal(t, float64(0), aggregateValue(t, s, plan))

	_, err := track(t, s, plan, 1)
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)

	summary, err := s.Usage.GetUsageSummary(ctx, usagedomain.SummaryRequest{MeterID: plan.Meter.ID, UserID: "cust_1"})
	require.NoError(t, err)
	assert.Equal(t, float64(2), summary.CurrentUsage)

	processed, err := s.Processor.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, float64(2), aggregateValue(t, s, plan))
}

func TestListUsageEventsPagination(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 1000})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := stack.Epoch.Add(-time.Duration(i) * time.Minute)
		_, err := s.Usage.TrackUsage(ctx, plan.CreatorID, usagedomain.TrackUsageRequest{
			EventName: "api_calls",
			UserID:    "cust_1",
			Value:     testutil.Float(float64(i)),
			Timestamp: &ts,
		})
		require.NoError(t, err)
	}

	var values []float64
	token := ""
	pages := 0
	for {
		res, err := s.Usage.ListUsageEvents(ctx, usagedomain.ListEventsRequest{
			MeterID:    plan.Meter.ID,
			UserID:     "cust_1",
			Pagination: pagination.Pagination{PageToken: token, PageSize: 2},
		})
		require.NoError(t, err)
		pages++
		for _, e := range res.Events {
			values = append(values, e.Value)
		}
		if !res.HasMore {
			break
		}
		token = res.NextPageToken
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, values)

	_, err := s.Usage.ListUsageEvents(ctx, usagedomain.ListEventsRequest{
		MeterID:    plan.Meter.ID,
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidPageToken)

	_, err = s.Usage.ListUsageEvents(ctx, usagedomain.ListEventsRequest{
		MeterID: plan.Meter.ID,
		From:    stack.Epoch,
		To:      stack.Epoch,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidRange)
}

func TestGetUsageSummary(t *testing.T) {
	s := stack.New(t, stack.Options{})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100, HardCap: true})
	ctx := context.Background()

	_, err := track(t, s, plan, 85)
	require.NoError(t, err)

	summary, err := s.Usage.GetUsageSummary(ctx, usagedomain.SummaryRequest{MeterID: plan.Meter.ID, UserID: "cust_1"})
	require.NoError(t, err)
	assert.Equal(t, "Pro", summary.PlanName)
	assert.Equal(t, "2026-01", summary.BillingPeriod)
	assert.Equal(t, float64(85), summary.CurrentUsage)
	assert.EqualValues(t, 1, summary.EventCount)
	require.NotNil(t, summary.LimitValue)
	assert.Equal(t, float64(100), *summary.LimitValue)
	require.NotNil(t, summary.Remaining)
	assert.Equal(t, float64(15), *summary.Remaining)
	assert.InDelta(t, 85, summary.UsagePercentage, 1e-9)
	assert.True(t, summary.ShouldWarn)
	assert.False(t, summary.ShouldBlock)
	assert.True(t, summary.HardCap)

	other, err := s.Usage.GetUsageSummary(ctx, usagedomain.SummaryRequest{
		MeterID:       plan.Meter.ID,
		UserID:        "cust_1",
		BillingPeriod: "2025-12",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0), other.CurrentUsage)
	assert.Equal(t, "2025-12", other.BillingPeriod)

	unassigned, err := s.Usage.GetUsageSummary(ctx, usagedomain.SummaryRequest{MeterID: plan.Meter.ID, UserID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, unassigned.PlanName)
	assert.Nil(t, unassigned.LimitValue)

	_, err = s.Usage.GetUsageSummary(ctx, usagedomain.SummaryRequest{UserID: "cust_1"})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMeter)
}
