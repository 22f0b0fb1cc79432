package recompute_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/usagegate/internal/testutil"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/internal/usage/recompute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingest(t *testing.T, s *stack.Stack, plan stack.PlanResult, value float64) usagedomain.RecomputeKey {
	t.Helper()
	res, err := s.Usage.TrackUsage(context.Background(), plan.CreatorID, usagedomain.TrackUsageRequest{
		EventName: plan.Meter.EventName,
		UserID:    plan.Assignment.CustomerID,
		Value:     testutil.Float(value),
	})
	require.NoError(t, err)
	return usagedomain.RecomputeKey{MeterID: plan.Meter.ID, UserID: plan.Assignment.CustomerID, BillingPeriod: res.BillingPeriod}
}

func findTask(t *testing.T, s *stack.Stack, key usagedomain.RecomputeKey) *usagedomain.RecomputeTask {
	t.Helper()
	task, err := s.Tasks.Find(context.Background(), s.DB, key)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestProcessCompletesTaskAndRaisesAlerts(t *testing.T) {
	dispatcher := &stack.RecordingDispatcher{}
	s := stack.New(t, stack.Options{Dispatcher: dispatcher})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10})
	ctx := context.Background()

	key := ingest(t, s, plan, 9)
	assert.Equal(t, usagedomain.RecomputeStatusPending, findTask(t, s, key).Status)

	require.NoError(t, s.Processor.Process(ctx, key))
	task := findTask(t, s, key)
	assert.Equal(t, usagedomain.RecomputeStatusDone, task.Status)

	agg, err := s.UsageRepo.FindAggregate(ctx, s.DB, key.MeterID, key.UserID, key.BillingPeriod)
	require.NoError(t, err)
	assert.Equal(t, float64(9), agg.AggregateValue)
	assert.EqualValues(t, 1, s.Count(t, "usage_alerts", "meter_id = ?", plan.Meter.ID))

	// A finished task is a no-op.
	require.NoError(t, s.Processor.Process(ctx, key))
}

func TestProcessKeepsTaskPendingWhenRearmed(t *testing.T) {
	dispatcher := &stack.RecordingDispatcher{}
	s := stack.New(t, stack.Options{Dispatcher: dispatcher})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	ctx := context.Background()

	key := ingest(t, s, plan, 1)
	stale := findTask(t, s, key)

	ingest(t, s, plan, 1)
	done, err := s.Tasks.MarkDone(ctx, s.DB, key, stale.Version, s.Clock.Now())
	require.NoError(t, err)
	assert.False(t, done)

	task := findTask(t, s, key)
	assert.Equal(t, usagedomain.RecomputeStatusPending, task.Status)
	assert.Equal(t, stale.Version+1, task.Version)
}

func TestProcessRecordsFailureForRetry(t *testing.T) {
	s := stack.New(t, stack.Options{})
	ctx := context.Background()
	now := s.Clock.Now()
	key := usagedomain.RecomputeKey{MeterID: s.Node.Generate(), UserID: "cust_1", BillingPeriod: "2026-01"}

	require.NoError(t, s.Tasks.Enqueue(ctx, s.DB, &usagedomain.RecomputeTask{
		ID:            s.Node.Generate(),
		MeterID:       key.MeterID,
		UserID:        key.UserID,
		BillingPeriod: key.BillingPeriod,
		Status:        usagedomain.RecomputeStatusPending,
		Version:       1,
		AvailableAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	err := s.Processor.Process(ctx, key)
	require.Error(t, err)

	task := findTask(t, s, key)
	assert.Equal(t, usagedomain.RecomputeStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "meter_not_found")
	assert.True(t, task.AvailableAt.After(now))

	// Not yet due.
	processed, err := s.Processor.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestDrainProcessesDueTasks(t *testing.T) {
	dispatcher := &stack.RecordingDispatcher{}
	s := stack.New(t, stack.Options{Dispatcher: dispatcher})
	first := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	second := s.SetupPlanFor(t, first.CreatorID, stack.Plan{Metric: "storage", Cap: 100, CustomerID: "cust_2"})
	ctx := context.Background()

	ingest(t, s, first, 2)
	ingest(t, s, first, 3)
	ingest(t, s, second, 4)

	processed, err := s.Processor.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.EqualValues(t, 0, s.Count(t, "usage_recompute_tasks", "status = ?", usagedomain.RecomputeStatusPending))

	agg, err := s.UsageRepo.FindAggregate(ctx, s.DB, first.Meter.ID, "cust_1", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, float64(5), agg.AggregateValue)
}

func TestPoolProcessesDispatchedKeys(t *testing.T) {
	dispatcher := &stack.RecordingDispatcher{}
	s := stack.New(t, stack.Options{Dispatcher: dispatcher})
	plan := s.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	ctx := context.Background()

	key := ingest(t, s, plan, 6)

	pool := recompute.NewPool(s.Processor, s.Policy, s.Log)
	pool.Start()
	pool.Dispatch(ctx, key)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	assert.Equal(t, usagedomain.RecomputeStatusDone, findTask(t, s, key).Status)

	// Dispatch after stop is dropped and leaves the task for the drain.
	key = ingest(t, s, plan, 1)
	pool.Dispatch(ctx, key)
	assert.Equal(t, usagedomain.RecomputeStatusPending, findTask(t, s, key).Status)
}
