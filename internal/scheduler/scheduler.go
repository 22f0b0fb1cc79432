package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/authorization"
	syncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	"github.com/smallbiznis/usagegate/internal/clock"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	"github.com/smallbiznis/usagegate/internal/period"
	"github.com/smallbiznis/usagegate/internal/scheduler/guard"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	"github.com/smallbiznis/usagegate/internal/usage/recompute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobClosePeriods     = "close_periods"
	JobRetryBillingSync = "retry_billing_sync"
	JobDrainRecompute   = "drain_recompute"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Tiers       tierdomain.Service
	BillingSync syncdomain.Service
	Processor   *recompute.Processor
	Authz       authorization.Service `optional:"true"`
	Config      Config                `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	tiers       tierdomain.Service
	billingSync syncdomain.Service
	processor   *recompute.Processor
	authz       authorization.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Tiers == nil || p.BillingSync == nil || p.Processor == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		tiers:       p.Tiers,
		billingSync: p.BillingSync,
		processor:   p.Processor,
		authz:       p.Authz,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the remaining work
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job a single time, in dependency order: pending
// aggregates are drained before periods close so overages see final usage.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, job := range s.jobs() {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

// RunJob runs a single job by name.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, job := range s.jobs() {
		if strings.EqualFold(job.Name, name) {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown scheduler job %q", name)
}

type job struct {
	Name string
	Spec string
	Run  func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobDrainRecompute, s.cfg.DrainRecomputeSpec, func(ctx context.Context) error {
			return s.runJob(ctx, JobDrainRecompute, s.cfg.DrainBatchSize, s.cfg.JobTimeout, s.DrainRecomputeJob)
		}},
		{JobClosePeriods, s.cfg.ClosePeriodsSpec, func(ctx context.Context) error {
			return s.runJob(ctx, JobClosePeriods, s.cfg.BatchSize, s.cfg.JobTimeout, s.ClosePeriodsJob)
		}},
		{JobRetryBillingSync, s.cfg.RetrySyncSpec, func(ctx context.Context) error {
			return s.runJob(ctx, JobRetryBillingSync, s.cfg.RetryBatchSize, s.cfg.JobTimeout, s.RetryBillingSyncJob)
		}},
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

type closeKey struct {
	creatorID     snowflake.ID
	billingPeriod string
}

type closeBatch struct {
	key         closeKey
	assignments []tierdomain.CustomerTierAssignment
}

// ClosePeriodsJob bills every creator period whose assignments have ended and
// rolls those assignments into their next period. An assignment several
// periods behind is billed and advanced once per missed period in the same
// tick. A period whose billing run fails keeps its assignments due so the next
// tick retries it.
func (s *Scheduler) ClosePeriodsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobClosePeriods, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	due, err := s.tiers.ListDueAssignments(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	schedMetrics := obsmetrics.Scheduler()
	cycles := make(map[snowflake.ID]period.BillingCycle)
	var (
		batches []closeBatch
		jobErr  error
	)
	pending := make(map[closeKey]int)

	enqueue := func(a tierdomain.CustomerTierAssignment) {
		if err := guard.EnsurePeriodCanClose(a.Status, a.CurrentPeriodEnd, now); err != nil {
			return
		}
		cycle, err := s.cycleFor(ctx, cycles, a)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.tier.lookup.failed", JobClosePeriods, a.CreatorID, err,
				zap.String("assignment_id", a.ID.String()),
			)
			return
		}
		key := closeKey{creatorID: a.CreatorID, billingPeriod: period.For(cycle, a.CurrentPeriodStart).Key}
		if i, ok := pending[key]; ok {
			batches[i].assignments = append(batches[i].assignments, a)
			return
		}
		pending[key] = len(batches)
		batches = append(batches, closeBatch{key: key, assignments: []tierdomain.CustomerTierAssignment{a}})
	}
	for _, a := range due {
		enqueue(a)
	}

	for i := 0; i < len(batches); i++ {
		key := batches[i].key
		delete(pending, key)
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		if err := s.authorizeSystem(ctx, key.creatorID, authorization.ObjectBillingSync, authorization.ActionBillingCycleProcess); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.authorize.failed", JobClosePeriods, key.creatorID, err)
			continue
		}

		result, err := s.billingSync.ProcessBillingCycle(ctx, key.creatorID, key.billingPeriod)
		if errors.Is(err, syncdomain.ErrCycleInProgress) {
			schedMetrics.IncBatchDeferred(JobClosePeriods, obsmetrics.SchedulerJobReasonLockHeld)
			schedMetrics.AddCycleOutcome(obsmetrics.CycleOutcomeSkipped, 1)
			continue
		}
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			schedMetrics.AddCycleOutcome(obsmetrics.CycleOutcomeFailed, 1)
			s.logSchedulerError(ctx, run, "scheduler.period.close.failed", JobClosePeriods, key.creatorID, err,
				zap.String("billing_period", key.billingPeriod),
			)
			continue
		}
		schedMetrics.AddCycleOutcome(obsmetrics.CycleOutcomeProcessed, 1)
		s.logPeriodClosed(ctx, key.creatorID, key.billingPeriod, result.Processed, result.LineItems)

		advanced := 0
		for _, a := range batches[i].assignments {
			next, err := s.tiers.AdvancePeriod(ctx, a.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.assignment.advance.failed", JobClosePeriods, key.creatorID, err,
					zap.String("assignment_id", a.ID.String()),
					zap.String("billing_period", key.billingPeriod),
				)
				continue
			}
			advanced++
			if next != nil && next.CurrentPeriodEnd.After(a.CurrentPeriodEnd) {
				enqueue(*next)
			}
		}
		run.AddProcessed(advanced)
		schedMetrics.AddBatchProcessed(JobClosePeriods, "assignment", advanced)
	}

	return jobErr
}

// RetryBillingSyncJob re-attempts failed provider syncs whose backoff elapsed.
// Individual provider failures are recorded on the sync rows, not returned.
func (s *Scheduler) RetryBillingSyncJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryBillingSync, s.cfg.RetryBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.billingSync.RetryEligible(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}
	run.AddProcessed(result.Synced)
	obsmetrics.Scheduler().AddBatchProcessed(JobRetryBillingSync, "billing_sync", result.Synced)
	if result.Failed > 0 {
		s.logger(ctx).Warn("billing sync retries failed",
			zap.Int("attempted", result.Attempted),
			zap.Int("failed", result.Failed),
		)
	}
	return nil
}

// DrainRecomputeJob processes recompute tasks left behind by a crashed or
// saturated worker pool.
func (s *Scheduler) DrainRecomputeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDrainRecompute, s.cfg.DrainBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	processed, err := s.processor.Drain(ctx, s.cfg.DrainBatchSize)
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobDrainRecompute, "recompute_task", processed)
	return err
}

func (s *Scheduler) cycleFor(ctx context.Context, cache map[snowflake.ID]period.BillingCycle, a tierdomain.CustomerTierAssignment) (period.BillingCycle, error) {
	if cycle, ok := cache[a.TierID]; ok {
		return cycle, nil
	}
	tier, err := s.tiers.GetTier(ctx, a.CreatorID, a.TierID)
	if errors.Is(err, tierdomain.ErrTierNotFound) {
		cache[a.TierID] = period.Monthly
		return period.Monthly, nil
	}
	if err != nil {
		return "", err
	}
	cache[a.TierID] = tier.BillingCycle
	return tier.BillingCycle, nil
}

func (s *Scheduler) authorizeSystem(ctx context.Context, creatorID snowflake.ID, object, action string) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(ctx, "system", creatorID.String(), object, action)
}
