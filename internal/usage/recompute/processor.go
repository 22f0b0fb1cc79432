// Package recompute runs aggregate recomputation and the follow-up limit
// check outside the ingest path. Work items come from the recompute outbox,
// either pushed by ingest right after commit or pulled by the drain job.
package recompute

import (
	"context"
	"fmt"

	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	"github.com/smallbiznis/usagegate/internal/apperr"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	"github.com/smallbiznis/usagegate/internal/retrypolicy"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLength = 512

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Tasks      usagedomain.RecomputeTaskRepository
	Aggregator usagedomain.Aggregator
	Alerts     alertdomain.Service
	Policy     *config.EnforcementConfigHolder `optional:"true"`
}

type Processor struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	tasks      usagedomain.RecomputeTaskRepository
	aggregator usagedomain.Aggregator
	alerts     alertdomain.Service
	policy     *config.EnforcementConfigHolder
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:         p.DB,
		log:        p.Log.Named("recompute.processor"),
		clock:      p.Clock,
		tasks:      p.Tasks,
		aggregator: p.Aggregator,
		alerts:     p.Alerts,
		policy:     p.Policy,
	}
}

// Process recomputes one key and checks its limits. The task is completed
// only for the version read here, so events arriving meanwhile keep it pending.
func (p *Processor) Process(ctx context.Context, key usagedomain.RecomputeKey) error {
	task, err := p.tasks.Find(ctx, p.db, key)
	if err != nil {
		return fmt.Errorf("load recompute task: %w", err)
	}
	if task == nil || task.Status != usagedomain.RecomputeStatusPending {
		return nil
	}

	if err := p.run(ctx, key); err != nil {
		cfg := p.policy.Get()
		now := p.clock.Now()
		next := now.Add(retrypolicy.Delay(task.Attempts+1, cfg.RetryInitialInterval, cfg.RetryMaxInterval))
		if markErr := p.tasks.MarkFailed(ctx, p.db, key, task.Version, apperr.Truncate(err.Error(), maxErrorLength), next, now); markErr != nil {
			p.log.Error("failed to record recompute failure", zap.Error(markErr))
		}
		return err
	}

	if _, err := p.tasks.MarkDone(ctx, p.db, key, task.Version, p.clock.Now()); err != nil {
		return fmt.Errorf("complete recompute task: %w", err)
	}
	return nil
}

func (p *Processor) run(ctx context.Context, key usagedomain.RecomputeKey) error {
	if _, err := p.aggregator.RecomputeAggregate(ctx, key.MeterID, key.UserID, key.BillingPeriod); err != nil {
		return fmt.Errorf("recompute aggregate: %w", err)
	}
	if _, err := p.alerts.CheckLimits(ctx, key.MeterID, key.UserID, key.BillingPeriod); err != nil {
		return fmt.Errorf("check limits: %w", err)
	}
	return nil
}

// Drain processes pending tasks that are due and returns how many succeeded.
func (p *Processor) Drain(ctx context.Context, limit int) (int, error) {
	tasks, err := p.tasks.ListPending(ctx, p.db, p.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		key := usagedomain.RecomputeKey{MeterID: task.MeterID, UserID: task.UserID, BillingPeriod: task.BillingPeriod}
		if err := p.Process(ctx, key); err != nil {
			p.log.Warn("recompute task failed",
				zap.String("meter_id", key.MeterID.String()),
				zap.String("user_id", key.UserID),
				zap.String("billing_period", key.BillingPeriod),
				zap.Error(err),
			)
			continue
		}
		processed++
	}
	return processed, nil
}

