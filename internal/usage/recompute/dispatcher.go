package recompute

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/usagegate/internal/config"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const processTimeout = 30 * time.Second

// Pool is the asynchronous Dispatcher. Keys are queued in memory; when the
// queue is full the key is dropped and left to the drain job.
type Pool struct {
	log       *zap.Logger
	processor *Processor
	queue     chan usagedomain.RecomputeKey
	workers   int

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped chan struct{}
}

func NewPool(processor *Processor, policy *config.EnforcementConfigHolder, log *zap.Logger) *Pool {
	cfg := policy.Get()
	return &Pool{
		log:       log.Named("recompute.pool"),
		processor: processor,
		queue:     make(chan usagedomain.RecomputeKey, cfg.RecomputeQueueSize),
		workers:   cfg.RecomputeWorkers,
	}
}

func (p *Pool) Dispatch(_ context.Context, key usagedomain.RecomputeKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- key:
	default:
		p.log.Warn("recompute queue full, deferring to drain",
			zap.String("meter_id", key.MeterID.String()),
			zap.String("billing_period", key.BillingPeriod),
		)
	}
}

func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = group

	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-p.queue:
			if !ok {
				return
			}
			runCtx, cancel := context.WithTimeout(ctx, processTimeout)
			if err := p.processor.Process(runCtx, key); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("recompute failed",
					zap.String("meter_id", key.MeterID.String()),
					zap.String("user_id", key.UserID),
					zap.String("billing_period", key.BillingPeriod),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// Stop closes the queue and waits for workers to finish queued keys or for
// ctx to expire, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	p.cancel()
	<-done
	return nil
}

// Inline processes keys synchronously on the caller's goroutine. Errors are
// logged; the outbox row stays pending for the drain.
type Inline struct {
	processor *Processor
	log       *zap.Logger
}

func NewInline(processor *Processor, log *zap.Logger) *Inline {
	return &Inline{processor: processor, log: log.Named("recompute.inline")}
}

func (d *Inline) Dispatch(ctx context.Context, key usagedomain.RecomputeKey) {
	if err := d.processor.Process(ctx, key); err != nil {
		d.log.Warn("recompute failed", zap.String("meter_id", key.MeterID.String()), zap.Error(err))
	}
}

// Module wires the worker pool as the usage Dispatcher.
var Module = fx.Module("usage.recompute",
	fx.Provide(NewProcessor),
	fx.Provide(NewPool),
	fx.Provide(func(p *Pool) usagedomain.Dispatcher { return p }),
	fx.Invoke(func(lc fx.Lifecycle, p *Pool) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				p.Start()
				return nil
			},
			OnStop: p.Stop,
		})
	}),
)
