package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron drives the scheduler jobs from their cron specs. Overlapping runs of
// the same job are skipped.
type Cron struct {
	sched  *Scheduler
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCron(sched *Scheduler) (*Cron, error) {
	logger := cronLogger{log: sched.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cr := &Cron{sched: sched, cron: c, ctx: ctx, cancel: cancel}

	for _, j := range sched.jobs() {
		if !sched.isJobEnabled(j.Name) {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.Spec, func() {
			if err := j.Run(cr.ctx); err != nil {
				sched.log.Warn("scheduler job failed", zap.String("job", j.Name), zap.Error(err))
			}
		}); err != nil {
			cancel()
			return nil, err
		}
		sched.log.Info("scheduler job registered", zap.String("job", j.Name), zap.String("spec", j.Spec))
	}
	return cr, nil
}

func (c *Cron) Start() {
	c.cron.Start()
}

// Stop cancels in-flight jobs and waits for them to return or ctx to expire.
func (c *Cron) Stop(ctx context.Context) error {
	c.cancel()
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cron) Entries() int {
	return len(c.cron.Entries())
}

type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
