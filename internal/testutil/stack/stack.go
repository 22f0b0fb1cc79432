// Package stack wires every domain service over a private sqlite database for
// tests that exercise more than one package.
package stack

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	alertrepo "github.com/smallbiznis/usagegate/internal/alert/repository"
	alertservice "github.com/smallbiznis/usagegate/internal/alert/service"
	syncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	syncrepo "github.com/smallbiznis/usagegate/internal/billingsync/repository"
	syncservice "github.com/smallbiznis/usagegate/internal/billingsync/service"
	"github.com/smallbiznis/usagegate/internal/cache"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	enforcementservice "github.com/smallbiznis/usagegate/internal/enforcement/service"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	meterrepo "github.com/smallbiznis/usagegate/internal/meter/repository"
	meterservice "github.com/smallbiznis/usagegate/internal/meter/service"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	overagerepo "github.com/smallbiznis/usagegate/internal/overage/repository"
	overageservice "github.com/smallbiznis/usagegate/internal/overage/service"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"github.com/smallbiznis/usagegate/internal/ratelimit"
	"github.com/smallbiznis/usagegate/internal/testutil"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	tierrepo "github.com/smallbiznis/usagegate/internal/tier/repository"
	tierservice "github.com/smallbiznis/usagegate/internal/tier/service"
	"github.com/smallbiznis/usagegate/internal/usage/aggregation"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/internal/usage/liveevents"
	"github.com/smallbiznis/usagegate/internal/usage/recompute"
	usagerepo "github.com/smallbiznis/usagegate/internal/usage/repository"
	usageservice "github.com/smallbiznis/usagegate/internal/usage/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// Epoch is the fake clock's starting instant, mid-way through January 2026.
var Epoch = time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

type Options struct {
	// Dispatcher replaces the inline recompute dispatcher.
	Dispatcher usagedomain.Dispatcher
	Limiter    *ratelimit.UsageIngestLimiter
	Locker     *ratelimit.BillingCycleLocker
	Policy     *config.EnforcementConfig
}

type Stack struct {
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock *clock.FakeClock
	Log   *zap.Logger

	Policy   *config.EnforcementConfigHolder
	Resolver cache.UsageResolverCache
	Hub      *liveevents.Hub
	Provider *FakeProvider

	MeterRepo   meterdomain.Repository
	TierRepo    tierdomain.Repository
	UsageRepo   usagedomain.Repository
	Tasks       usagedomain.RecomputeTaskRepository
	AlertRepo   alertdomain.Repository
	OverageRepo overagedomain.Repository
	SyncRepo    syncdomain.Repository

	Meters      meterdomain.Service
	Tiers       tierdomain.Service
	Aggregator  *aggregation.Engine
	Enforcement enforcementdomain.Service
	Alerts      alertdomain.Service
	Processor   *recompute.Processor
	Usage       usagedomain.Service
	Overages    overagedomain.Service
	BillingSync syncdomain.Service
}

func New(t testing.TB, opts Options) *Stack {
	t.Helper()

	s := &Stack{
		DB:          testutil.NewDB(t),
		Node:        testutil.NewNode(t),
		Clock:       clock.NewFakeClock(Epoch),
		Log:         zaptest.NewLogger(t),
		Resolver:    cache.NewUsageResolverCache(),
		Provider:    &FakeProvider{},
		MeterRepo:   meterrepo.Provide(),
		TierRepo:    tierrepo.Provide(),
		UsageRepo:   usagerepo.Provide(),
		Tasks:       usagerepo.ProvideRecomputeTasks(),
		AlertRepo:   alertrepo.Provide(),
		OverageRepo: overagerepo.Provide(),
		SyncRepo:    syncrepo.Provide(),
	}
	policy := config.DefaultEnforcementConfig()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	s.Policy = config.NewStaticEnforcementConfig(policy)
	s.Hub = liveevents.NewHub()
	metrics := obsmetrics.NewNoop()

	s.Meters = meterservice.New(meterservice.Params{
		DB:     s.DB,
		Log:    s.Log,
		GenID:  s.Node,
		Repo:   s.MeterRepo,
		Clock:  s.Clock,
		Policy: s.Policy,
		Cache:  s.Resolver,
	})
	s.Tiers = tierservice.New(tierservice.Params{
		DB:    s.DB,
		Log:   s.Log,
		GenID: s.Node,
		Repo:  s.TierRepo,
		Clock: s.Clock,
	})
	s.Aggregator = aggregation.New(aggregation.Params{
		DB:     s.DB,
		Log:    s.Log,
		GenID:  s.Node,
		Clock:  s.Clock,
		Meters: s.MeterRepo,
		Repo:   s.UsageRepo,
		Tasks:  s.Tasks,
	})
	s.Enforcement = enforcementservice.New(enforcementservice.Params{
		DB:         s.DB,
		Log:        s.Log,
		Clock:      s.Clock,
		Tiers:      s.Tiers,
		Meters:     s.MeterRepo,
		Aggregator: s.Aggregator,
		Policy:     s.Policy,
		Metrics:    metrics,
	})
	s.Alerts = alertservice.New(alertservice.Params{
		DB:      s.DB,
		Log:     s.Log,
		GenID:   s.Node,
		Clock:   s.Clock,
		Repo:    s.AlertRepo,
		Meters:  s.MeterRepo,
		Usage:   s.UsageRepo,
		Metrics: metrics,
	})
	s.Processor = recompute.NewProcessor(recompute.Params{
		DB:         s.DB,
		Log:        s.Log,
		Clock:      s.Clock,
		Tasks:      s.Tasks,
		Aggregator: s.Aggregator,
		Alerts:     s.Alerts,
		Policy:     s.Policy,
	})

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = recompute.NewInline(s.Processor, s.Log)
	}
	s.Usage = usageservice.NewService(usageservice.ServiceParam{
		DB:            s.DB,
		Log:           s.Log,
		GenID:         s.Node,
		Clock:         s.Clock,
		Repo:          s.UsageRepo,
		Tasks:         s.Tasks,
		Meters:        s.MeterRepo,
		Tiers:         s.Tiers,
		Enforcement:   s.Enforcement,
		Aggregator:    s.Aggregator,
		Dispatcher:    dispatcher,
		Policy:        s.Policy,
		ResolverCache: s.Resolver,
		Limiter:       opts.Limiter,
		Metrics:       metrics,
		LiveEvents:    s.Hub,
	})
	s.Overages = overageservice.New(overageservice.Params{
		DB:         s.DB,
		Log:        s.Log,
		GenID:      s.Node,
		Clock:      s.Clock,
		Repo:       s.OverageRepo,
		Tiers:      s.Tiers,
		Meters:     s.MeterRepo,
		Aggregator: s.Aggregator,
	})
	s.BillingSync = syncservice.New(syncservice.Params{
		DB:         s.DB,
		Log:        s.Log,
		GenID:      s.Node,
		Clock:      s.Clock,
		Repo:       s.SyncRepo,
		Overages:   s.Overages,
		Tiers:      s.Tiers,
		TierRepo:   s.TierRepo,
		Meters:     s.MeterRepo,
		Aggregator: s.Aggregator,
		Provider:   s.Provider,
		Policy:     s.Policy,
		Locker:     opts.Locker,
		Metrics:    metrics,
	})
	return s
}

// CreatorID returns a fresh tenant id.
func (s *Stack) CreatorID() snowflake.ID {
	return s.Node.Generate()
}

// Count returns the number of rows in table matching where.
func (s *Stack) Count(t testing.TB, table, where string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := s.DB.Table(table).Where(where, args...).Count(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// RecordingDispatcher collects keys without processing them.
type RecordingDispatcher struct {
	mu   sync.Mutex
	Keys []usagedomain.RecomputeKey
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, key usagedomain.RecomputeKey) {
	d.mu.Lock()
	d.Keys = append(d.Keys, key)
	d.mu.Unlock()
}

// FakeProvider records billing calls. Fail, when set, decides the error
// returned for each call; target is the customer ref for line items and the
// subscription item ref for usage records. A nil result lets the call succeed.
type FakeProvider struct {
	mu        sync.Mutex
	Fail      func(ctx context.Context, op, target string) error
	Usage     []billingdomain.UsageRecordRequest
	LineItems []billingdomain.LineItemRequest
	seq       int
}

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) ReportUsage(ctx context.Context, req billingdomain.UsageRecordRequest) (string, error) {
	if err := p.fail(ctx, "report_usage", req.SubscriptionItemRef); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Usage = append(p.Usage, req)
	p.seq++
	return "ur_" + strconv.Itoa(p.seq), nil
}

func (p *FakeProvider) CreateInvoiceLineItem(ctx context.Context, req billingdomain.LineItemRequest) (string, error) {
	if err := p.fail(ctx, "create_invoice_line_item", req.CustomerRef); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LineItems = append(p.LineItems, req)
	p.seq++
	return "ii_" + strconv.Itoa(p.seq), nil
}

func (p *FakeProvider) SetFail(fn func(ctx context.Context, op, target string) error) {
	p.mu.Lock()
	p.Fail = fn
	p.mu.Unlock()
}

func (p *FakeProvider) LineItemCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.LineItems)
}

func (p *FakeProvider) UsageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Usage)
}

func (p *FakeProvider) fail(ctx context.Context, op, target string) error {
	p.mu.Lock()
	fn := p.Fail
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, op, target)
}
