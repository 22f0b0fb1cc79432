package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usagegate/internal/apperr"
	syncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"github.com/smallbiznis/usagegate/internal/ratelimit"
	"github.com/smallbiznis/usagegate/internal/retrypolicy"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const maxErrorLength = 512

var tracer = otel.Tracer("usagegate/billingsync")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       syncdomain.Repository
	Overages   overagedomain.Service
	Tiers      tierdomain.Service
	TierRepo   tierdomain.Repository
	Meters     meterdomain.Repository
	Aggregator usagedomain.Aggregator
	Provider   billingdomain.Provider
	Policy     *config.EnforcementConfigHolder `optional:"true"`
	Locker     *ratelimit.BillingCycleLocker   `optional:"true"`
	Metrics    *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       syncdomain.Repository
	overages   overagedomain.Service
	tiers      tierdomain.Service
	tierRepo   tierdomain.Repository
	meters     meterdomain.Repository
	aggregator usagedomain.Aggregator
	provider   billingdomain.Provider
	policy     *config.EnforcementConfigHolder
	locker     *ratelimit.BillingCycleLocker
	metrics    *obsmetrics.Metrics
}

func New(p Params) syncdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billingsync.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		overages:   p.Overages,
		tiers:      p.Tiers,
		tierRepo:   p.TierRepo,
		meters:     p.Meters,
		aggregator: p.Aggregator,
		provider:   p.Provider,
		policy:     p.Policy,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}
}

func (s *Service) ProcessBillingCycle(ctx context.Context, creatorID snowflake.ID, billingPeriod string) (*syncdomain.CycleResult, error) {
	if creatorID == 0 {
		return nil, syncdomain.ErrInvalidCreator
	}
	billingPeriod = strings.TrimSpace(billingPeriod)
	p, err := period.Parse(billingPeriod)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "billingsync.process_cycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("creator_id", creatorID.String()),
		attribute.String("billing_period", billingPeriod),
	)

	release, ok, err := s.locker.Acquire(ctx, creatorID, billingPeriod)
	if err != nil {
		return nil, fmt.Errorf("acquire billing cycle lock: %w", err)
	}
	if !ok {
		return nil, syncdomain.ErrCycleInProgress
	}
	defer release()

	assignments, err := s.tiers.ListBillableAssignments(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	assignments, err = s.onCycle(ctx, assignments, p.Cycle)
	if err != nil {
		return nil, err
	}

	result := &syncdomain.CycleResult{
		CreatorID:     creatorID,
		BillingPeriod: billingPeriod,
		Errors:        []string{},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cycleConcurrency())
	for _, assignment := range assignments {
		g.Go(func() error {
			items, err := s.billCustomer(gctx, &assignment, billingPeriod)
			mu.Lock()
			defer mu.Unlock()
			result.LineItems += items
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("customer %s: %v", assignment.CustomerID, err))
				return nil
			}
			result.Processed++
			return nil
		})
	}
	_ = g.Wait()

	logFields := []zap.Field{
		zap.String("creator_id", creatorID.String()),
		zap.String("billing_period", billingPeriod),
		zap.Int("processed", result.Processed),
		zap.Int("line_items", result.LineItems),
		zap.Int("errors", len(result.Errors)),
	}
	if len(result.Errors) > 0 {
		s.log.Warn("billing cycle completed with errors", logFields...)
	} else {
		s.log.Info("billing cycle completed", logFields...)
	}
	return result, nil
}

// onCycle keeps the assignments whose tier bills on cycle. A period key only
// identifies a period of its own cycle, so a daily key never bills a monthly
// customer.
func (s *Service) onCycle(ctx context.Context, assignments []tierdomain.CustomerTierAssignment, cycle period.BillingCycle) ([]tierdomain.CustomerTierAssignment, error) {
	cycles := make(map[snowflake.ID]period.BillingCycle)
	kept := make([]tierdomain.CustomerTierAssignment, 0, len(assignments))
	for _, a := range assignments {
		c, ok := cycles[a.TierID]
		if !ok {
			tier, err := s.tierRepo.FindTierByID(ctx, s.db, a.CreatorID, a.TierID)
			if err != nil {
				return nil, fmt.Errorf("find tier: %w", err)
			}
			c = period.Monthly
			if tier != nil && tier.BillingCycle.Valid() {
				c = tier.BillingCycle
			}
			cycles[a.TierID] = c
		}
		if c == cycle {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

// billCustomer bills every unbilled overage of one customer and reports
// metered usage for the meters that have a subscription item.
func (s *Service) billCustomer(ctx context.Context, assignment *tierdomain.CustomerTierAssignment, billingPeriod string) (int, error) {
	overages, err := s.overages.CalculateUsageOverages(ctx, assignment.CreatorID, assignment.CustomerID, billingPeriod)
	if err != nil {
		return 0, err
	}

	var (
		billed int
		errs   []string
	)
	for _, overage := range lo.Filter(overages, func(o overagedomain.TierUsageOverage, _ int) bool { return !o.Billed }) {
		if err := s.billOverage(ctx, &overage); err != nil {
			errs = append(errs, fmt.Sprintf("meter %s: %v", overage.MeterID.String(), err))
			continue
		}
		billed++
	}

	for eventName := range assignment.ExternalSubscriptionItems.Data() {
		meter, err := s.meters.FindByEventName(ctx, s.db, assignment.CreatorID, eventName)
		if err != nil {
			return billed, err
		}
		if meter == nil || meter.BillingModel != meterdomain.BillingModelMetered {
			continue
		}
		if _, err := s.SyncMeteredUsage(ctx, meter.ID, assignment.CustomerID, billingPeriod); err != nil {
			errs = append(errs, fmt.Sprintf("usage %s: %v", eventName, err))
		}
	}

	if len(errs) > 0 {
		return billed, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return billed, nil
}

func (s *Service) billOverage(ctx context.Context, overage *overagedomain.TierUsageOverage) error {
	now := s.clock.Now()
	overageID := overage.ID
	record := &syncdomain.UsageBillingSync{
		ID:            s.genID.Generate(),
		CreatorID:     overage.CreatorID,
		MeterID:       overage.MeterID,
		UserID:        overage.CustomerID,
		BillingPeriod: overage.BillingPeriod,
		Kind:          syncdomain.KindInvoiceItem,
		OverageID:     &overageID,
		UsageQuantity: overage.OverageAmount,
		Amount:        decimal.NewNullDecimal(overage.OverageCost),
		Currency:      overage.Currency,
		BillingStatus: syncdomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, err := s.ensure(ctx, record)
	if err != nil {
		return err
	}
	if stored.OverageID == nil || *stored.OverageID != overage.ID {
		return syncdomain.ErrSyncKeyConflict
	}

	switch {
	case stored.BillingStatus == syncdomain.StatusSynced:
		// The provider call succeeded earlier but the overage was not flagged.
		return s.overages.MarkBilled(ctx, overage.ID, stored.ExternalUsageRecordRef)
	case stored.BillingStatus == syncdomain.StatusFailed && !stored.Retryable():
		return syncdomain.ErrRetryExhausted
	}

	// The amount may follow a grown overage only until the first provider
	// call. After that the idempotency key is bound to the amount sent.
	if stored.SyncAttempts == 0 {
		stored.UsageQuantity = overage.OverageAmount
		stored.Amount = decimal.NewNullDecimal(overage.OverageCost)
		stored.Currency = overage.Currency
	}
	_, err = s.attempt(ctx, stored)
	return err
}

func (s *Service) SyncMeteredUsage(ctx context.Context, meterID snowflake.ID, userID, billingPeriod string) (*syncdomain.UsageBillingSync, error) {
	if meterID == 0 {
		return nil, syncdomain.ErrInvalidMeter
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, syncdomain.ErrInvalidUser
	}
	if _, err := period.Parse(billingPeriod); err != nil {
		return nil, err
	}

	meter, err := s.meters.FindByID(ctx, s.db, meterID)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrMeterNotFound
	}
	if meter.BillingModel != meterdomain.BillingModelMetered {
		return nil, syncdomain.ErrMeterNotMetered
	}

	assignment, err := s.tierRepo.FindAssignment(ctx, s.db, meter.CreatorID, userID)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, tierdomain.ErrAssignmentNotFound
	}
	itemRef := assignment.SubscriptionItemRef(meter.EventName)
	if itemRef == "" {
		return nil, syncdomain.ErrNoSubscriptionItem
	}

	aggregate, err := s.aggregator.RecomputeAggregate(ctx, meter.ID, userID, billingPeriod)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	stored, err := s.ensure(ctx, &syncdomain.UsageBillingSync{
		ID:                          s.genID.Generate(),
		CreatorID:                   meter.CreatorID,
		MeterID:                     meter.ID,
		UserID:                      userID,
		BillingPeriod:               billingPeriod,
		Kind:                        syncdomain.KindUsageRecord,
		UsageQuantity:               aggregate.AggregateValue,
		ExternalSubscriptionItemRef: itemRef,
		BillingStatus:               syncdomain.StatusPending,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case stored.BillingStatus == syncdomain.StatusSynced &&
		stored.UsageQuantity == aggregate.AggregateValue &&
		stored.ExternalSubscriptionItemRef == itemRef:
		return stored, nil
	case stored.BillingStatus == syncdomain.StatusFailed && !stored.Retryable():
		return stored, syncdomain.ErrRetryExhausted
	}

	stored.UsageQuantity = aggregate.AggregateValue
	stored.ExternalSubscriptionItemRef = itemRef
	return s.attempt(ctx, stored)
}

func (s *Service) GetFailedBillingSync(ctx context.Context, creatorID snowflake.ID) ([]syncdomain.UsageBillingSync, error) {
	records, err := s.repo.ListFailed(ctx, s.db, creatorID, syncdomain.MaxSyncAttempts, 0)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []syncdomain.UsageBillingSync{}
	}
	return records, nil
}

func (s *Service) RetryFailedSync(ctx context.Context, id snowflake.ID) (*syncdomain.UsageBillingSync, error) {
	record, err := s.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.BillingStatus != syncdomain.StatusFailed {
		return nil, syncdomain.ErrSyncNotFailed
	}
	if record.SyncAttempts >= syncdomain.MaxSyncAttempts {
		return nil, syncdomain.ErrRetryExhausted
	}
	return s.attempt(ctx, record)
}

func (s *Service) RetryEligible(ctx context.Context, limit int) (syncdomain.SweepResult, error) {
	var result syncdomain.SweepResult
	records, err := s.repo.ListRetryDue(ctx, s.db, s.clock.Now(), syncdomain.MaxSyncAttempts, limit)
	if err != nil {
		return result, err
	}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if _, err := s.attempt(ctx, &records[i]); err != nil {
			result.Failed++
			continue
		}
		result.Synced++
	}
	if result.Attempted > 0 {
		s.log.Info("billing sync retry sweep",
			zap.Int("attempted", result.Attempted),
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (s *Service) GetSync(ctx context.Context, id snowflake.ID) (*syncdomain.UsageBillingSync, error) {
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, syncdomain.ErrSyncNotFound
	}
	return record, nil
}

func (s *Service) ListSyncs(ctx context.Context, req syncdomain.ListSyncRequest) ([]syncdomain.UsageBillingSync, error) {
	records, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []syncdomain.UsageBillingSync{}
	}
	return records, nil
}

func (s *Service) ensure(ctx context.Context, record *syncdomain.UsageBillingSync) (*syncdomain.UsageBillingSync, error) {
	if err := s.repo.Ensure(ctx, s.db, record); err != nil {
		return nil, err
	}
	stored, err := s.repo.FindByKey(ctx, s.db, syncdomain.Key{
		MeterID:       record.MeterID,
		UserID:        record.UserID,
		BillingPeriod: record.BillingPeriod,
		Kind:          record.Kind,
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, syncdomain.ErrSyncNotFound
	}
	return stored, nil
}

// attempt performs the provider call for record and persists the outcome.
// A failure increments SyncAttempts and schedules the next sweep while the
// record is still under the attempt bound.
func (s *Service) attempt(ctx context.Context, record *syncdomain.UsageBillingSync) (*syncdomain.UsageBillingSync, error) {
	policy := s.policy.Get()
	callCtx, cancel := context.WithTimeout(ctx, policy.ProviderTimeout)
	ref, callErr := s.call(callCtx, record)
	cancel()

	now := s.clock.Now()
	record.LastAttemptAt = &now
	record.UpdatedAt = now
	if callErr == nil {
		record.BillingStatus = syncdomain.StatusSynced
		record.ExternalUsageRecordRef = ref
		record.LastError = ""
		record.NextRetryAt = nil
	} else {
		record.BillingStatus = syncdomain.StatusFailed
		record.SyncAttempts++
		record.LastError = apperr.Truncate(callErr.Error(), maxErrorLength)
		record.NextRetryAt = nil
		if record.SyncAttempts < syncdomain.MaxSyncAttempts {
			next := now.Add(retrypolicy.Delay(record.SyncAttempts, policy.RetryInitialInterval, policy.RetryMaxInterval))
			record.NextRetryAt = &next
		}
	}

	if err := s.repo.Update(ctx, s.db, record); err != nil {
		return nil, err
	}
	s.metrics.RecordBillingSync(ctx, string(record.Kind), string(record.BillingStatus))

	if callErr != nil {
		s.log.Warn("billing sync failed",
			zap.String("sync_id", record.ID.String()),
			zap.String("kind", string(record.Kind)),
			zap.String("provider", s.provider.Name()),
			zap.Int("sync_attempts", record.SyncAttempts),
			zap.Error(callErr),
		)
		return record, apperr.Provider(string(record.Kind), callErr)
	}

	if record.Kind == syncdomain.KindInvoiceItem && record.OverageID != nil {
		if err := s.overages.MarkBilled(ctx, *record.OverageID, ref); err != nil {
			return record, err
		}
		s.metrics.RecordOverageCost(ctx, record.Currency, record.Amount.Decimal.InexactFloat64())
	}
	s.log.Info("billing sync succeeded",
		zap.String("sync_id", record.ID.String()),
		zap.String("kind", string(record.Kind)),
		zap.String("provider", s.provider.Name()),
		zap.String("external_ref", ref),
	)
	return record, nil
}

func (s *Service) call(ctx context.Context, record *syncdomain.UsageBillingSync) (string, error) {
	p, err := period.Parse(record.BillingPeriod)
	if err != nil {
		return "", err
	}

	switch record.Kind {
	case syncdomain.KindUsageRecord:
		// Usage records must fall inside the subscription period.
		ts := s.clock.Now()
		if !ts.Before(p.End) {
			ts = p.End.Add(-time.Second)
		}
		return s.provider.ReportUsage(ctx, billingdomain.UsageRecordRequest{
			SubscriptionItemRef: record.ExternalSubscriptionItemRef,
			Quantity:            record.UsageQuantity,
			Timestamp:           ts,
			IdempotencyKey:      fmt.Sprintf("usagegate-%s-%d", record.ID.String(), record.SyncAttempts),
		})
	case syncdomain.KindInvoiceItem:
		req, err := s.lineItemRequest(ctx, record, p)
		if err != nil {
			return "", err
		}
		return s.provider.CreateInvoiceLineItem(ctx, req)
	default:
		return "", fmt.Errorf("unknown billing sync kind %q", record.Kind)
	}
}

func (s *Service) lineItemRequest(ctx context.Context, record *syncdomain.UsageBillingSync, p period.Period) (billingdomain.LineItemRequest, error) {
	if record.OverageID == nil {
		return billingdomain.LineItemRequest{}, overagedomain.ErrOverageNotFound
	}
	overage, err := s.overages.GetOverage(ctx, *record.OverageID)
	if err != nil {
		return billingdomain.LineItemRequest{}, err
	}
	tier, err := s.tierRepo.FindTierByID(ctx, s.db, overage.CreatorID, overage.TierID)
	if err != nil {
		return billingdomain.LineItemRequest{}, err
	}
	meter, err := s.meters.FindByID(ctx, s.db, overage.MeterID)
	if err != nil {
		return billingdomain.LineItemRequest{}, err
	}
	assignment, err := s.tierRepo.FindAssignment(ctx, s.db, overage.CreatorID, overage.CustomerID)
	if err != nil {
		return billingdomain.LineItemRequest{}, err
	}

	tierName, meterName, unit := "", "", ""
	if tier != nil {
		tierName = tier.Name
	}
	if meter != nil {
		meterName, unit = meter.DisplayName, meter.UnitName
	}
	var customerRef string
	if assignment != nil {
		customerRef = assignment.ExternalCustomerRef
	}

	return billingdomain.LineItemRequest{
		CustomerRef: customerRef,
		Amount:      record.Amount.Decimal,
		Currency:    record.Currency,
		Description: fmt.Sprintf("%s overage: %s (%s %s over %s, %s)",
			tierName,
			meterName,
			decimal.NewFromFloat(overage.OverageAmount).String(),
			unit,
			decimal.NewFromFloat(overage.LimitValue).String(),
			overage.BillingPeriod,
		),
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Metadata: map[string]string{
			"creator_id":     overage.CreatorID.String(),
			"customer_id":    overage.CustomerID,
			"meter_id":       overage.MeterID.String(),
			"overage_id":     overage.ID.String(),
			"billing_period": overage.BillingPeriod,
		},
		// Stable per record so a call that timed out after succeeding is not billed twice.
		IdempotencyKey: "usagegate-" + record.ID.String(),
	}, nil
}

func (s *Service) cycleConcurrency() int {
	if n := s.policy.Get().CycleConcurrency; n > 0 {
		return n
	}
	return 1
}

