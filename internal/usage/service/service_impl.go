package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/apperr"
	"github.com/smallbiznis/usagegate/internal/cache"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	"github.com/smallbiznis/usagegate/internal/period"
	"github.com/smallbiznis/usagegate/internal/ratelimit"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/internal/usage/liveevents"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxIdempotencyKeyLength = 255
	maxFutureSkew           = 5 * time.Minute
	rateLimitEndpoint       = "track_usage"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        usagedomain.Repository
	Tasks       usagedomain.RecomputeTaskRepository
	Meters      meterdomain.Repository
	Tiers       tierdomain.Service
	Enforcement enforcementdomain.Service
	Aggregator  usagedomain.Aggregator
	Dispatcher  usagedomain.Dispatcher

	Policy        *config.EnforcementConfigHolder `optional:"true"`
	ResolverCache cache.UsageResolverCache        `optional:"true"`
	Limiter       *ratelimit.UsageIngestLimiter   `optional:"true"`
	Metrics       *obsmetrics.Metrics             `optional:"true"`
	LiveEvents    *liveevents.Hub                 `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	repo          usagedomain.Repository
	tasks         usagedomain.RecomputeTaskRepository
	meters        meterdomain.Repository
	tiers         tierdomain.Service
	enforcement   enforcementdomain.Service
	aggregator    usagedomain.Aggregator
	dispatcher    usagedomain.Dispatcher
	policy        *config.EnforcementConfigHolder
	resolverCache cache.UsageResolverCache
	limiter       *ratelimit.UsageIngestLimiter
	metrics       *obsmetrics.Metrics
	liveEvents    *liveevents.Hub
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		tasks:         p.Tasks,
		meters:        p.Meters,
		tiers:         p.Tiers,
		enforcement:   p.Enforcement,
		aggregator:    p.Aggregator,
		dispatcher:    p.Dispatcher,
		policy:        p.Policy,
		resolverCache: p.ResolverCache,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
		liveEvents:    p.LiveEvents,
	}
}

func (s *Service) TrackUsage(ctx context.Context, creatorID snowflake.ID, req usagedomain.TrackUsageRequest) (*usagedomain.TrackUsageResult, error) {
	ctx, span := otel.Tracer("usagegate/usage").Start(ctx, "usage.track")
	defer span.End()

	if creatorID == 0 {
		return nil, usagedomain.ErrInvalidCreator
	}
	eventName := strings.TrimSpace(req.EventName)
	if eventName == "" {
		return nil, usagedomain.ErrInvalidEventName
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	span.SetAttributes(attribute.String("event_name", eventName))

	value := 1.0
	if req.Value != nil {
		value = *req.Value
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return nil, usagedomain.ErrInvalidValue
	}

	now := s.clock.Now()
	timestamp := now
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		timestamp = req.Timestamp.UTC()
	}
	if timestamp.After(now.Add(maxFutureSkew)) {
		return nil, usagedomain.ErrInvalidTimestamp
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if len(idempotencyKey) > maxIdempotencyKeyLength {
		return nil, usagedomain.ErrInvalidIdempotencyKey
	}

	if err := s.allow(ctx, creatorID); err != nil {
		return nil, err
	}

	meter, err := s.resolveMeter(ctx, creatorID, eventName)
	if err != nil {
		return nil, err
	}

	// A replayed key returns the stored event without a second limit check.
	if idempotencyKey != "" {
		existing, err := s.repo.FindEventByIdempotencyKey(ctx, s.db, meter.ID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.replayed(ctx, meter, existing), nil
		}
	}

	decision, err := s.enforcement.CheckEnforcement(ctx, enforcementdomain.Request{
		CustomerID: userID,
		CreatorID:  creatorID,
		MetricName: eventName,
		Increment:  increment(meter, value),
		At:         timestamp,
	})
	if err != nil {
		return nil, err
	}
	billingPeriod := decision.BillingPeriod
	if billingPeriod == "" {
		billingPeriod = period.For(period.Monthly, timestamp).Key
	}

	if decision.ShouldBlock {
		if s.metrics != nil {
			s.metrics.RecordUsageRejected(ctx, eventName, decision.Reason)
		}
		s.publish(meter, userID, value, timestamp, billingPeriod, liveevents.StatusRejected, decision)
		s.log.Info("usage rejected",
			zap.String("creator_id", creatorID.String()),
			zap.String("event_name", eventName),
			zap.String("user_id", userID),
			zap.Float64("current_usage", decision.CurrentUsage),
			zap.Float64("limit_value", decision.LimitValue),
		)
		return nil, decision.Err()
	}

	event := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		CreatorID:      creatorID,
		MeterID:        meter.ID,
		UserID:         userID,
		Value:          value,
		EventTimestamp: timestamp,
		CreatedAt:      now,
	}
	if idempotencyKey != "" {
		event.IdempotencyKey = &idempotencyKey
	}
	if len(req.Properties) > 0 {
		event.Properties = datatypes.JSONMap(req.Properties)
	}

	key := usagedomain.RecomputeKey{MeterID: meter.ID, UserID: userID, BillingPeriod: billingPeriod}
	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inserted, err = s.repo.InsertEvent(ctx, tx, event)
		if err != nil || !inserted {
			return err
		}
		return s.tasks.Enqueue(ctx, tx, &usagedomain.RecomputeTask{
			ID:            s.genID.Generate(),
			MeterID:       key.MeterID,
			UserID:        key.UserID,
			BillingPeriod: key.BillingPeriod,
			Status:        usagedomain.RecomputeStatusPending,
			Version:       1,
			AvailableAt:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindEventByIdempotencyKey(ctx, s.db, meter.ID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("usage event conflict without stored event")
		}
		return s.replayed(ctx, meter, existing), nil
	}

	s.dispatcher.Dispatch(context.WithoutCancel(ctx), key)

	if s.metrics != nil {
		s.metrics.RecordUsageIngest(ctx, eventName)
	}
	s.publish(meter, userID, value, timestamp, billingPeriod, liveevents.StatusAccepted, decision)

	return &usagedomain.TrackUsageResult{
		Event:           *event,
		BillingPeriod:   billingPeriod,
		ShouldWarn:      decision.ShouldWarn,
		UsagePercentage: decision.UsagePercentage,
	}, nil
}

func (s *Service) allow(ctx context.Context, creatorID snowflake.ID) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.Allow(ctx, creatorID)
	if err != nil {
		// Limiter outages do not block ingest.
		s.log.Warn("usage ingest rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		if s.metrics != nil {
			s.metrics.RecordRateLimitDenied(ctx, rateLimitEndpoint, "creator_bucket_empty")
		}
		return &apperr.RateLimitedError{Key: creatorID.String(), RetryAfter: res.RetryAfter.Seconds()}
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimitAllowed(ctx, rateLimitEndpoint)
	}
	return nil
}

func (s *Service) resolveMeter(ctx context.Context, creatorID snowflake.ID, eventName string) (*meterdomain.UsageMeter, error) {
	if s.resolverCache != nil {
		if cached, ok := s.resolverCache.GetMeter(creatorID, eventName); ok {
			return cached, nil
		}
	}
	meter, err := s.meters.FindByEventName(ctx, s.db, creatorID, eventName)
	if err != nil {
		return nil, err
	}
	if meter == nil || !meter.Active {
		return nil, apperr.NotFoundKey("meter", eventName)
	}
	if s.resolverCache != nil {
		s.resolverCache.SetMeter(creatorID, eventName, meter)
	}
	return meter, nil
}

func (s *Service) replayed(ctx context.Context, meter *meterdomain.UsageMeter, event *usagedomain.UsageEvent) *usagedomain.TrackUsageResult {
	cycle := period.Monthly
	if current, err := s.tiers.GetCurrentAssignment(ctx, event.CreatorID, event.UserID); err == nil {
		cycle = current.Tier.BillingCycle
	}
	p := period.For(cycle, event.EventTimestamp)
	s.publish(meter, event.UserID, event.Value, event.EventTimestamp, p.Key, liveevents.StatusReplayed, nil)
	return &usagedomain.TrackUsageResult{
		Event:         *event,
		BillingPeriod: p.Key,
		Replayed:      true,
	}
}

func (s *Service) publish(meter *meterdomain.UsageMeter, userID string, value float64, ts time.Time, billingPeriod, status string, decision *enforcementdomain.Result) {
	if s.liveEvents == nil {
		return
	}
	event := liveevents.LiveEvent{
		MeterID:        meter.ID.String(),
		UserID:         userID,
		Value:          value,
		EventTimestamp: ts.Format(time.RFC3339Nano),
		BillingPeriod:  billingPeriod,
		Status:         status,
	}
	if decision != nil {
		event.ShouldWarn = decision.ShouldWarn
		event.UsagePercentage = decision.UsagePercentage
	}
	s.liveEvents.Publish(event)
}

// increment is the amount an event adds to its meter's aggregate. Unique
// meters are charged as if the value were new.
func increment(meter *meterdomain.UsageMeter, value float64) float64 {
	switch meter.AggregationType {
	case meterdomain.AggregationCount, meterdomain.AggregationUnique:
		return 1
	default:
		return value
	}
}
