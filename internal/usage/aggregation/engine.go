// Package aggregation reduces raw usage events into per-period aggregates.
//
// Every recompute rescans the whole period and upserts the result by
// (meter, user, billing period). The upsert never replaces a row computed from
// more events, so a slow run cannot overwrite a newer result.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/clock"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Meters meterdomain.Repository
	Repo   usagedomain.Repository
	Tasks  usagedomain.RecomputeTaskRepository
}

type Engine struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	meters meterdomain.Repository
	repo   usagedomain.Repository
	tasks  usagedomain.RecomputeTaskRepository
}

func New(p Params) *Engine {
	return &Engine{
		db:     p.DB,
		log:    p.Log.Named("aggregation.engine"),
		genID:  p.GenID,
		clock:  p.Clock,
		meters: p.Meters,
		repo:   p.Repo,
		tasks:  p.Tasks,
	}
}

// Provide exposes the engine as the usage Aggregator.
func Provide(e *Engine) usagedomain.Aggregator { return e }

func (e *Engine) RecomputeAggregate(ctx context.Context, meterID snowflake.ID, userID, billingPeriod string) (*usagedomain.UsageAggregate, error) {
	ctx, span := otel.Tracer("usagegate/aggregation").Start(ctx, "aggregation.recompute")
	defer span.End()
	span.SetAttributes(
		attribute.String("meter_id", meterID.String()),
		attribute.String("billing_period", billingPeriod),
	)

	if meterID == 0 {
		return nil, usagedomain.ErrInvalidMeter
	}
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	p, err := period.Parse(billingPeriod)
	if err != nil {
		return nil, err
	}

	meter, err := e.meters.FindByID(ctx, e.db, meterID)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrMeterNotFound
	}

	value, count, err := e.reduce(ctx, e.db, meter, userID, p)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	aggregate := &usagedomain.UsageAggregate{
		ID:             e.genID.Generate(),
		MeterID:        meterID,
		UserID:         userID,
		BillingPeriod:  p.Key,
		PeriodStart:    p.Start,
		PeriodEnd:      p.End,
		AggregateValue: value,
		EventCount:     count,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.UpsertAggregate(ctx, e.db, aggregate); err != nil {
		return nil, fmt.Errorf("upsert aggregate: %w", err)
	}

	stored, err := e.repo.FindAggregate(ctx, e.db, meterID, userID, p.Key)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = aggregate
	}

	e.log.Debug("aggregate recomputed",
		zap.String("meter_id", meterID.String()),
		zap.String("user_id", userID),
		zap.String("billing_period", p.Key),
		zap.Float64("aggregate_value", value),
		zap.Int64("event_count", count),
	)
	return stored, nil
}

func (e *Engine) CurrentUsage(ctx context.Context, meter *meterdomain.UsageMeter, userID string, p period.Period) (float64, int64, error) {
	if meter == nil {
		return 0, 0, nil
	}
	key := usagedomain.RecomputeKey{MeterID: meter.ID, UserID: userID, BillingPeriod: p.Key}
	task, err := e.tasks.Find(ctx, e.db, key)
	if err != nil {
		return 0, 0, err
	}
	if task != nil && task.Status == usagedomain.RecomputeStatusPending {
		return e.reduce(ctx, e.db, meter, userID, p)
	}

	aggregate, err := e.repo.FindAggregate(ctx, e.db, meter.ID, userID, p.Key)
	if err != nil {
		return 0, 0, err
	}
	if aggregate == nil {
		return 0, 0, nil
	}
	return aggregate.AggregateValue, aggregate.EventCount, nil
}

func (e *Engine) reduce(ctx context.Context, db *gorm.DB, meter *meterdomain.UsageMeter, userID string, p period.Period) (float64, int64, error) {
	filter := usagedomain.EventFilter{MeterID: meter.ID, UserID: userID, From: p.Start, To: p.End}
	totals, err := e.repo.TotalEvents(ctx, db, filter)
	if err != nil {
		return 0, 0, fmt.Errorf("total events: %w", err)
	}

	switch meter.AggregationType {
	case meterdomain.AggregationCount:
		return float64(totals.Count), totals.Count, nil
	case meterdomain.AggregationMax:
		return totals.Max, totals.Count, nil
	case meterdomain.AggregationUnique:
		events, err := e.repo.ListEventProperties(ctx, db, filter)
		if err != nil {
			return 0, 0, fmt.Errorf("list event properties: %w", err)
		}
		return float64(CountDistinct(events, meter.UniqueProperty)), totals.Count, nil
	default:
		// sum and duration both total the event values.
		return totals.Sum, totals.Count, nil
	}
}

// CountDistinct counts the distinct values of property across events. Events
// without the property do not count.
func CountDistinct(events []usagedomain.UsageEvent, property string) int {
	seen := make(map[string]struct{}, len(events))
	for _, event := range events {
		raw, ok := event.Properties[property]
		if !ok || raw == nil {
			continue
		}
		key, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		seen[string(key)] = struct{}{}
	}
	return len(seen)
}
