package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Tiers      tierdomain.Service
	Meters     meterdomain.Repository
	Aggregator usagedomain.Aggregator
	Policy     *config.EnforcementConfigHolder `optional:"true"`
	Metrics    *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	tiers      tierdomain.Service
	meters     meterdomain.Repository
	aggregator usagedomain.Aggregator
	policy     *config.EnforcementConfigHolder
	metrics    *obsmetrics.Metrics
}

func New(p Params) enforcementdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("enforcement.service"),
		clock:      p.Clock,
		tiers:      p.Tiers,
		meters:     p.Meters,
		aggregator: p.Aggregator,
		policy:     p.Policy,
		metrics:    p.Metrics,
	}
}

func (s *Service) CheckEnforcement(ctx context.Context, req enforcementdomain.Request) (*enforcementdomain.Result, error) {
	ctx, span := otel.Tracer("usagegate/enforcement").Start(ctx, "enforcement.check")
	defer span.End()

	if req.CreatorID == 0 {
		return nil, enforcementdomain.ErrInvalidCreator
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, enforcementdomain.ErrInvalidCustomer
	}
	metric := strings.TrimSpace(req.MetricName)
	if metric == "" {
		return nil, enforcementdomain.ErrInvalidMetric
	}
	if math.IsNaN(req.Increment) || math.IsInf(req.Increment, 0) || req.Increment < 0 {
		return nil, enforcementdomain.ErrInvalidAmount
	}
	span.SetAttributes(attribute.String("metric_name", metric))

	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	current, err := s.tiers.GetCurrentAssignment(ctx, req.CreatorID, customerID)
	if err != nil {
		if errors.Is(err, tierdomain.ErrAssignmentNotFound) || errors.Is(err, tierdomain.ErrTierNotFound) {
			return s.record(ctx, &enforcementdomain.Result{Allowed: true, Reason: enforcementdomain.ReasonNoTier}), nil
		}
		return nil, err
	}

	tier := current.Tier
	p := current.Period(at)
	result := &enforcementdomain.Result{
		Allowed:       true,
		TierName:      tier.Name,
		BillingPeriod: p.Key,
	}

	limit, capped := tier.Cap(metric)
	if !capped {
		result.Reason = enforcementdomain.ReasonUnlimited
		return s.record(ctx, result), nil
	}
	result.LimitValue = limit

	meter, err := s.meters.FindByEventName(ctx, s.db, req.CreatorID, metric)
	if err != nil {
		return nil, err
	}
	if meter != nil && !meter.Active {
		meter = nil
	}

	usage, _, err := s.aggregator.CurrentUsage(ctx, meter, customerID, p)
	if err != nil {
		return nil, fmt.Errorf("read current usage: %w", err)
	}
	result.CurrentUsage = usage
	result.ProjectedUsage = project(meter, usage, req.Increment)

	policy := enforcementdomain.Policy{SoftLimitThreshold: s.policy.Get().DefaultSoftLimitThreshold}
	if meter != nil {
		planLimit, err := s.meters.FindPlanLimit(ctx, s.db, meter.ID, tier.Name)
		if err != nil {
			return nil, err
		}
		if planLimit != nil {
			policy.HardCap = planLimit.HardCap
			if planLimit.SoftLimitThreshold > 0 {
				policy.SoftLimitThreshold = planLimit.SoftLimitThreshold
			}
		}
	}

	eval := enforcementdomain.EvaluateLimit(result.ProjectedUsage, limit, policy)
	result.UsagePercentage = eval.Percentage
	switch {
	case eval.Block:
		result.Allowed = false
		result.ShouldBlock = true
		result.Reason = enforcementdomain.ReasonHardLimit
		result.Message = fmt.Sprintf("%s plan limit of %s %s reached for %s",
			tier.Name, formatQuantity(limit), unitName(meter, metric), metric)
	case eval.Warn:
		result.ShouldWarn = true
		result.Reason = enforcementdomain.ReasonSoftLimit
	default:
		result.Reason = enforcementdomain.ReasonWithinLimit
	}

	return s.record(ctx, result), nil
}

func (s *Service) record(ctx context.Context, result *enforcementdomain.Result) *enforcementdomain.Result {
	if s.metrics != nil {
		decision := "allow"
		switch {
		case result.ShouldBlock:
			decision = "block"
		case result.ShouldWarn:
			decision = "warn"
		}
		s.metrics.RecordEnforcement(ctx, decision)
	}
	return result
}

// project returns the usage after the increment is applied. Max meters only
// move when the new value exceeds the current maximum.
func project(meter *meterdomain.UsageMeter, current, increment float64) float64 {
	if meter != nil && meter.AggregationType == meterdomain.AggregationMax {
		return math.Max(current, increment)
	}
	return current + increment
}

func unitName(meter *meterdomain.UsageMeter, fallback string) string {
	if meter != nil && meter.UnitName != "" {
		return meter.UnitName
	}
	return fallback
}

func formatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
