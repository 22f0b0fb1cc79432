package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
	"github.com/smallbiznis/usagegate/internal/clock"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	obsmetrics "github.com/smallbiznis/usagegate/internal/observability/metrics"
	"github.com/smallbiznis/usagegate/internal/period"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    alertdomain.Repository
	Meters  meterdomain.Repository
	Usage   usagedomain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    alertdomain.Repository
	meters  meterdomain.Repository
	usage   usagedomain.Repository
	metrics *obsmetrics.Metrics
}

func New(p Params) alertdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("alert.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		meters:  p.Meters,
		usage:   p.Usage,
		metrics: p.Metrics,
	}
}

func (s *Service) CheckLimits(ctx context.Context, meterID snowflake.ID, userID, billingPeriod string) ([]alertdomain.UsageAlert, error) {
	if meterID == 0 {
		return nil, alertdomain.ErrInvalidMeter
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, alertdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	if billingPeriod == "" {
		billingPeriod = period.For(period.Monthly, now).Key
	}

	aggregate, err := s.usage.FindAggregate(ctx, s.db, meterID, userID, billingPeriod)
	if err != nil {
		return nil, err
	}
	var usage float64
	if aggregate != nil {
		usage = aggregate.AggregateValue
	}

	limits, err := s.meters.ListPlanLimits(ctx, s.db, meterID)
	if err != nil {
		return nil, err
	}

	var raised []alertdomain.UsageAlert
	for _, limit := range limits {
		if !limit.HasLimit() {
			continue
		}
		limitValue := *limit.LimitValue
		eval := enforcementdomain.EvaluateLimit(usage, limitValue, enforcementdomain.Policy{
			SoftLimitThreshold: limit.SoftLimitThreshold,
			HardCap:            limit.HardCap,
		})

		var types []alertdomain.AlertType
		if eval.Warn || eval.Block {
			types = append(types, alertdomain.AlertTypeSoftLimitReached)
		}
		if limit.HardCap && eval.Reached {
			types = append(types, alertdomain.AlertTypeHardLimitReached)
		}

		for _, alertType := range types {
			alert, err := s.upsert(ctx, alertdomain.AlertKey{
				MeterID:       meterID,
				UserID:        userID,
				PlanName:      limit.PlanName,
				AlertType:     alertType,
				BillingPeriod: billingPeriod,
			}, eval.Percentage, usage, limitValue, now)
			if err != nil {
				return nil, err
			}
			raised = append(raised, *alert)
		}
	}
	return raised, nil
}

func (s *Service) upsert(ctx context.Context, key alertdomain.AlertKey, pct, usage, limit float64, now time.Time) (*alertdomain.UsageAlert, error) {
	existing, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}

	alert := &alertdomain.UsageAlert{
		ID:                  s.genID.Generate(),
		MeterID:             key.MeterID,
		UserID:              key.UserID,
		PlanName:            key.PlanName,
		AlertType:           key.AlertType,
		BillingPeriod:       key.BillingPeriod,
		ThresholdPercentage: pct,
		CurrentUsage:        usage,
		LimitValue:          limit,
		TriggeredAt:         now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Upsert(ctx, s.db, alert); err != nil {
		return nil, err
	}

	if existing == nil {
		s.log.Info("usage alert raised",
			zap.String("meter_id", key.MeterID.String()),
			zap.String("user_id", key.UserID),
			zap.String("plan_name", key.PlanName),
			zap.String("alert_type", string(key.AlertType)),
			zap.String("billing_period", key.BillingPeriod),
			zap.Float64("usage_percentage", pct),
		)
		if s.metrics != nil {
			s.metrics.RecordAlert(ctx, string(key.AlertType))
		}
		return alert, nil
	}

	existing.ThresholdPercentage = pct
	existing.CurrentUsage = usage
	existing.LimitValue = limit
	existing.UpdatedAt = now
	return existing, nil
}

func (s *Service) ListAlerts(ctx context.Context, req alertdomain.ListAlertsRequest) ([]alertdomain.UsageAlert, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	alerts, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []alertdomain.UsageAlert{}
	}
	return alerts, nil
}

func (s *Service) GetAlert(ctx context.Context, id snowflake.ID) (*alertdomain.UsageAlert, error) {
	alert, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alertdomain.ErrAlertNotFound
	}
	return alert, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, id snowflake.ID) (*alertdomain.UsageAlert, error) {
	alert, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alertdomain.ErrAlertNotFound
	}
	if alert.Acknowledged {
		return alert, nil
	}

	now := s.clock.Now()
	if err := s.repo.Acknowledge(ctx, s.db, id, now); err != nil {
		return nil, err
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = &now
	alert.UpdatedAt = now
	return alert, nil
}
