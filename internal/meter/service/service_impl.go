package service

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/usagegate/internal/cache"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   meterdomain.Repository
	Clock  clock.Clock
	Policy *config.EnforcementConfigHolder `optional:"true"`
	Cache  cache.UsageResolverCache        `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   meterdomain.Repository
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.EnforcementConfigHolder
	cache  cache.UsageResolverCache
}

func New(p Params) meterdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("meter.service"),
		repo:   p.Repo,
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		cache:  p.Cache,
	}
}

func (s *Service) CreateMeter(ctx context.Context, creatorID snowflake.ID, req meterdomain.CreateMeterRequest) (*meterdomain.MeterWithLimits, error) {
	if creatorID == 0 {
		return nil, meterdomain.ErrInvalidCreator
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		return nil, meterdomain.ErrInvalidDisplayName
	}

	eventName := strings.TrimSpace(req.EventName)
	if eventName == "" {
		eventName = eventNameFromDisplayName(displayName)
	}
	if !eventNamePattern.MatchString(eventName) {
		return nil, meterdomain.ErrInvalidEventName
	}

	aggregation := meterdomain.AggregationType(strings.ToLower(strings.TrimSpace(req.AggregationType)))
	if !aggregation.Valid() {
		return nil, meterdomain.ErrInvalidAggregation
	}

	uniqueProperty := strings.TrimSpace(req.UniqueProperty)
	if aggregation == meterdomain.AggregationUnique && uniqueProperty == "" {
		return nil, meterdomain.ErrMissingUniqueProperty
	}

	unit := strings.TrimSpace(req.UnitName)
	if unit == "" {
		return nil, meterdomain.ErrInvalidUnit
	}

	billingModel := meterdomain.BillingModel(strings.ToLower(strings.TrimSpace(req.BillingModel)))
	if !billingModel.Valid() {
		return nil, meterdomain.ErrInvalidBillingModel
	}

	now := s.clock.Now()
	meter := &meterdomain.UsageMeter{
		ID:              s.genID.Generate(),
		CreatorID:       creatorID,
		EventName:       eventName,
		DisplayName:     displayName,
		Description:     strings.TrimSpace(req.Description),
		AggregationType: aggregation,
		UnitName:        unit,
		BillingModel:    billingModel,
		UniqueProperty:  uniqueProperty,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	limits := make([]meterdomain.MeterPlanLimit, 0, len(req.PlanLimits))
	seen := make(map[string]struct{}, len(req.PlanLimits))
	for _, input := range req.PlanLimits {
		limit, err := s.buildPlanLimit(meter.ID, input, now)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[limit.PlanName]; dup {
			return nil, meterdomain.ErrDuplicatePlanLimit
		}
		seen[limit.PlanName] = struct{}{}
		limits = append(limits, *limit)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByEventName(ctx, tx, creatorID, eventName)
		if err != nil {
			return err
		}
		if existing != nil {
			return meterdomain.ErrDuplicateEventName
		}
		if err := s.repo.Insert(ctx, tx, meter); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return meterdomain.ErrDuplicateEventName
			}
			return err
		}
		for i := range limits {
			if err := s.repo.UpsertPlanLimit(ctx, tx, &limits[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("meter created",
		zap.String("creator_id", creatorID.String()),
		zap.String("meter_id", meter.ID.String()),
		zap.String("event_name", eventName),
		zap.String("aggregation_type", string(aggregation)),
		zap.Int("plan_limits", len(limits)),
	)

	return &meterdomain.MeterWithLimits{UsageMeter: *meter, PlanLimits: limits}, nil
}

func (s *Service) ListMeters(ctx context.Context, creatorID snowflake.ID) ([]meterdomain.UsageMeter, error) {
	if creatorID == 0 {
		return nil, meterdomain.ErrInvalidCreator
	}
	items, err := s.repo.ListActive(ctx, s.db, creatorID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []meterdomain.UsageMeter{}
	}
	return items, nil
}

func (s *Service) GetMeter(ctx context.Context, id snowflake.ID) (*meterdomain.UsageMeter, error) {
	meter, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrMeterNotFound
	}
	return meter, nil
}

func (s *Service) GetMeterByEventName(ctx context.Context, creatorID snowflake.ID, eventName string) (*meterdomain.UsageMeter, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, meterdomain.ErrInvalidEventName
	}
	meter, err := s.repo.FindByEventName(ctx, s.db, creatorID, eventName)
	if err != nil {
		return nil, err
	}
	if meter == nil || !meter.Active {
		return nil, meterdomain.ErrMeterNotFound
	}
	return meter, nil
}

func (s *Service) DeactivateMeter(ctx context.Context, creatorID, id snowflake.ID) error {
	meter, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if meter == nil || meter.CreatorID != creatorID {
		return meterdomain.ErrMeterNotFound
	}
	if err := s.repo.Deactivate(ctx, s.db, creatorID, id, s.clock.Now()); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateMeter(creatorID, meter.EventName)
	}
	s.log.Info("meter deactivated",
		zap.String("creator_id", creatorID.String()),
		zap.String("meter_id", id.String()),
	)
	return nil
}

func (s *Service) UpsertPlanLimit(ctx context.Context, meterID snowflake.ID, req meterdomain.PlanLimitInput) (*meterdomain.MeterPlanLimit, error) {
	if _, err := s.GetMeter(ctx, meterID); err != nil {
		return nil, err
	}
	limit, err := s.buildPlanLimit(meterID, req, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpsertPlanLimit(ctx, s.db, limit); err != nil {
		return nil, err
	}
	return s.GetPlanLimit(ctx, meterID, limit.PlanName)
}

func (s *Service) GetPlanLimit(ctx context.Context, meterID snowflake.ID, planName string) (*meterdomain.MeterPlanLimit, error) {
	limit, err := s.repo.FindPlanLimit(ctx, s.db, meterID, strings.TrimSpace(planName))
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return nil, meterdomain.ErrPlanLimitNotFound
	}
	return limit, nil
}

func (s *Service) ListPlanLimits(ctx context.Context, meterID snowflake.ID) ([]meterdomain.MeterPlanLimit, error) {
	return s.repo.ListPlanLimits(ctx, s.db, meterID)
}

func (s *Service) buildPlanLimit(meterID snowflake.ID, input meterdomain.PlanLimitInput, now time.Time) (*meterdomain.MeterPlanLimit, error) {
	planName := strings.TrimSpace(input.PlanName)
	if planName == "" {
		return nil, meterdomain.ErrInvalidPlanName
	}

	if input.LimitValue != nil {
		v := *input.LimitValue
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, meterdomain.ErrInvalidLimitValue
		}
	}

	threshold := s.defaultThreshold()
	if input.SoftLimitThreshold != nil {
		threshold = *input.SoftLimitThreshold
	}
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return nil, meterdomain.ErrInvalidThreshold
	}

	limit := &meterdomain.MeterPlanLimit{
		ID:                 s.genID.Generate(),
		MeterID:            meterID,
		PlanName:           planName,
		LimitValue:         input.LimitValue,
		SoftLimitThreshold: threshold,
		HardCap:            input.HardCap,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if input.OveragePrice != nil {
		if input.OveragePrice.IsNegative() {
			return nil, meterdomain.ErrInvalidOveragePrice
		}
		limit.OveragePrice.Decimal = *input.OveragePrice
		limit.OveragePrice.Valid = true
	}
	return limit, nil
}

func (s *Service) defaultThreshold() float64 {
	return s.policy.Get().DefaultSoftLimitThreshold
}

func eventNameFromDisplayName(displayName string) string {
	return strings.ReplaceAll(slug.Make(displayName), "-", "_")
}
