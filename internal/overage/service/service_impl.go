package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/clock"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("usagegate/overage")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       overagedomain.Repository
	Tiers      tierdomain.Service
	Meters     meterdomain.Repository
	Aggregator usagedomain.Aggregator
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       overagedomain.Repository
	tiers      tierdomain.Service
	meters     meterdomain.Repository
	aggregator usagedomain.Aggregator
}

func New(p Params) overagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("overage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		tiers:      p.Tiers,
		meters:     p.Meters,
		aggregator: p.Aggregator,
	}
}

func (s *Service) CalculateUsageOverages(ctx context.Context, creatorID snowflake.ID, customerID, billingPeriod string) ([]overagedomain.TierUsageOverage, error) {
	if creatorID == 0 {
		return nil, overagedomain.ErrInvalidCreator
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, overagedomain.ErrInvalidCustomer
	}
	if _, err := period.Parse(billingPeriod); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "overage.calculate")
	defer span.End()
	span.SetAttributes(
		attribute.String("creator_id", creatorID.String()),
		attribute.String("billing_period", billingPeriod),
	)

	current, err := s.tiers.GetCurrentAssignment(ctx, creatorID, customerID)
	if err != nil {
		if errors.Is(err, tierdomain.ErrAssignmentNotFound) || errors.Is(err, tierdomain.ErrTierNotFound) {
			return []overagedomain.TierUsageOverage{}, nil
		}
		return nil, err
	}
	tier := current.Tier

	caps := tier.UsageCaps.Data()
	names := make([]string, 0, len(caps))
	for metric := range caps {
		names = append(names, metric)
	}
	sort.Strings(names)

	out := make([]overagedomain.TierUsageOverage, 0, len(names))
	for _, metric := range names {
		limit := caps[metric]
		if limit <= 0 {
			continue
		}

		meter, err := s.meters.FindByEventName(ctx, s.db, creatorID, metric)
		if err != nil {
			return nil, err
		}
		if meter == nil {
			continue
		}
		planLimit, err := s.meters.FindPlanLimit(ctx, s.db, meter.ID, tier.Name)
		if err != nil {
			return nil, err
		}
		if planLimit == nil || !planLimit.OveragePrice.Valid || !planLimit.OveragePrice.Decimal.IsPositive() {
			continue
		}

		aggregate, err := s.aggregator.RecomputeAggregate(ctx, meter.ID, customerID, billingPeriod)
		if err != nil {
			return nil, err
		}
		actual := aggregate.AggregateValue

		amount := overagedomain.OverageAmount(actual, limit)
		if amount <= 0 {
			continue
		}

		price := planLimit.OveragePrice.Decimal
		now := s.clock.Now()
		row := &overagedomain.TierUsageOverage{
			ID:               s.genID.Generate(),
			CustomerID:       customerID,
			CreatorID:        creatorID,
			TierID:           tier.ID,
			MeterID:          meter.ID,
			BillingPeriod:    billingPeriod,
			LimitValue:       limit,
			ActualUsage:      actual,
			OverageAmount:    amount,
			OverageUnitPrice: price,
			OverageCost:      overagedomain.OverageCost(amount, price),
			Currency:         tier.Currency,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.repo.Upsert(ctx, s.db, row); err != nil {
			return nil, err
		}

		stored, err := s.repo.FindByKey(ctx, s.db, overagedomain.Key{
			CustomerID:    customerID,
			CreatorID:     creatorID,
			TierID:        tier.ID,
			MeterID:       meter.ID,
			BillingPeriod: billingPeriod,
		})
		if err != nil {
			return nil, err
		}
		if stored == nil {
			continue
		}
		out = append(out, *stored)
	}

	if len(out) > 0 {
		s.log.Info("usage overages calculated",
			zap.String("creator_id", creatorID.String()),
			zap.String("customer_id", customerID),
			zap.String("billing_period", billingPeriod),
			zap.Int("overages", len(out)),
		)
	}
	return out, nil
}

func (s *Service) ListOverages(ctx context.Context, req overagedomain.ListOveragesRequest) ([]overagedomain.TierUsageOverage, error) {
	if req.CreatorID == 0 {
		return nil, overagedomain.ErrInvalidCreator
	}
	items, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []overagedomain.TierUsageOverage{}
	}
	return items, nil
}

func (s *Service) GetOverage(ctx context.Context, id snowflake.ID) (*overagedomain.TierUsageOverage, error) {
	overage, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if overage == nil {
		return nil, overagedomain.ErrOverageNotFound
	}
	return overage, nil
}

func (s *Service) MarkBilled(ctx context.Context, id snowflake.ID, externalInvoiceItemRef string) error {
	if _, err := s.GetOverage(ctx, id); err != nil {
		return err
	}
	return s.repo.MarkBilled(ctx, s.db, id, externalInvoiceItemRef, s.clock.Now())
}
