package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/period"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	"github.com/smallbiznis/usagegate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultCurrency = "usd"
	defaultDueLimit = 100
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  tierdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  tierdomain.Repository
	clock clock.Clock
}

func New(p Params) tierdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tier.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) CreateTier(ctx context.Context, creatorID snowflake.ID, req tierdomain.CreateTierRequest) (*tierdomain.SubscriptionTier, error) {
	if creatorID == 0 {
		return nil, tierdomain.ErrInvalidCreator
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, tierdomain.ErrInvalidTierName
	}
	if req.Price.IsNegative() {
		return nil, tierdomain.ErrInvalidPrice
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if len(currency) != 3 {
		return nil, tierdomain.ErrInvalidCurrency
	}

	cycle := period.BillingCycle(strings.ToLower(strings.TrimSpace(req.BillingCycle)))
	if cycle == "" {
		cycle = period.Monthly
	}
	if !cycle.Valid() {
		return nil, tierdomain.ErrInvalidBillingCycle
	}

	if req.TrialPeriodDays < 0 {
		return nil, tierdomain.ErrInvalidTrialPeriod
	}

	caps := make(tierdomain.UsageCaps, len(req.UsageCaps))
	for metric, value := range req.UsageCaps {
		metric = strings.TrimSpace(metric)
		if metric == "" || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, tierdomain.ErrInvalidUsageCap
		}
		caps[metric] = value
	}

	features := lo.Uniq(lo.Compact(lo.Map(req.Features, func(f string, _ int) string {
		return strings.TrimSpace(f)
	})))

	now := s.clock.Now()
	tier := &tierdomain.SubscriptionTier{
		ID:                 s.genID.Generate(),
		CreatorID:          creatorID,
		Name:               name,
		Description:        strings.TrimSpace(req.Description),
		Price:              req.Price,
		Currency:           currency,
		BillingCycle:       cycle,
		Features:           features,
		UsageCaps:          datatypes.NewJSONType(caps),
		TrialPeriodDays:    req.TrialPeriodDays,
		IsDefault:          req.IsDefault,
		ExternalProductRef: strings.TrimSpace(req.ExternalProductRef),
		ExternalPriceRef:   strings.TrimSpace(req.ExternalPriceRef),
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindTierByName(ctx, tx, creatorID, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return tierdomain.ErrDuplicateTierName
		}
		if err := s.repo.InsertTier(ctx, tx, tier); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return tierdomain.ErrDuplicateTierName
			}
			return err
		}
		if tier.IsDefault {
			return s.repo.SetDefaultTier(ctx, tx, creatorID, tier.ID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tier created",
		zap.String("creator_id", creatorID.String()),
		zap.String("tier_id", tier.ID.String()),
		zap.String("tier_name", name),
		zap.String("billing_cycle", string(cycle)),
	)
	return tier, nil
}

func (s *Service) GetTier(ctx context.Context, creatorID, id snowflake.ID) (*tierdomain.SubscriptionTier, error) {
	tier, err := s.repo.FindTierByID(ctx, s.db, creatorID, id)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrTierNotFound
	}
	return tier, nil
}

func (s *Service) ListTiers(ctx context.Context, creatorID snowflake.ID) ([]tierdomain.SubscriptionTier, error) {
	if creatorID == 0 {
		return nil, tierdomain.ErrInvalidCreator
	}
	tiers, err := s.repo.ListTiers(ctx, s.db, creatorID)
	if err != nil {
		return nil, err
	}
	if tiers == nil {
		tiers = []tierdomain.SubscriptionTier{}
	}
	return tiers, nil
}

func (s *Service) SetDefaultTier(ctx context.Context, creatorID, id snowflake.ID) error {
	tier, err := s.GetTier(ctx, creatorID, id)
	if err != nil {
		return err
	}
	if !tier.Active {
		return tierdomain.ErrTierInactive
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.SetDefaultTier(ctx, tx, creatorID, id, s.clock.Now())
	})
}

func (s *Service) AssignTier(ctx context.Context, creatorID snowflake.ID, req tierdomain.AssignTierRequest) (*tierdomain.CustomerTierAssignment, error) {
	if creatorID == 0 {
		return nil, tierdomain.ErrInvalidCreator
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, tierdomain.ErrInvalidCustomer
	}

	tier, err := s.resolveTier(ctx, creatorID, req.TierID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	start := now
	if req.StartAt != nil && !req.StartAt.IsZero() {
		start = req.StartAt.UTC()
	}
	current := period.For(tier.BillingCycle, start)

	items := make(map[string]string, len(req.ExternalSubscriptionItems))
	for eventName, ref := range req.ExternalSubscriptionItems {
		if ref = strings.TrimSpace(ref); ref != "" {
			items[strings.TrimSpace(eventName)] = ref
		}
	}

	assignment := &tierdomain.CustomerTierAssignment{
		ID:                        s.genID.Generate(),
		CustomerID:                customerID,
		CreatorID:                 creatorID,
		TierID:                    tier.ID,
		Status:                    tierdomain.AssignmentStatusActive,
		CurrentPeriodStart:        current.Start,
		CurrentPeriodEnd:          current.End,
		ExternalSubscriptionRef:   strings.TrimSpace(req.ExternalSubscriptionRef),
		ExternalCustomerRef:       strings.TrimSpace(req.ExternalCustomerRef),
		ExternalSubscriptionItems: datatypes.NewJSONType(items),
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindAssignment(ctx, tx, creatorID, customerID)
		if err != nil {
			return err
		}
		switch {
		case existing == nil && tier.TrialPeriodDays > 0:
			trialEnd := start.AddDate(0, 0, tier.TrialPeriodDays)
			assignment.Status = tierdomain.AssignmentStatusTrialing
			assignment.TrialStart = &start
			assignment.TrialEnd = &trialEnd
		case existing != nil && existing.Status == tierdomain.AssignmentStatusTrialing &&
			existing.TrialEnd != nil && existing.TrialEnd.After(start):
			assignment.Status = tierdomain.AssignmentStatusTrialing
			assignment.TrialStart = existing.TrialStart
			assignment.TrialEnd = existing.TrialEnd
		}
		if err := s.repo.UpsertAssignment(ctx, tx, assignment); err != nil {
			return err
		}
		stored, err := s.repo.FindAssignment(ctx, tx, creatorID, customerID)
		if err != nil {
			return err
		}
		if stored != nil {
			assignment = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tier assigned",
		zap.String("creator_id", creatorID.String()),
		zap.String("customer_id", customerID),
		zap.String("tier_id", tier.ID.String()),
		zap.String("status", string(assignment.Status)),
		zap.String("billing_period", current.Key),
	)
	return assignment, nil
}

func (s *Service) GetCurrentAssignment(ctx context.Context, creatorID snowflake.ID, customerID string) (*tierdomain.CurrentTier, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, tierdomain.ErrInvalidCustomer
	}
	assignment, err := s.repo.FindAssignment(ctx, s.db, creatorID, customerID)
	if err != nil {
		return nil, err
	}
	if assignment == nil || !assignment.Status.Current() {
		return nil, tierdomain.ErrAssignmentNotFound
	}
	tier, err := s.repo.FindTierByID(ctx, s.db, creatorID, assignment.TierID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrTierNotFound
	}
	return &tierdomain.CurrentTier{Assignment: *assignment, Tier: *tier}, nil
}

func (s *Service) CancelAssignment(ctx context.Context, creatorID snowflake.ID, customerID string, atPeriodEnd bool) (*tierdomain.CustomerTierAssignment, error) {
	assignment, err := s.repo.FindAssignment(ctx, s.db, creatorID, strings.TrimSpace(customerID))
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, tierdomain.ErrAssignmentNotFound
	}
	if assignment.Status == tierdomain.AssignmentStatusCanceled {
		return nil, tierdomain.ErrAssignmentCanceled
	}

	now := s.clock.Now()
	if atPeriodEnd {
		assignment.CancelAtPeriodEnd = true
	} else {
		assignment.Status = tierdomain.AssignmentStatusCanceled
		assignment.CanceledAt = &now
	}
	assignment.UpdatedAt = now
	if err := s.repo.UpdateAssignmentLifecycle(ctx, s.db, assignment); err != nil {
		return nil, err
	}
	return assignment, nil
}

func (s *Service) ListBillableAssignments(ctx context.Context, creatorID snowflake.ID) ([]tierdomain.CustomerTierAssignment, error) {
	return s.repo.ListAssignmentsByStatus(ctx, s.db, creatorID, tierdomain.BillableStatuses)
}

func (s *Service) ListDueAssignments(ctx context.Context, now time.Time, limit int) ([]tierdomain.CustomerTierAssignment, error) {
	if limit <= 0 {
		limit = defaultDueLimit
	}
	return s.repo.ListDueAssignments(ctx, s.db, now, tierdomain.CurrentStatuses, limit)
}

// AdvancePeriod closes the assignment's current period. Assignments flagged
// cancel-at-period-end are canceled instead of rolled over.
func (s *Service) AdvancePeriod(ctx context.Context, assignmentID snowflake.ID) (*tierdomain.CustomerTierAssignment, error) {
	var assignment *tierdomain.CustomerTierAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.repo.FindAssignmentByID(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if a == nil {
			return tierdomain.ErrAssignmentNotFound
		}
		assignment = a
		if a.Status == tierdomain.AssignmentStatusCanceled {
			return nil
		}

		now := s.clock.Now()
		a.UpdatedAt = now
		if a.CancelAtPeriodEnd {
			canceledAt := a.CurrentPeriodEnd
			a.Status = tierdomain.AssignmentStatusCanceled
			a.CanceledAt = &canceledAt
			return s.repo.UpdateAssignmentLifecycle(ctx, tx, a)
		}

		cycle := period.Monthly
		tier, err := s.repo.FindTierByID(ctx, tx, a.CreatorID, a.TierID)
		if err != nil {
			return err
		}
		if tier != nil {
			cycle = tier.BillingCycle
		}

		next := period.For(cycle, a.CurrentPeriodEnd)
		a.CurrentPeriodStart = next.Start
		a.CurrentPeriodEnd = next.End
		if a.Status == tierdomain.AssignmentStatusTrialing && a.TrialEnd != nil && !a.TrialEnd.After(next.Start) {
			a.Status = tierdomain.AssignmentStatusActive
		}
		return s.repo.UpdateAssignmentLifecycle(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

func (s *Service) resolveTier(ctx context.Context, creatorID, tierID snowflake.ID) (*tierdomain.SubscriptionTier, error) {
	var (
		tier *tierdomain.SubscriptionTier
		err  error
	)
	if tierID == 0 {
		tier, err = s.repo.FindDefaultTier(ctx, s.db, creatorID)
	} else {
		tier, err = s.repo.FindTierByID(ctx, s.db, creatorID, tierID)
	}
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrTierNotFound
	}
	if !tier.Active {
		return nil, tierdomain.ErrTierInactive
	}
	return tier, nil
}
