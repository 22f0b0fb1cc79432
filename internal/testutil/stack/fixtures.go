package stack

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
)

// Plan describes a meter capped by one tier and a customer assigned to it.
type Plan struct {
	Metric       string
	Aggregation  meterdomain.AggregationType
	BillingModel meterdomain.BillingModel
	Unit         string
	TierName     string
	// BillingCycle of a newly created tier; monthly when empty.
	BillingCycle string
	Cap          float64
	HardCap      bool
	Threshold    float64
	OveragePrice string
	CustomerID   string
	CustomerRef  string
	// SubscriptionItems maps meter event names to provider subscription items.
	SubscriptionItems map[string]string
}

type PlanResult struct {
	CreatorID  snowflake.ID
	Meter      meterdomain.UsageMeter
	Tier       tierdomain.SubscriptionTier
	Assignment tierdomain.CustomerTierAssignment
}

// SetupPlan creates the meter, tier and assignment described by p under a new creator.
func (s *Stack) SetupPlan(t testing.TB, p Plan) PlanResult {
	t.Helper()
	return s.SetupPlanFor(t, s.CreatorID(), p)
}

func (s *Stack) SetupPlanFor(t testing.TB, creatorID snowflake.ID, p Plan) PlanResult {
	t.Helper()
	ctx := context.Background()

	if p.Aggregation == "" {
		p.Aggregation = meterdomain.AggregationSum
	}
	if p.BillingModel == "" {
		p.BillingModel = meterdomain.BillingModelMetered
	}
	if p.Unit == "" {
		p.Unit = "calls"
	}
	if p.TierName == "" {
		p.TierName = "Pro"
	}
	if p.BillingCycle == "" {
		p.BillingCycle = "monthly"
	}
	if p.CustomerID == "" {
		p.CustomerID = "cust_1"
	}
	if p.CustomerRef == "" {
		p.CustomerRef = "cus_" + p.CustomerID
	}

	limit := meterdomain.PlanLimitInput{
		PlanName: p.TierName,
		HardCap:  p.HardCap,
	}
	if p.Cap > 0 {
		capValue := p.Cap
		limit.LimitValue = &capValue
	}
	if p.Threshold > 0 {
		threshold := p.Threshold
		limit.SoftLimitThreshold = &threshold
	}
	if p.OveragePrice != "" {
		price := decimal.RequireFromString(p.OveragePrice)
		limit.OveragePrice = &price
	}

	meter, err := s.Meters.CreateMeter(ctx, creatorID, meterdomain.CreateMeterRequest{
		EventName:       p.Metric,
		DisplayName:     p.Metric,
		AggregationType: string(p.Aggregation),
		UnitName:        p.Unit,
		BillingModel:    string(p.BillingModel),
		UniqueProperty:  uniqueProperty(p.Aggregation),
		PlanLimits:      []meterdomain.PlanLimitInput{limit},
	})
	if err != nil {
		t.Fatalf("create meter: %v", err)
	}

	tiers, err := s.Tiers.ListTiers(ctx, creatorID)
	if err != nil {
		t.Fatalf("list tiers: %v", err)
	}
	var tier *tierdomain.SubscriptionTier
	for i := range tiers {
		if tiers[i].Name == p.TierName {
			tier = &tiers[i]
		}
	}
	if tier == nil {
		caps := map[string]float64{}
		if p.Cap > 0 {
			caps[p.Metric] = p.Cap
		}
		tier, err = s.Tiers.CreateTier(ctx, creatorID, tierdomain.CreateTierRequest{
			Name:         p.TierName,
			Price:        decimal.NewFromInt(29),
			Currency:     "usd",
			BillingCycle: p.BillingCycle,
			UsageCaps:    caps,
		})
		if err != nil {
			t.Fatalf("create tier: %v", err)
		}
	}

	assignment, err := s.Tiers.AssignTier(ctx, creatorID, tierdomain.AssignTierRequest{
		CustomerID:                p.CustomerID,
		TierID:                    tier.ID,
		ExternalCustomerRef:       p.CustomerRef,
		ExternalSubscriptionItems: p.SubscriptionItems,
	})
	if err != nil {
		t.Fatalf("assign tier: %v", err)
	}

	return PlanResult{
		CreatorID:  creatorID,
		Meter:      meter.UsageMeter,
		Tier:       *tier,
		Assignment: *assignment,
	}
}

func uniqueProperty(agg meterdomain.AggregationType) string {
	if agg == meterdomain.AggregationUnique {
		return "session_id"
	}
	return ""
}
