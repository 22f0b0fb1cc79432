package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usagegate/internal/period"
	"gorm.io/datatypes"
)

type AssignmentStatus string

const (
	AssignmentStatusTrialing AssignmentStatus = "trialing"
	AssignmentStatusActive   AssignmentStatus = "active"
	AssignmentStatusPastDue  AssignmentStatus = "past_due"
	AssignmentStatusCanceled AssignmentStatus = "canceled"
)

// CurrentStatuses are the statuses that subject a customer to tier limits.
var CurrentStatuses = []AssignmentStatus{
	AssignmentStatusActive,
	AssignmentStatusTrialing,
	AssignmentStatusPastDue,
}

// BillableStatuses are the statuses included in a billing cycle run.
var BillableStatuses = []AssignmentStatus{
	AssignmentStatusActive,
	AssignmentStatusTrialing,
}

func (s AssignmentStatus) Current() bool {
	for _, st := range CurrentStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// UsageCaps maps a meter event name to the tier's included quantity.
type UsageCaps map[string]float64

// SubscriptionTier is a priced plan a creator offers to its customers.
type SubscriptionTier struct {
	ID                 snowflake.ID                  `json:"id" gorm:"primaryKey"`
	CreatorID          snowflake.ID                  `json:"creator_id" gorm:"not null;uniqueIndex:ux_subscription_tiers_creator_name,priority:1"`
	Name               string                        `json:"name" gorm:"type:text;not null;uniqueIndex:ux_subscription_tiers_creator_name,priority:2"`
	Description        string                        `json:"description,omitempty" gorm:"type:text"`
	Price              decimal.Decimal               `json:"price" gorm:"type:numeric(20,6);not null"`
	Currency           string                        `json:"currency" gorm:"type:text;not null"`
	BillingCycle       period.BillingCycle           `json:"billing_cycle" gorm:"type:text;not null"`
	Features           pq.StringArray                `json:"features" gorm:"type:text[]"`
	UsageCaps          datatypes.JSONType[UsageCaps] `json:"usage_caps" gorm:"type:jsonb"`
	TrialPeriodDays    int                           `json:"trial_period_days" gorm:"not null;default:0"`
	IsDefault          bool                          `json:"is_default" gorm:"not null;default:false"`
	ExternalProductRef string                        `json:"external_product_ref,omitempty" gorm:"type:text"`
	ExternalPriceRef   string                        `json:"external_price_ref,omitempty" gorm:"type:text"`
	Active             bool                          `json:"active" gorm:"not null;default:true"`
	CreatedAt          time.Time                     `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time                     `json:"updated_at" gorm:"not null"`
}

func (SubscriptionTier) TableName() string { return "subscription_tiers" }

// Cap returns the usage cap for metric. Absent and non-positive caps are
// reported as unlimited.
func (t *SubscriptionTier) Cap(metric string) (float64, bool) {
	v, ok := t.UsageCaps.Data()[metric]
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// FeatureLimit parses a "name:N" feature entry.
func (t *SubscriptionTier) FeatureLimit(name string) (int64, bool) {
	for _, f := range t.Features {
		key, value, found := strings.Cut(f, ":")
		if !found || strings.TrimSpace(key) != name {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// HasFeature reports whether the tier grants name, with or without a quantity.
func (t *SubscriptionTier) HasFeature(name string) bool {
	for _, f := range t.Features {
		key, _, _ := strings.Cut(f, ":")
		if strings.TrimSpace(key) == name {
			return true
		}
	}
	return false
}

// CustomerTierAssignment ties one end customer of a creator to a tier.
type CustomerTierAssignment struct {
	ID                        snowflake.ID                          `json:"id" gorm:"primaryKey"`
	CustomerID                string                                `json:"customer_id" gorm:"type:text;not null;uniqueIndex:ux_customer_tier_assignments_customer_creator,priority:1"`
	CreatorID                 snowflake.ID                          `json:"creator_id" gorm:"not null;uniqueIndex:ux_customer_tier_assignments_customer_creator,priority:2"`
	TierID                    snowflake.ID                          `json:"tier_id" gorm:"not null;index"`
	Status                    AssignmentStatus                      `json:"status" gorm:"type:text;not null"`
	CurrentPeriodStart        time.Time                             `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd          time.Time                             `json:"current_period_end" gorm:"not null;index"`
	TrialStart                *time.Time                            `json:"trial_start,omitempty"`
	TrialEnd                  *time.Time                            `json:"trial_end,omitempty"`
	ExternalSubscriptionRef   string                                `json:"external_subscription_ref,omitempty" gorm:"type:text"`
	ExternalCustomerRef       string                                `json:"external_customer_ref,omitempty" gorm:"type:text"`
	ExternalSubscriptionItems datatypes.JSONType[map[string]string] `json:"external_subscription_items,omitempty" gorm:"type:jsonb"`
	CancelAtPeriodEnd         bool                                  `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt                *time.Time                            `json:"canceled_at,omitempty"`
	CreatedAt                 time.Time                             `json:"created_at" gorm:"not null"`
	UpdatedAt                 time.Time                             `json:"updated_at" gorm:"not null"`
}

func (CustomerTierAssignment) TableName() string { return "customer_tier_assignments" }

// SubscriptionItemRef returns the billing provider subscription item used to
// report usage for the given meter event name.
func (a *CustomerTierAssignment) SubscriptionItemRef(eventName string) string {
	return a.ExternalSubscriptionItems.Data()[eventName]
}

// CurrentTier is an assignment joined with the tier it points to.
type CurrentTier struct {
	Assignment CustomerTierAssignment `json:"assignment"`
	Tier       SubscriptionTier       `json:"tier"`
}

// Period returns the billing period containing at for the tier's cycle.
func (c *CurrentTier) Period(at time.Time) period.Period {
	return period.For(c.Tier.BillingCycle, at)
}
