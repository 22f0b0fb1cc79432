package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TierUsageOverage is the usage above a tier cap for one billing period.
// Once Billed is set only ExternalInvoiceItemRef may change.
type TierUsageOverage struct {
	ID                     snowflake.ID    `json:"id" gorm:"primaryKey"`
	CustomerID             string          `json:"customer_id" gorm:"type:text;not null;uniqueIndex:ux_tier_usage_overages_key,priority:1"`
	CreatorID              snowflake.ID    `json:"creator_id" gorm:"not null;uniqueIndex:ux_tier_usage_overages_key,priority:2"`
	TierID                 snowflake.ID    `json:"tier_id" gorm:"not null;uniqueIndex:ux_tier_usage_overages_key,priority:3"`
	MeterID                snowflake.ID    `json:"meter_id" gorm:"not null;uniqueIndex:ux_tier_usage_overages_key,priority:4"`
	BillingPeriod          string          `json:"billing_period" gorm:"type:text;not null;uniqueIndex:ux_tier_usage_overages_key,priority:5"`
	LimitValue             float64         `json:"limit_value" gorm:"not null"`
	ActualUsage            float64         `json:"actual_usage" gorm:"not null"`
	OverageAmount          float64         `json:"overage_amount" gorm:"not null"`
	OverageUnitPrice       decimal.Decimal `json:"overage_unit_price" gorm:"type:numeric(20,6);not null"`
	OverageCost            decimal.Decimal `json:"overage_cost" gorm:"type:numeric(20,6);not null"`
	Currency               string          `json:"currency" gorm:"type:text;not null"`
	Billed                 bool            `json:"billed" gorm:"not null;default:false"`
	ExternalInvoiceItemRef string          `json:"external_invoice_item_ref,omitempty" gorm:"type:text"`
	CreatedAt              time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time       `json:"updated_at" gorm:"not null"`
}

func (TierUsageOverage) TableName() string { return "tier_usage_overages" }

// OverageCost returns amount × unitPrice rounded to 4 decimal places.
func OverageCost(amount float64, unitPrice decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(amount).Mul(unitPrice).Round(4)
}

// OverageAmount returns max(0, actual - limit).
func OverageAmount(actual, limit float64) float64 {
	if actual <= limit {
		return 0
	}
	return actual - limit
}
