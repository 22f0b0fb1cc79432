package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type AggregationType string

const (
	AggregationCount    AggregationType = "count"
	AggregationSum      AggregationType = "sum"
	AggregationMax      AggregationType = "max"
	AggregationUnique   AggregationType = "unique"
	AggregationDuration AggregationType = "duration"
)

func (a AggregationType) Valid() bool {
	switch a {
	case AggregationCount, AggregationSum, AggregationMax, AggregationUnique, AggregationDuration:
		return true
	}
	return false
}

type BillingModel string

const (
	BillingModelMetered  BillingModel = "metered"
	BillingModelLicensed BillingModel = "licensed"
)

func (b BillingModel) Valid() bool {
	return b == BillingModelMetered || b == BillingModelLicensed
}

// UsageMeter defines a billable metric owned by a creator.
type UsageMeter struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	CreatorID       snowflake.ID    `json:"creator_id" gorm:"not null;uniqueIndex:ux_usage_meters_creator_event,priority:1"`
	EventName       string          `json:"event_name" gorm:"type:text;not null;uniqueIndex:ux_usage_meters_creator_event,priority:2"`
	DisplayName     string          `json:"display_name" gorm:"type:text;not null"`
	Description     string          `json:"description,omitempty" gorm:"type:text"`
	AggregationType AggregationType `json:"aggregation_type" gorm:"type:text;not null"`
	UnitName        string          `json:"unit_name" gorm:"type:text;not null"`
	BillingModel    BillingModel    `json:"billing_model" gorm:"type:text;not null"`
	UniqueProperty  string          `json:"unique_property,omitempty" gorm:"type:text"`
	Active          bool            `json:"active" gorm:"not null;default:true"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (UsageMeter) TableName() string { return "usage_meters" }

// MeterPlanLimit binds a meter to a plan. A nil LimitValue means unlimited.
type MeterPlanLimit struct {
	ID                 snowflake.ID        `json:"id" gorm:"primaryKey"`
	MeterID            snowflake.ID        `json:"meter_id" gorm:"not null;uniqueIndex:ux_meter_plan_limits_meter_plan,priority:1"`
	PlanName           string              `json:"plan_name" gorm:"type:text;not null;uniqueIndex:ux_meter_plan_limits_meter_plan,priority:2"`
	LimitValue         *float64            `json:"limit_value"`
	OveragePrice       decimal.NullDecimal `json:"overage_price" gorm:"type:numeric(20,6)"`
	SoftLimitThreshold float64             `json:"soft_limit_threshold" gorm:"not null;default:0.8"`
	HardCap            bool                `json:"hard_cap" gorm:"not null;default:false"`
	CreatedAt          time.Time           `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time           `json:"updated_at" gorm:"not null"`
}

func (MeterPlanLimit) TableName() string { return "meter_plan_limits" }

// HasLimit reports whether the plan caps usage of the meter.
func (l MeterPlanLimit) HasLimit() bool {
	return l.LimitValue != nil && *l.LimitValue > 0
}
