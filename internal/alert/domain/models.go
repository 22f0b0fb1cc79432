package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AlertType string

const (
	AlertTypeSoftLimitReached AlertType = "soft_limit_reached"
	AlertTypeHardLimitReached AlertType = "hard_limit_reached"
)

// UsageAlert records that a user crossed a plan threshold in a billing period.
// There is at most one row per (meter, user, plan, type, period).
type UsageAlert struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	MeterID             snowflake.ID `json:"meter_id" gorm:"not null;uniqueIndex:ux_usage_alerts_key,priority:1"`
	UserID              string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_usage_alerts_key,priority:2"`
	PlanName            string       `json:"plan_name" gorm:"type:text;not null;uniqueIndex:ux_usage_alerts_key,priority:3"`
	AlertType           AlertType    `json:"alert_type" gorm:"type:text;not null;uniqueIndex:ux_usage_alerts_key,priority:4"`
	BillingPeriod       string       `json:"billing_period" gorm:"type:text;not null;uniqueIndex:ux_usage_alerts_key,priority:5"`
	ThresholdPercentage float64      `json:"threshold_percentage" gorm:"not null"`
	CurrentUsage        float64      `json:"current_usage" gorm:"not null"`
	LimitValue          float64      `json:"limit_value" gorm:"not null"`
	TriggeredAt         time.Time    `json:"triggered_at" gorm:"not null"`
	Acknowledged        bool         `json:"acknowledged" gorm:"not null;default:false"`
	AcknowledgedAt      *time.Time   `json:"acknowledged_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"not null"`
}

func (UsageAlert) TableName() string { return "usage_alerts" }
