package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// MaxSyncAttempts bounds automatic and manual retries of a failed sync.
const MaxSyncAttempts = 3

type SyncKind string

const (
	KindUsageRecord SyncKind = "usage_record"
	KindInvoiceItem SyncKind = "invoice_item"
)

type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// UsageBillingSync tracks one provider call: either a metered usage report or
// an invoice item for an overage. ExternalUsageRecordRef holds the provider
// ref of whichever object was created.
type UsageBillingSync struct {
	ID                          snowflake.ID        `json:"id" gorm:"primaryKey"`
	CreatorID                   snowflake.ID        `json:"creator_id" gorm:"not null;index"`
	MeterID                     snowflake.ID        `json:"meter_id" gorm:"not null;uniqueIndex:ux_usage_billing_syncs_key,priority:1"`
	UserID                      string              `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_usage_billing_syncs_key,priority:2"`
	BillingPeriod               string              `json:"billing_period" gorm:"type:text;not null;uniqueIndex:ux_usage_billing_syncs_key,priority:3"`
	Kind                        SyncKind            `json:"kind" gorm:"type:text;not null;uniqueIndex:ux_usage_billing_syncs_key,priority:4"`
	OverageID                   *snowflake.ID       `json:"overage_id,omitempty"`
	UsageQuantity               float64             `json:"usage_quantity" gorm:"not null"`
	Amount                      decimal.NullDecimal `json:"amount" gorm:"type:numeric(20,6)"`
	Currency                    string              `json:"currency,omitempty" gorm:"type:text"`
	ExternalUsageRecordRef      string              `json:"external_usage_record_ref,omitempty" gorm:"type:text"`
	ExternalSubscriptionItemRef string              `json:"external_subscription_item_ref,omitempty" gorm:"type:text"`
	BillingStatus               SyncStatus          `json:"billing_status" gorm:"type:text;not null;index"`
	SyncAttempts                int                 `json:"sync_attempts" gorm:"not null;default:0"`
	LastAttemptAt               *time.Time          `json:"last_attempt_at,omitempty"`
	LastError                   string              `json:"last_error,omitempty" gorm:"type:text"`
	NextRetryAt                 *time.Time          `json:"next_retry_at,omitempty"`
	CreatedAt                   time.Time           `json:"created_at" gorm:"not null"`
	UpdatedAt                   time.Time           `json:"updated_at" gorm:"not null"`
}

func (UsageBillingSync) TableName() string { return "usage_billing_syncs" }

// Retryable reports whether the record is failed and still under the attempt bound.
func (r *UsageBillingSync) Retryable() bool {
	return r.BillingStatus == StatusFailed && r.SyncAttempts < MaxSyncAttempts
}

type Key struct {
	MeterID       snowflake.ID
	UserID        string
	BillingPeriod string
	Kind          SyncKind
}

// CycleResult is the outcome of one ProcessBillingCycle run. Processed counts
// customers billed without error; Errors holds one entry per failed customer.
type CycleResult struct {
	CreatorID     snowflake.ID `json:"creator_id,string"`
	BillingPeriod string       `json:"billing_period"`
	Processed     int          `json:"processed"`
	LineItems     int          `json:"line_items"`
	Errors        []string     `json:"errors"`
}

type SweepResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}
