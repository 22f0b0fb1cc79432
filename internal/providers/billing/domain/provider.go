// Package domain declares the billing provider capability used by billing sync.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Provider reports usage and overage charges to the external billing system.
// Implementations must honour ctx cancellation; the caller bounds every call
// with the configured provider timeout.
type Provider interface {
	Name() string
	// ReportUsage sets the quantity of a metered subscription item for the
	// period containing timestamp and returns the provider's usage record ref.
	ReportUsage(ctx context.Context, req UsageRecordRequest) (string, error)
	// CreateInvoiceLineItem adds a pending invoice item to the customer's next
	// invoice and returns the provider's line item ref.
	CreateInvoiceLineItem(ctx context.Context, req LineItemRequest) (string, error)
}

type UsageRecordRequest struct {
	SubscriptionItemRef string
	Quantity            float64
	Timestamp           time.Time
	IdempotencyKey      string
}

type LineItemRequest struct {
	CustomerRef    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Metadata       map[string]string
	IdempotencyKey string
}

var (
	ErrInvalidConfig           = errors.New("billing_provider_invalid_config")
	ErrMissingCustomer         = errors.New("billing_provider_missing_customer")
	ErrMissingSubscriptionItem = errors.New("billing_provider_missing_subscription_item")
	ErrInvalidAmount           = errors.New("billing_provider_invalid_amount")
)
