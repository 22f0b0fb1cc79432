// Package logprovider is the development billing provider. It records every
// call in the logger and returns synthetic refs.
package logprovider

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	billingdomain "github.com/smallbiznis/usagegate/internal/providers/billing/domain"
	"go.uber.org/zap"
)

type Call struct {
	Op       string
	Ref      string
	UsageReq *billingdomain.UsageRecordRequest
	LineItem *billingdomain.LineItemRequest
}

type Provider struct {
	log *zap.Logger

	mu    sync.Mutex
	calls []Call
}

func New(log *zap.Logger) *Provider {
	return &Provider{log: log.Named("billing.log")}
}

func (p *Provider) Name() string { return "log" }

func (p *Provider) ReportUsage(ctx context.Context, req billingdomain.UsageRecordRequest) (string, error) {
	if req.SubscriptionItemRef == "" {
		return "", billingdomain.ErrMissingSubscriptionItem
	}
	ref := "ur_" + ulid.Make().String()
	p.log.Info("usage reported",
		zap.String("subscription_item_ref", req.SubscriptionItemRef),
		zap.Float64("quantity", req.Quantity),
		zap.Time("timestamp", req.Timestamp),
		zap.String("ref", ref),
	)
	p.record(Call{Op: "report_usage", Ref: ref, UsageReq: &req})
	return ref, nil
}

func (p *Provider) CreateInvoiceLineItem(ctx context.Context, req billingdomain.LineItemRequest) (string, error) {
	if req.CustomerRef == "" {
		return "", billingdomain.ErrMissingCustomer
	}
	ref := "ii_" + ulid.Make().String()
	p.log.Info("invoice line item created",
		zap.String("customer_ref", req.CustomerRef),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", req.Currency),
		zap.String("description", req.Description),
		zap.String("ref", ref),
	)
	p.record(Call{Op: "create_invoice_line_item", Ref: ref, LineItem: &req})
	return ref, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Provider) record(c Call) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
}
