package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("decision", "block"),
		attribute.String("customer_id", "456"),
		attribute.String("event_name", "api_calls"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "decision" && attrs[1].Key != "decision" {
		t.Fatalf("expected decision to be retained")
	}
	if attrs[0].Key != "event_name" && attrs[1].Key != "event_name" {
		t.Fatalf("expected event_name to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUsageIngest(context.Background(), "api_calls")
		m.RecordEnforcement(context.Background(), "block")
		m.RecordBillingSync(context.Background(), "invoice_item", "failed")
	})
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	assert.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordOverageCost(context.Background(), "USD", 0.5)
		m.RecordAlert(context.Background(), "soft_limit_reached")
	})
}
