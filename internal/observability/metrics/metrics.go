package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageIngest      metric.Int64Counter
	usageRejected    metric.Int64Counter
	enforcement      metric.Int64Counter
	alertsRaised     metric.Int64Counter
	billingSync      metric.Int64Counter
	overageCost      metric.Float64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "usagegate"
	}
	meter := provider.Meter(name)

	usageIngest, err := meter.Int64Counter("usagegate_usage_ingest_total")
	if err != nil {
		return nil, err
	}
	usageRejected, err := meter.Int64Counter("usagegate_usage_rejected_total")
	if err != nil {
		return nil, err
	}
	enforcement, err := meter.Int64Counter("usagegate_enforcement_decisions_total")
	if err != nil {
		return nil, err
	}
	alertsRaised, err := meter.Int64Counter("usagegate_usage_alerts_total")
	if err != nil {
		return nil, err
	}
	billingSync, err := meter.Int64Counter("usagegate_billing_sync_total")
	if err != nil {
		return nil, err
	}
	overageCost, err := meter.Float64Counter("usagegate_overage_cost_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("usagegate_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("usagegate_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIngest:      usageIngest,
		usageRejected:    usageRejected,
		enforcement:      enforcement,
		alertsRaised:     alertsRaised,
		billingSync:      billingSync,
		overageCost:      overageCost,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordUsageIngest increments accepted usage event counts.
func (m *Metrics) RecordUsageIngest(ctx context.Context, eventName string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_name", strings.TrimSpace(eventName)))
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageRejected increments events refused before persistence.
func (m *Metrics) RecordUsageRejected(ctx context.Context, eventName, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_name", strings.TrimSpace(eventName)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.usageRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEnforcement counts enforcement outcomes (allow, warn, block).
func (m *Metrics) RecordEnforcement(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("decision", decision))
	m.enforcement.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordAlert(ctx context.Context, alertType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("alert_type", alertType))
	m.alertsRaised.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBillingSync counts provider reconciliation attempts by kind and outcome.
func (m *Metrics) RecordBillingSync(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.billingSync.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOverageCost(ctx context.Context, currency string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("currency", strings.ToLower(currency)))
	m.overageCost.Add(ctx, cost, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"event_name":  {},
	"decision":    {},
	"alert_type":  {},
	"kind":        {},
	"status":      {},
	"currency":    {},
	"provider":    {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
