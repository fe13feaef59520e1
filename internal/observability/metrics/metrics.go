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
	scans              metric.Int64Counter
	ledgerDebits       metric.Int64Counter
	ledgerResets       metric.Int64Counter
	providerFailures   metric.Int64Counter
	contractViolations metric.Int64Counter
	providerLatency    metric.Float64Histogram
	notifications      metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
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
		name = "trustscan"
	}
	meter := provider.Meter(name)

	scans, err := meter.Int64Counter("trustscan_scans_total")
	if err != nil {
		return nil, err
	}
	ledgerDebits, err := meter.Int64Counter("trustscan_ledger_debits_total")
	if err != nil {
		return nil, err
	}
	ledgerResets, err := meter.Int64Counter("trustscan_ledger_resets_total")
	if err != nil {
		return nil, err
	}
	providerFailures, err := meter.Int64Counter("trustscan_provider_failures_total")
	if err != nil {
		return nil, err
	}
	contractViolations, err := meter.Int64Counter("trustscan_provider_contract_violations_total")
	if err != nil {
		return nil, err
	}
	providerLatency, err := meter.Float64Histogram("trustscan_provider_latency_seconds")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("trustscan_notifications_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("trustscan_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("trustscan_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		scans:              scans,
		ledgerDebits:       ledgerDebits,
		ledgerResets:       ledgerResets,
		providerFailures:   providerFailures,
		contractViolations: contractViolations,
		providerLatency:    providerLatency,
		notifications:      notifications,
		rateLimitAllowed:   rateLimitAllowed,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// NewNoop returns instruments bound to a noop provider, useful in tests.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordScan counts a resolved scan by mode and outcome.
func (m *Metrics) RecordScan(ctx context.Context, mode, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.scans.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerDebit counts debit attempts by outcome.
func (m *Metrics) RecordLedgerDebit(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.ledgerDebits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerReset counts applied ledger resets.
func (m *Metrics) RecordLedgerReset(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.ledgerResets.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderFailure counts classified gateway failures.
func (m *Metrics) RecordProviderFailure(ctx context.Context, mode, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("kind", strings.TrimSpace(kind)),
	)
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	if kind == "schema" {
		m.contractViolations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// ObserveProviderLatency records one gateway attempt.
func (m *Metrics) ObserveProviderLatency(ctx context.Context, mode string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("mode", strings.TrimSpace(mode)))
	m.providerLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordNotification counts notification deliveries by outcome.
func (m *Metrics) RecordNotification(ctx context.Context, channel, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"mode":        {},
	"outcome":     {},
	"kind":        {},
	"reason":      {},
	"channel":     {},
	"endpoint":    {},
	"status_code": {},
	"plan_id":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Account and request identifiers never become labels.
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
