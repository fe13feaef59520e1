package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("account_id", "user:123"),
		attribute.String("mode", "deep"),
		attribute.String("request_id", "456"),
		attribute.String("outcome", "succeeded"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" || attr.Key == "request_id" {
			t.Fatalf("unexpected high-cardinality label %q", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordScan(ctx, "fast", "succeeded")
	m.RecordLedgerDebit(ctx, "applied")
	m.RecordProviderFailure(ctx, "deep", "schema")
}

func TestNoopMetricsRecord(t *testing.T) {
	m := NewNoop()
	if m == nil {
		t.Fatalf("expected noop metrics")
	}
	m.RecordScan(context.Background(), "fast", "denied")
	m.RecordProviderFailure(context.Background(), "fast", "transport")
}
