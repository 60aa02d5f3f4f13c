package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("path", "cache"),
		attribute.String("customer_id", "456"),
		attribute.String("outcome", "applied"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("path"))
	assert.Contains(t, keys, attribute.Key("outcome"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordDeduction(ctx, "cache", "ok", time.Millisecond)
	m.RecordFallback(ctx, "RESET_DUE")
	m.RecordSyncMessage(ctx, "applied")
	m.RecordResets(ctx, "applied", 3)
	m.RecordTopUp(ctx, "api_calls")

	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordDeduction(ctx, "store", "rejected", time.Millisecond)
}
