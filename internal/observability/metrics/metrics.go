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

// Metrics exposes balance engine instruments.
type Metrics struct {
	deductions   metric.Int64Counter
	fallbacks    metric.Int64Counter
	deductTime   metric.Float64Histogram
	syncMessages metric.Int64Counter
	resets       metric.Int64Counter
	topUps       metric.Int64Counter
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

// New configures the engine instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitlements"
	}
	meter := provider.Meter(name)

	deductions, err := meter.Int64Counter("entitlements_deductions_total")
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("entitlements_fallbacks_total")
	if err != nil {
		return nil, err
	}
	deductTime, err := meter.Float64Histogram("entitlements_deduction_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	syncMessages, err := meter.Int64Counter("entitlements_sync_messages_total")
	if err != nil {
		return nil, err
	}
	resets, err := meter.Int64Counter("entitlements_resets_total")
	if err != nil {
		return nil, err
	}
	topUps, err := meter.Int64Counter("entitlements_topups_enqueued_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deductions:   deductions,
		fallbacks:    fallbacks,
		deductTime:   deductTime,
		syncMessages: syncMessages,
		resets:       resets,
		topUps:       topUps,
	}, nil
}

// RecordDeduction counts a finished deduction by path and outcome.
func (m *Metrics) RecordDeduction(ctx context.Context, path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("path", strings.TrimSpace(path)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deductTime.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFallback counts a switch to the locked store path.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSyncMessage counts a reconciled sync message by outcome.
func (m *Metrics) RecordSyncMessage(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.syncMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResets counts reset rows by outcome.
func (m *Metrics) RecordResets(ctx context.Context, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.resets.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

// RecordTopUp counts an enqueued top-up job.
func (m *Metrics) RecordTopUp(ctx context.Context, featureID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_id", strings.TrimSpace(featureID)))
	m.topUps.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"path":       {},
	"outcome":    {},
	"reason":     {},
	"feature_id": {},
	"job":        {},
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
