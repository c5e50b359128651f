// Package observability wires OpenTelemetry tracing and metrics for the
// core: committed transactions, replayed records, outbox dispatch and
// dead-letters, ledger postings.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "settld-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages trace and metric providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

// NewProvider initializes OTLP exporters and registers global providers.
// When disabled, no-op globals stay in place and Shutdown is a no-op.
func NewProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Provider{logger: logger}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("observability: providers initialized", "endpoint", cfg.OTLPEndpoint)
	return &Provider{tracerProvider: tp, meterProvider: mp, logger: logger}, nil
}

// Tracer returns a named tracer from the global provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}

// Metrics are the core counters.
type Metrics struct {
	TxCommitted       metric.Int64Counter
	RecordsReplayed   metric.Int64Counter
	OutboxDispatched  metric.Int64Counter
	DeliveriesDead    metric.Int64Counter
	LedgerEntries     metric.Int64Counter
	IdempotentReplays metric.Int64Counter
}

// NewMetrics registers the core counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.Meter("settld.core"))
}

// NewMetricsFrom registers the core counters on an explicit meter.
func NewMetricsFrom(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.TxCommitted, err = meter.Int64Counter("settld.tx.committed",
		metric.WithDescription("Write-ahead log transactions committed")); err != nil {
		return nil, err
	}
	if m.RecordsReplayed, err = meter.Int64Counter("settld.tx.replayed",
		metric.WithDescription("Durable records replayed at startup")); err != nil {
		return nil, err
	}
	if m.OutboxDispatched, err = meter.Int64Counter("settld.outbox.dispatched",
		metric.WithDescription("Outbox entries dispatched")); err != nil {
		return nil, err
	}
	if m.DeliveriesDead, err = meter.Int64Counter("settld.deliveries.dead",
		metric.WithDescription("Deliveries moved to the dead-letter state")); err != nil {
		return nil, err
	}
	if m.LedgerEntries, err = meter.Int64Counter("settld.ledger.entries",
		metric.WithDescription("Double-entry ledger entries posted")); err != nil {
		return nil, err
	}
	if m.IdempotentReplays, err = meter.Int64Counter("settld.idempotency.replays",
		metric.WithDescription("Requests answered from stored idempotent responses")); err != nil {
		return nil, err
	}
	return m, nil
}
