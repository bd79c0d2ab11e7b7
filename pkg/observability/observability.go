// Package observability wires OpenTelemetry tracing and RED metrics
// (rate, errors, duration) around decision steps. A disabled Provider is
// fully usable: spans go to the global no-op tracer and metrics are dropped.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "github.com/Mindburn-Labs/tradegate"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tradegate",
		ServiceVersion: "dev",
		Environment:    "local",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
	decisionCounter  metric.Int64Counter
}

// New creates a provider exporting over OTLP/gRPC, or a disabled one.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	if err := p.instrument(p.tracerProvider, p.meterProvider); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a Provider over caller-supplied SDK providers.
// It does not touch the otel globals.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config:         DefaultConfig(),
		tracerProvider: tp,
		meterProvider:  mp,
		logger:         slog.Default().With("component", "observability"),
	}
	if err := p.instrument(tp, mp); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) instrument(tp trace.TracerProvider, mp metric.MeterProvider) error {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	if p.requestCounter, err = p.meter.Int64Counter("tradegate.operations.total",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("tradegate.errors.total",
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("tradegate.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0),
	); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("tradegate.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.decisionCounter, err = p.meter.Int64Counter("tradegate.decisions.total",
		metric.WithDescription("Forwarded decisions by outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordDecision counts a forwarded decision.
func (p *Provider) RecordDecision(ctx context.Context, decision string, guardrailPassed bool) {
	if p == nil || p.decisionCounter == nil {
		return
	}
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.Bool("guardrail_passed", guardrailPassed),
	))
}

// TrackOperation starts a span and RED bookkeeping for one operation.
// The returned func ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil || p.requestCounter == nil {
		return ctx, func(err error) {
			failSpan(span, err)
			span.End()
		}
	}

	opAttrs := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)...)
	p.activeOperations.Add(ctx, 1, opAttrs)
	p.requestCounter.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, opAttrs)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), opAttrs)
		if err != nil {
			failSpan(span, err)
			p.errorCounter.Add(ctx, 1, opAttrs, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
		}
		span.End()
	}
}

func failSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
