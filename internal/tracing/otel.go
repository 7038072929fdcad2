// Package tracing wires OpenTelemetry into the gateway: inbound request
// spans, outbound subgraph fetch spans, and internal planning spans.
package tracing

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ensembl/ensembl-thoas/internal/config"
)

const instrumentationName = "github.com/Ensembl/ensembl-thoas"

// Version is reported as service.version.
var Version = "dev"

// Config is the resolved tracing configuration.
type Config struct {
	Enabled      bool
	Endpoint     string
	ServiceName  string
	SampleRate   float64
	BatchTimeout time.Duration
}

// DefaultConfig has tracing off and points at a local collector.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "localhost:4317",
		ServiceName:  "thoas-gateway",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
	}
}

// ConfigFrom fills DefaultConfig with whatever the YAML section sets.
func ConfigFrom(tc config.TracingConfig) Config {
	cfg := DefaultConfig()
	if !tc.Enabled {
		return cfg
	}
	cfg.Enabled = true
	if tc.Endpoint != "" {
		cfg.Endpoint = tc.Endpoint
	}
	if tc.ServiceName != "" {
		cfg.ServiceName = tc.ServiceName
	}
	cfg.SampleRate = tc.SampleRate
	cfg.BatchTimeout = config.ParseDuration(tc.BatchTimeout, cfg.BatchTimeout)
	return cfg
}

// Provider owns the tracer provider for the process. A disabled Provider
// delegates to the global (no-op unless set elsewhere) provider.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tp     trace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a Provider. When cfg.Enabled it installs an OTLP/gRPC
// batch exporter as the global tracer provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		tp := otel.GetTracerProvider()
		return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return &Provider{sdk: sdk, tp: sdk, tracer: sdk.Tracer(cfg.ServiceName)}, nil
}

func newResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	))
}

// sampler maps a rate in [0,1] onto the cheapest equivalent sampler.
func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes buffered spans. It is a no-op for a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Middleware starts a server span per inbound request, continuing any
// trace context the client sent. 5xx responses mark the span as failed.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "gateway",
			otelhttp.WithTracerProvider(p.tp),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// Start starts an internal span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Transport wraps base so outgoing subgraph requests carry trace context
// and produce client spans. A nil base means http.DefaultTransport.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
