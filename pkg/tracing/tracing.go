// Package tracing provides OpenTelemetry tracing setup for credfill.
//
// Spans carry the helper name, operation, protocol and host of a resolve.
// Usernames and passwords are never recorded as attributes.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName names the tracer used by StartSpan.
const instrumentationName = "github.com/conductor/credfill"

// Config holds configuration for the tracer.
type Config struct {
	// ServiceName is the name of the service for tracing.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Environment is the deployment environment (e.g., "production").
	Environment string
	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4318").
	Endpoint string
	// Insecure disables TLS for the connection.
	Insecure bool
	// SampleRate is the sampling rate (0.0 to 1.0). Default is 1.0 (all traces).
	SampleRate float64
	// Enabled enables or disables tracing.
	Enabled bool
}

// Tracer owns the tracer provider for the lifetime of the process.
type Tracer struct {
	provider *sdktrace.TracerProvider
	config   Config
}

// InitTracer initializes the OpenTelemetry tracer. When tracing is disabled
// the global no-op provider is left in place.
func InitTracer(cfg Config) (*Tracer, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Tracer{config: cfg}, nil
	}

	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	// A CLI run is short; export synchronously-ish with a small batch timeout
	// and rely on Shutdown to flush.
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		config:   cfg,
	}, nil
}

// newResource describes this process to the collector.
func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}

// Shutdown flushes pending spans and shuts down the tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a new span using the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for credfill.
var (
	// AttrHelper is the helper name attribute.
	AttrHelper = attribute.Key("credfill.helper")
	// AttrOperation is the helper operation attribute (get, store, erase).
	AttrOperation = attribute.Key("credfill.operation")
	// AttrProtocol is the credential protocol attribute.
	AttrProtocol = attribute.Key("credfill.protocol")
	// AttrHost is the credential host attribute.
	AttrHost = attribute.Key("credfill.host")
	// AttrResolveID is the resolve ID attribute.
	AttrResolveID = attribute.Key("credfill.resolve.id")
	// AttrApproved is the approval decision attribute.
	AttrApproved = attribute.Key("credfill.approved")
)
