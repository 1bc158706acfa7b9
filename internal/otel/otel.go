// Package otel wires OpenTelemetry traces and metrics for task loops.
// When disabled, every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "autopilot"

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"

	defaultEndpoint = "localhost:4318"
)

// Config mirrors the otel section of the daemon config.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider holds the tracer and meter handed to the engine. Call Shutdown
// on exit to flush pending spans.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tp       *sdktrace.TracerProvider
	shutdown []func(context.Context) error
}

// Init installs global providers for cfg. A disabled config yields no-op
// instruments and installs nothing.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(scopeName),
			Meter:  noop.NewMeterProvider().Meter(scopeName),
		}, nil
	}

	res, err := newResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := newTracerProvider(res, exporter, cfg.SampleRate)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Provider{
		Tracer:   tp.Tracer(scopeName, trace.WithInstrumentationVersion(version)),
		Meter:    mp.Meter(scopeName, metric.WithInstrumentationVersion(version)),
		tp:       tp,
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes and stops every installed provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, service, version string) (*resource.Resource, error) {
	if service == "" {
		service = scopeName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func newTracerProvider(res *resource.Resource, exporter sdktrace.SpanExporter, sampleRate float64) *sdktrace.TracerProvider {
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// newSpanExporter returns nil for the none exporter; spans are then
// sampled and dropped.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown otel exporter %q (want %s, %s or %s)", cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterNone)
	}
}

// Tracer returns the process tracer. It is a no-op until Init installs an
// enabled provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}
