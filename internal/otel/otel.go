// Package otel wires OpenTelemetry tracing and metrics for pickupbot.
// When disabled, the provider hands out no-op tracers and meters.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

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

const (
	TracerName = "pickupbot"
	MeterName  = "pickupbot"
)

// Exporters accepted in telemetry.exporter.
const (
	ExporterOTLP   = "otlp-http"
	ExporterFile   = "file"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=otlp-http file stdout none"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Deployment describes the installation the spans come from. It ends up
// as resource attributes so traces from several schools can share a
// collector.
type Deployment struct {
	Version  string
	Zone     string
	Timezone string
	// HomeDir receives logs/traces.jsonl for the file exporter.
	HomeDir string
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Enabled reports whether spans are actually recorded.
func (p *Provider) Enabled() bool {
	return p != nil && p.TracerProvider != nil
}

// Init sets up OpenTelemetry for one daemon. The returned Provider must be
// shut down on exit. A disabled config yields no-op instruments.
func Init(ctx context.Context, cfg Config, dep Deployment) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := newResource(ctx, cfg, dep)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, closeOut, err := newSpanExporter(ctx, cfg, dep.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	p := newProvider(res, exporter, cfg.SampleRate)
	otel.SetTracerProvider(p.TracerProvider)
	if closeOut != nil {
		flush := p.shutdown
		p.shutdown = func(ctx context.Context) error {
			return errors.Join(flush(ctx), closeOut.Close())
		}
	}
	return p, nil
}

func newProvider(res *resource.Resource, exporter sdktrace.SpanExporter, sampleRate float64) *Provider {
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}
}

func newResource(ctx context.Context, cfg Config, dep Deployment) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pickupbot"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if dep.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(dep.Version))
	}
	if dep.Zone != "" {
		attrs = append(attrs, AttrZone.String(dep.Zone))
	}
	if dep.Timezone != "" {
		attrs = append(attrs, attribute.String("pickupbot.timezone", dep.Timezone))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// newSpanExporter returns the exporter plus any file it owns.
func newSpanExporter(ctx context.Context, cfg Config, homeDir string) (sdktrace.SpanExporter, io.Closer, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		return exp, nil, err
	case ExporterFile:
		if homeDir == "" {
			return nil, nil, errors.New("file exporter needs a home directory")
		}
		logDir := filepath.Join(homeDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open traces.jsonl: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, nil, err
	case ExporterNone:
		return discardExporter{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, file, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
