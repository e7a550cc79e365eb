// Package observe configures OpenTelemetry tracing for the CLI.
package observe

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config configures tracing
type Config struct {
	ServiceName string
	Version     string
	// Exporter is stdout or none
	Exporter  string
	SamplePct float64
	// Writer receives stdout spans; defaults to os.Stderr
	Writer io.Writer
}

// Tracing holds the tracer and its provider
type Tracing struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// Setup builds a tracer provider and installs it globally. An empty or
// "none" exporter yields a no-op tracer.
func Setup(ctx context.Context, cfg Config) (*Tracing, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "apsbulk"
	}

	switch cfg.Exporter {
	case "", "none":
		return &Tracing{tracer: tracenoop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %q", cfg.Exporter)
	}
	if cfg.SamplePct < 0 || cfg.SamplePct > 1.0 {
		return nil, fmt.Errorf("sample percentage must be between 0.0 and 1.0, got: %f", cfg.SamplePct)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplePct >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplePct <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplePct)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Tracing{tracer: tp.Tracer(cfg.ServiceName), provider: tp}, nil
}

// Tracer returns the configured tracer
func (t *Tracing) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown flushes pending spans
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}
