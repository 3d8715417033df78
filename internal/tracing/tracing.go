// Package tracing builds the OpenTelemetry tracer provider for the server.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Exporter names accepted by NewProvider.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "framechat"

// ParseExporter normalizes an exporter name.
func ParseExporter(s string) (string, error) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "", ExporterNone:
		return ExporterNone, nil
	case ExporterStdout:
		return ExporterStdout, nil
	default:
		return "", fmt.Errorf("unknown trace exporter %q", s)
	}
}

// NewProvider returns a tracer provider that sends finished spans to the
// named exporter. The stdout exporter writes JSON to w. With "none" spans
// are still recorded but not exported.
//
// Callers must Shutdown the provider to flush buffered spans.
func NewProvider(exporter string, w io.Writer) (*sdktrace.TracerProvider, error) {
	name, err := ParseExporter(exporter)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(ServiceName),
		)),
	}
	if name == ExporterStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("tracing: stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// Shutdown flushes and stops tp, giving up when ctx is done.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: shutdown: %w", err)
	}
	return nil
}
