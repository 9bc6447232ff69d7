package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span exporters accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterFile   = "file"
)

// Config selects where finished spans are written.
type Config struct {
	ServiceName string
	// Exporter is one of none, stdout or file. Empty means none: spans still
	// carry trace ids into logs but are not written anywhere.
	Exporter string
	// File receives one JSON document per span when Exporter is file.
	File string
	// SampleRatio is the fraction of root spans kept; out of range means 1.
	SampleRatio float64
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
	sink       io.Closer
)

// InitOpenTelemetry installs the process-wide tracer provider. Calls made
// while a provider is installed are no-ops; ShutdownOpenTelemetry clears it.
func InitOpenTelemetry(cfg Config) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return err
	}

	exporter, closer, err := newExporter(cfg)
	if err != nil {
		return err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider = sdktrace.NewTracerProvider(opts...)
	sink = closer
	otel.SetTracerProvider(provider)
	return nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", ExporterNone:
		return nil, nil, nil
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		return exporter, nil, err
	case ExporterFile:
		if cfg.File == "" {
			return nil, nil, errors.New("trace file is required for the file exporter")
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return exporter, f, nil
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// ShutdownOpenTelemetry flushes pending spans and uninstalls the provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp, closer := provider, sink
	provider, sink = nil, nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	err := tp.Shutdown(ctx)
	if closer != nil {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// StartSpan starts a span and copies its trace id into the context when the
// context has none, so log lines and spans share one id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// RecordError marks the span as failed. Nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
