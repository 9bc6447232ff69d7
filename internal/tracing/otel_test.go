package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestFileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.json")
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "marinabox-test", Exporter: ExporterFile, File: path}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(context.Background(), "test", "session.stop", attribute.String("session_id", "s1"))
	traceID := GetTraceID(ctx)
	require.NotEmpty(t, traceID)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	RecordError(span, errors.New("container gone"))
	span.End()

	require.NoError(t, ShutdownOpenTelemetry(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session.stop")
	assert.Contains(t, string(data), traceID)
	assert.Contains(t, string(data), "container gone")
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "marinabox-test"}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(WithTraceID(context.Background(), "trace-1"), "test", "agent.run")
	defer span.End()
	assert.Equal(t, "trace-1", GetTraceID(ctx))
}

func TestInitOpenTelemetryRejectsBadExporter(t *testing.T) {
	err := InitOpenTelemetry(Config{ServiceName: "marinabox-test", Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trace exporter")

	err = InitOpenTelemetry(Config{ServiceName: "marinabox-test", Exporter: ExporterFile})
	require.Error(t, err)

	// Nothing was installed, so shutdown has nothing to flush.
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	_, span := StartSpan(context.Background(), "test", "noop")
	defer span.End()
	RecordError(span, nil)
}
