package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesRecordedSeries(t *testing.T) {
	RecordSessionCreate("browser", 150*time.Millisecond, true)
	RecordSessionStop(time.Second, false)
	RecordSessionsReconciled(2)
	SetActiveSessions(3)
	RecordModelCall("anthropic", 2*time.Second, true, 100, 20)
	RecordToolExecution("computer", 300*time.Millisecond, false)
	RecordAgentRun("anthropic", "done", 10*time.Second, 4)
	RecordRPCRequest("sessions.list", true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"marinabox_session_create_total",
		"marinabox_session_stop_total",
		"marinabox_sessions_reconciled_total",
		"marinabox_active_sessions 3",
		"marinabox_model_tokens_total",
		"marinabox_tool_errors_total",
		"marinabox_agent_run_total",
		"marinabox_rpc_requests_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestAuditLoggerRecord(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	a.Record(context.Background(), AuditEvent{
		Type:    "session",
		Subject: "abc123",
		Action:  "stop",
		Status:  "success",
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session", line["type"])
	assert.Equal(t, "abc123", line["subject"])
	assert.Equal(t, "stop", line["action"])
	assert.NotContains(t, line, "trace_id")
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() {
		auditMu.Lock()
		prev := auditInst
		auditInst = NewAuditLogger(io.Discard)
		auditMu.Unlock()
		prev.Close()
	})

	RecordSessionAudit(context.Background(), "create", "s1", nil, map[string]interface{}{"env_type": "browser"})
	RecordSessionAudit(context.Background(), "stop", "s1", errors.New("docker gone"), nil)
	RecordConfigAudit(context.Background(), "set", "credentials.anthropic_api_key")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], `"status":"failure"`)
	assert.Contains(t, lines[1], "docker gone")
	assert.Contains(t, lines[2], `"type":"config"`)
}
