package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/internal/logger"
	"github.com/marinabox/marinabox/pkg/container"
	"github.com/marinabox/marinabox/pkg/sdk"
	"github.com/marinabox/marinabox/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRuntime spawns nothing; ids listed in dead report as not running.
type stubRuntime struct {
	mu   sync.Mutex
	next int
	dead map[string]bool
}

func (r *stubRuntime) Spawn(_ context.Context, _ container.SpawnRequest) (*container.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return &container.Instance{
		ID:          fmt.Sprintf("c%d", r.next),
		Name:        fmt.Sprintf("marinabox-%d", r.next),
		ControlPort: 8000 + r.next,
		DebugPort:   9000 + r.next,
		VNCPort:     6000 + r.next,
	}, nil
}

func (r *stubRuntime) Terminate(_ context.Context, _ string) error { return nil }

func (r *stubRuntime) IsRunning(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead[id], nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Driver = "json"
	cfg.Store.Path = filepath.Join(dir, "sessions")
	cfg.Sessions.RecordingsDir = filepath.Join(dir, "videos")
	cfg.Gateway.Port = freePort(t)
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.SharedSecret = "test-secret"
	return cfg
}

// createTestDaemon creates a daemon backed by a stub runtime
func createTestDaemon(t *testing.T, cfg *config.Config, rt *stubRuntime) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log, Options{ClientOptions: []sdk.Option{sdk.WithRuntime(rt)}})
	require.NoError(t, err)
	t.Cleanup(d.closeResources)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), &stubRuntime{})

	assert.NotNil(t, d.GetClient())
	assert.NotNil(t, d.GetGatewayServer())
	assert.NotNil(t, d.GetConfig())
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.watcher)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log, Options{ClientOptions: []sdk.Option{sdk.WithRuntime(&stubRuntime{})}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store driver")
}

func TestNewRequiresSharedSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = ""

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log, Options{ClientOptions: []sdk.Option{sdk.WithRuntime(&stubRuntime{})}})
	assert.ErrorIs(t, err, ErrNoSharedSecret)
}

func TestEnsureSharedSecret(t *testing.T) {
	t.Run("keeps existing secret", func(t *testing.T) {
		cfg := testConfig(t)
		generated, err := EnsureSharedSecret(cfg, nil)
		require.NoError(t, err)
		assert.False(t, generated)
		assert.Equal(t, "test-secret", cfg.Gateway.SharedSecret)
	})

	t.Run("generates and stores a secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Gateway.SharedSecret = ""
		loader := config.NewLoader(filepath.Join(cfg.DataDir, "config.json"))

		generated, err := EnsureSharedSecret(cfg, loader)
		require.NoError(t, err)
		assert.True(t, generated)
		assert.Len(t, cfg.Gateway.SharedSecret, sharedSecretLength)

		saved, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, cfg.Gateway.SharedSecret, saved.Gateway.SharedSecret)
	})

	t.Run("generates without a loader", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Gateway.SharedSecret = ""

		generated, err := EnsureSharedSecret(cfg, nil)
		require.NoError(t, err)
		assert.True(t, generated)
		assert.NotEmpty(t, cfg.Gateway.SharedSecret)
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg, &stubRuntime{})

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.GatewayAddr)

	_, err := os.Stat(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)

	resp, err := http.Get("http://" + status.GatewayAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	err = d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	assert.False(t, d.Status().Running)
	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	err = d.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestDaemonStatusBeforeStart(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), &stubRuntime{})

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.True(t, status.StartTime.IsZero())
}

func TestDaemonStartArchivesDeadSessions(t *testing.T) {
	cfg := testConfig(t)

	// Seed the store with a session whose container is gone.
	store, err := session.NewJSONStore(cfg.Store.Path)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), &session.Session{
		ID:            "dead-1",
		EnvType:       session.EnvBrowser,
		Resolution:    session.DefaultResolution,
		ContainerName: "marinabox-dead",
		CreatedAt:     time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.Close())

	rt := &stubRuntime{dead: map[string]bool{"dead-1": true}}
	d := createTestDaemon(t, cfg, rt)
	require.NoError(t, d.Start())

	ctx := context.Background()
	_, err = d.GetClient().GetSession(ctx, "dead-1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	closed, err := d.GetClient().GetClosedSession(ctx, "dead-1")
	require.NoError(t, err)
	assert.Equal(t, "dead-1", closed.ID)

	require.NoError(t, d.Stop(ctx))
}

func TestDaemonWaitStopsOnCancel(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), &stubRuntime{})
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Wait(ctx, 5*time.Second) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	assert.False(t, d.Status().Running)
}

func TestDaemonHotReload(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(cfg.DataDir, "config.json")
	loader := config.NewLoader(cfgPath)
	require.NoError(t, loader.Save(cfg))

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	d, err := New(cfg, log, Options{
		Loader:        loader,
		ClientOptions: []sdk.Option{sdk.WithRuntime(&stubRuntime{})},
	})
	require.NoError(t, err)
	require.NotNil(t, d.watcher)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	_, err = loader.Update(func(c *config.Config) error {
		c.Agent.MaxIterations = 7
		return nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return d.GetClient().AgentConfig().MaxIterations == 7
	}, 5*time.Second, 50*time.Millisecond)
}
