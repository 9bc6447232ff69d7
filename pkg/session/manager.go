package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/marinabox/marinabox/internal/observability"
	"github.com/marinabox/marinabox/internal/tracing"
	"github.com/marinabox/marinabox/pkg/container"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "marinabox.session"

var resolutionPattern = regexp.MustCompile(`^\d+x\d+x\d+$`)

// stopAllConcurrency bounds parallel teardown in StopAll.
const stopAllConcurrency = 4

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	Store         Store
	Runtime       container.Runtime
	RecordingsDir string
	// RecordEnvTypes lists the env types whose screen recording is kept on stop.
	RecordEnvTypes []EnvType
	Logger         zerolog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

// Manager owns the active to closed transition of sessions.
type Manager struct {
	store         Store
	runtime       container.Runtime
	recordingsDir string
	recordEnv     map[EnvType]bool
	logger        zerolog.Logger
	now           func() time.Time

	locks   map[string]*idLock
	locksMu sync.Mutex
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("container runtime is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	recordEnv := make(map[EnvType]bool, len(cfg.RecordEnvTypes))
	for _, env := range cfg.RecordEnvTypes {
		recordEnv[env] = true
	}

	observability.EnsureRegistered()

	return &Manager{
		store:         cfg.Store,
		runtime:       cfg.Runtime,
		recordingsDir: cfg.RecordingsDir,
		recordEnv:     recordEnv,
		logger:        cfg.Logger.With().Str("component", "session_manager").Logger(),
		now:           cfg.Now,
		locks:         make(map[string]*idLock),
	}, nil
}

// lock serializes state changes for one session id. The entry is dropped
// when the last holder releases it.
func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) validate(req *CreateRequest) error {
	if req.EnvType == "" {
		req.EnvType = EnvBrowser
	}
	if req.Resolution == "" {
		req.Resolution = DefaultResolution
	}

	if req.EnvType != EnvBrowser && req.EnvType != EnvDesktop {
		return &ConfigError{Field: "env_type", Value: string(req.EnvType), Reason: "must be browser or desktop"}
	}
	if !resolutionPattern.MatchString(req.Resolution) {
		return &ConfigError{Field: "resolution", Value: req.Resolution, Reason: "must look like WIDTHxHEIGHTxDEPTH"}
	}
	if req.MountPath != "" {
		abs, err := filepath.Abs(req.MountPath)
		if err != nil {
			return &ConfigError{Field: "mount_path", Value: req.MountPath, Reason: err.Error()}
		}
		info, err := os.Stat(abs)
		if err != nil {
			return &ConfigError{Field: "mount_path", Value: req.MountPath, Reason: "directory does not exist"}
		}
		if !info.IsDir() {
			return &ConfigError{Field: "mount_path", Value: req.MountPath, Reason: "not a directory"}
		}
		req.MountPath = abs
	}
	if req.EnvType != EnvBrowser {
		req.Kiosk = false
	}
	return nil
}

// Create validates the request, spawns an environment and persists the
// session. Validation failures have no side effects.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (_ *Session, err error) {
	start := m.now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.create",
		attribute.String("env_type", string(req.EnvType)),
		attribute.String("resolution", req.Resolution),
	)
	defer span.End()
	defer func() {
		tracing.RecordError(span, err)
		observability.RecordSessionCreate(string(req.EnvType), m.now().Sub(start), err == nil)
	}()

	if err := m.validate(&req); err != nil {
		return nil, err
	}

	inst, err := m.runtime.Spawn(ctx, container.SpawnRequest{
		EnvType:    string(req.EnvType),
		Resolution: req.Resolution,
		MountPath:  req.MountPath,
		Kiosk:      req.Kiosk,
	})
	if err != nil {
		return nil, &RuntimeError{Op: "spawn", Err: err}
	}

	sess := &Session{
		ID:            inst.ID,
		EnvType:       req.EnvType,
		Resolution:    req.Resolution,
		Tag:           req.Tag,
		MountPath:     req.MountPath,
		Kiosk:         req.Kiosk,
		ControlPort:   inst.ControlPort,
		DebugPort:     inst.DebugPort,
		VNCPort:       inst.VNCPort,
		ContainerName: inst.Name,
		CreatedAt:     m.now().UTC(),
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, sess.ID), m.logger)

	if err := m.store.Create(ctx, sess); err != nil {
		// Nothing references the container once persisting fails.
		if termErr := m.runtime.Terminate(tracing.Detach(ctx), inst.ID); termErr != nil {
			logger.Error().Err(termErr).Msg("Failed to remove container after store failure")
		}
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	logger.Info().
		Str("env_type", string(sess.EnvType)).
		Str("tag", sess.Tag).
		Int("control_port", sess.ControlPort).
		Msg("Session created")
	observability.RecordSessionAudit(ctx, "create", sess.ID, nil, map[string]interface{}{
		"env_type":   string(sess.EnvType),
		"resolution": sess.Resolution,
		"tag":        sess.Tag,
	})
	m.refreshActiveGauge(ctx)

	return sess, nil
}

// List returns active sessions by creation time, then id.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	observability.SetActiveSessions(len(sessions))
	return sessions, nil
}

// Get returns the active session or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// UpdateTag replaces the tag of an active session. It never creates one.
func (m *Manager) UpdateTag(ctx context.Context, id, tag string) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()

	sess, err := m.store.UpdateTag(ctx, id, tag)
	observability.RecordSessionAudit(ctx, "tag", id, err, map[string]interface{}{"tag": tag})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListClosed returns archived sessions by closure time.
func (m *Manager) ListClosed(ctx context.Context) ([]*ClosedSession, error) {
	return m.store.ListClosed(ctx)
}

// GetClosed returns the archived session or ErrNotFound.
func (m *Manager) GetClosed(ctx context.Context, id string) (*ClosedSession, error) {
	return m.store.GetClosed(ctx, id)
}

// Stop terminates the environment and archives the session.
//
// Runtime failures (recording, termination) do not prevent archival: the
// returned ClosedSession is non-nil whenever the archive succeeded, and the
// error joins every runtime failure. Concurrent calls for one id are
// serialized; the loser gets ErrNotFound.
func (m *Manager) Stop(ctx context.Context, id string, opts StopOptions) (*ClosedSession, error) {
	return m.stop(ctx, id, opts, true)
}

func (m *Manager) stop(ctx context.Context, id string, opts StopOptions, keepRecording bool) (_ *ClosedSession, err error) {
	start := m.now()
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.stop", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	unlock := m.lock(id)
	defer unlock()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	defer func() {
		tracing.RecordError(span, err)
		observability.RecordSessionStop(m.now().Sub(start), err == nil)
		observability.RecordSessionAudit(ctx, "stop", id, err, nil)
	}()

	// Once the session is found the stop runs to completion, so a cancelled
	// caller cannot leave a live container archived or a dead one active.
	runCtx := tracing.Detach(ctx)

	var runtimeErrs []error
	var recordingPath string

	if keepRecording && m.recordEnv[sess.EnvType] {
		if finalizer, ok := m.runtime.(container.RecordingFinalizer); ok {
			dest := m.recordingPath(sess, opts)
			path, ferr := finalizer.FinalizeRecording(runCtx, id, dest)
			if ferr != nil {
				logger.Warn().Err(ferr).Msg("Failed to finalize recording")
				runtimeErrs = append(runtimeErrs, &RuntimeError{Op: "finalize_recording", SessionID: id, Err: ferr})
			} else {
				recordingPath = path
			}
		}
	}

	if terr := m.runtime.Terminate(runCtx, id); terr != nil {
		if errors.Is(terr, container.ErrContainerNotFound) {
			logger.Warn().Msg("Container already gone, archiving session")
		} else {
			logger.Error().Err(terr).Msg("Failed to terminate container, archiving anyway")
			runtimeErrs = append(runtimeErrs, &RuntimeError{Op: "terminate", SessionID: id, Err: terr})
		}
	}

	closedAt := m.now().UTC()
	if closedAt.Before(sess.CreatedAt) {
		closedAt = sess.CreatedAt
	}
	closed := &ClosedSession{
		Session:       *sess,
		ClosedAt:      closedAt,
		RecordingPath: recordingPath,
	}

	if err := m.store.Archive(runCtx, closed); err != nil {
		return nil, errors.Join(append(runtimeErrs, fmt.Errorf("failed to archive session: %w", err))...)
	}

	logger.Info().
		Str("recording_path", recordingPath).
		Int("runtime_errors", len(runtimeErrs)).
		Msg("Session stopped")
	m.refreshActiveGauge(ctx)

	return closed, errors.Join(runtimeErrs...)
}

// recordingPath resolves the destination of the session recording.
func (m *Manager) recordingPath(sess *Session, opts StopOptions) string {
	dir := m.recordingsDir
	if d := strings.TrimSpace(opts.VideoDir); d != "" {
		dir = d
	}
	filename := strings.TrimSpace(opts.VideoFilename)
	if filename == "" {
		return filepath.Join(dir, fmt.Sprintf("%s-%d.mp4", sess.ID, m.now().Unix()))
	}
	if !strings.EqualFold(filepath.Ext(filename), ".mp4") {
		filename += ".mp4"
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(dir, filename)
}

// StopAll stops every active session, continuing past failures. Only
// opts.VideoDir applies; recordings keep their generated names. The error
// is non-nil only when the active list cannot be read.
func (m *Manager) StopAll(ctx context.Context, opts StopOptions) (StopAllResult, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return StopAllResult{}, err
	}

	errs := make([]error, len(sessions))
	sem := make(chan struct{}, stopAllConcurrency)
	var wg sync.WaitGroup

	for i, sess := range sessions {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_, errs[idx] = m.Stop(ctx, id, StopOptions{VideoDir: opts.VideoDir})
		}(i, sess.ID)
	}
	wg.Wait()

	result := StopAllResult{Stopped: []string{}, Failed: map[string]error{}}
	for i, sess := range sessions {
		if errs[i] != nil {
			result.Failed[sess.ID] = errs[i]
			continue
		}
		result.Stopped = append(result.Stopped, sess.ID)
	}

	m.logger.Info().
		Int("stopped", len(result.Stopped)).
		Int("failed", len(result.Failed)).
		Msg("Stop all completed")

	return result, nil
}

func (m *Manager) refreshActiveGauge(ctx context.Context) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}
