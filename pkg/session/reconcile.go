package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marinabox/marinabox/internal/observability"
	"github.com/marinabox/marinabox/pkg/container"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reconcile archives active sessions whose container is no longer running.
// It returns the archived ids. Runtimes without a status check are skipped.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	checker, ok := m.runtime.(container.StatusChecker)
	if !ok {
		return []string{}, nil
	}

	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	archived := []string{}
	var errs []error
	for _, sess := range sessions {
		running, err := checker.IsRunning(ctx, sess.ID)
		if err != nil {
			errs = append(errs, &RuntimeError{Op: "status", SessionID: sess.ID, Err: err})
			continue
		}
		if running {
			continue
		}

		// The container is gone, so there is no recording to pull.
		closed, err := m.stop(ctx, sess.ID, StopOptions{}, false)
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
		if closed == nil {
			continue
		}
		archived = append(archived, sess.ID)
		m.logger.Info().Str("session_id", sess.ID).Msg("Archived session with missing container")
	}

	observability.RecordSessionsReconciled(len(archived))
	return archived, errors.Join(errs...)
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Reconciler runs Manager.Reconcile on a cron schedule.
type Reconciler struct {
	manager *Manager
	cron    *cron.Cron
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewReconciler parses schedule (a five-field cron expression or a
// descriptor such as "@every 1m").
func NewReconciler(manager *Manager, schedule string, logger zerolog.Logger) (*Reconciler, error) {
	r := &Reconciler{
		manager: manager,
		cron:    cron.New(cron.WithParser(scheduleParser)),
		logger:  logger.With().Str("component", "session_reconciler").Logger(),
	}

	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reconciler) tick() {
	archived, err := r.manager.Reconcile(context.Background())
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reconcile finished with errors")
	}
	if len(archived) > 0 {
		r.logger.Info().Strs("session_ids", archived).Msg("Reconciled sessions")
	}
}

// Start begins the schedule. Calling Start twice is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.cron.Start()
	r.running = true
	r.logger.Info().Msg("Session reconciler started")
}

// Stop halts the schedule and waits for a running tick to finish or ctx to end.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	r.logger.Info().Msg("Session reconciler stopped")
}
