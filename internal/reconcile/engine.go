// Package reconcile keeps persisted session status consistent with actual
// process liveness. A session whose process died without notifying the
// store must never be observed as "running".
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/crew/internal/events"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// ErrDegraded means reconciliation could not complete within bounded
// retries. The status returned alongside is the last-good value and may be
// stale; callers should re-poll.
var ErrDegraded = errors.New("reconciliation degraded, status may be stale")

// SessionStore is the subset of store.Store the engine needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error)
	SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, exitCode *int) error
}

// Liveness answers "is this process actually alive". The supervisor is the
// production implementation.
type Liveness interface {
	IsAlive(processID string) bool
}

// Engine reconciles store state against process liveness, both on demand
// (before any status read is returned to a caller) and on a periodic tick.
type Engine struct {
	store    SessionStore
	procs    Liveness
	bus      *events.Bus
	interval time.Duration
	retries  int
	logger   *slog.Logger
}

// New creates an engine. interval is the periodic sweep cadence; retries
// bounds synchronous store retries before a read degrades.
func New(s SessionStore, procs Liveness, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    s,
		procs:    procs,
		bus:      bus,
		interval: interval,
		retries:  3,
		logger:   logger,
	}
}

// startupGrace covers the window between a session record being created
// and its process id landing in the store. A running record younger than
// this with no process id is mid-start, not orphaned.
const startupGrace = 2 * time.Second

// Reconcile checks one session against process liveness and demotes it to
// completed if its process is dead or was never recorded. Returns the
// session as it should be presented to the caller. Idempotent: racing a
// kill-triggered status write is harmless because both paths go through
// the store's monotonic compare-and-set.
func (e *Engine) Reconcile(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess.Status != models.SessionStatusRunning {
		return sess, nil
	}
	if sess.ProcessID != "" && e.procs.IsAlive(sess.ProcessID) {
		return sess, nil
	}
	if sess.ProcessID == "" && time.Since(sess.CreatedAt) < startupGrace {
		return sess, nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		err := e.store.SetSessionStatus(ctx, sess.ID, models.SessionStatusCompleted, nil)
		if err == nil || errors.Is(err, store.ErrInvalidTransition) {
			// Either we demoted it, or another path already landed a
			// terminal status. Re-read for the authoritative record.
			fresh, gerr := e.store.GetSession(ctx, sess.ID)
			if gerr != nil {
				lastErr = gerr
				continue
			}
			if err == nil {
				e.logger.Info("demoted orphaned session", "session", sess.ID, "process", sess.ProcessID)
				if e.bus != nil {
					e.bus.Publish(events.Event{
						Type:      events.StatusReconciled,
						SessionID: sess.ID,
						Status:    fresh.Status,
					})
				}
			}
			return fresh, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}

	// Never report a dead session as running: surface the staleness
	// explicitly instead.
	e.logger.Warn("reconciliation failed", "session", sess.ID, "error", lastErr)
	return sess, fmt.Errorf("session %s: %w", sess.ID, ErrDegraded)
}

// Get fetches a session and reconciles it before returning.
func (e *Engine) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Reconcile(ctx, sess)
}

// List fetches sessions and reconciles every running one.
func (e *Engine) List(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error) {
	sessions, err := e.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(sessions))
	for _, sess := range sessions {
		reconciled, err := e.Reconcile(ctx, sess)
		if errors.Is(err, ErrDegraded) {
			// Keep the last-good record; the caller re-polls.
			reconciled = sess
		} else if err != nil {
			return nil, err
		}
		out = append(out, reconciled)
	}
	return out, nil
}

// Tick sweeps all running sessions once. Failures are logged and retried
// on the next tick.
func (e *Engine) Tick(ctx context.Context) error {
	running, err := e.store.ListSessions(ctx, store.SessionListFilter{Status: models.SessionStatusRunning})
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}
	for _, sess := range running {
		if _, err := e.Reconcile(ctx, sess); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("tick reconcile failed", "session", sess.ID, "error", err)
		}
	}
	return nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Warn("reconcile tick failed", "error", err)
			}
		}
	}
}
