// Package sessions orchestrates session records, agent subprocesses and the
// terminal relay: starting (and continuing) sessions, killing them, and
// linking them to the issues and pull requests they are about.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/joescharf/crew/internal/events"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/relay"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/supervisor"
)

// ErrNotResumable means the session to continue never produced a resume
// token, so the agent CLI has no conversation checkpoint to pick up.
var ErrNotResumable = errors.New("session has no resume token")

// AgentConfig describes how to launch the agent CLI.
type AgentConfig struct {
	// Command is the agent binary, e.g. "claude".
	Command string
	// Args are passed on every launch.
	Args []string
	// Dir is the working directory (the repository checkout).
	Dir string
	// ResumeFlag is appended with the resume token when continuing,
	// e.g. "--resume".
	ResumeFlag string
	// TokenPattern is a regexp with one capture group matching the resume
	// token in the agent's output stream.
	TokenPattern string
}

// Manager is the entity linkage resolver and session lifecycle front-end.
type Manager struct {
	store   store.Store
	sup     *supervisor.Supervisor
	relay   *relay.Registry
	bus     *events.Bus
	agent   AgentConfig
	tokenRe *regexp.Regexp
	logger  *slog.Logger
}

// NewManager creates a manager. TokenPattern must compile and contain a
// capture group when set.
func NewManager(s store.Store, sup *supervisor.Supervisor, r *relay.Registry, bus *events.Bus, agent AgentConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  s,
		sup:    sup,
		relay:  r,
		bus:    bus,
		agent:  agent,
		logger: logger,
	}
	if agent.TokenPattern != "" {
		re, err := regexp.Compile(agent.TokenPattern)
		if err != nil {
			return nil, fmt.Errorf("compile token pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("token pattern needs a capture group: %s", agent.TokenPattern)
		}
		m.tokenRe = re
	}
	return m, nil
}

// StartOptions configures a session start.
type StartOptions struct {
	// Entity, when known up front, is linked at creation time.
	Entity *models.EntityRef
	// ResumeFrom continues the conversation of a prior session in a new
	// record chained by lineage root.
	ResumeFrom string
}

// Start creates a session record and spawns its agent process. When
// resuming, the new session inherits the predecessor's lineage root and the
// agent is launched with the predecessor's resume token. A spawn failure
// marks the freshly created record failed and returns the spawn error.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*models.Session, error) {
	var lineageRoot, token string
	if opts.ResumeFrom != "" {
		prior, err := m.store.GetSession(ctx, opts.ResumeFrom)
		if err != nil {
			return nil, err
		}
		if prior.ResumeToken == "" {
			return nil, fmt.Errorf("session %s: %w", prior.ID, ErrNotResumable)
		}
		if _, live := m.sup.LiveProcess(prior.ID); live {
			return nil, fmt.Errorf("session %s: %w", prior.ID, supervisor.ErrAlreadyRunning)
		}
		token = prior.ResumeToken
		lineageRoot = prior.LineageRoot
		if lineageRoot == "" {
			lineageRoot = prior.ID
		}
	}

	sess := &models.Session{LineageRoot: lineageRoot}
	if opts.Entity != nil {
		sess.Entities = []models.EntityRef{*opts.Entity}
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	args := slices.Clone(m.agent.Args)
	if token != "" {
		args = append(args, m.agent.ResumeFlag, token)
	}

	h, err := m.sup.Spawn(ctx, sess.ID, supervisor.SpawnOptions{
		Command: m.agent.Command,
		Args:    args,
		Dir:     m.agent.Dir,
		// The relay channel must be registered before the exit watcher
		// starts: a process that exits instantly would otherwise have its
		// teardown run first and leave the channel behind forever.
		OnStarted: func(h *supervisor.Handle) {
			m.relay.Open(h.ID(), h, m.tokenScanner(sess.ID))
		},
	})
	if err != nil {
		if serr := m.store.SetSessionStatus(ctx, sess.ID, models.SessionStatusFailed, nil); serr != nil {
			m.logger.Error("failed to mark session failed after spawn error", "session", sess.ID, "error", serr)
		}
		return nil, err
	}

	if err := m.store.SetSessionProcess(ctx, sess.ID, h.ID()); err != nil {
		m.logger.Error("failed to record process id", "session", sess.ID, "error", err)
	}

	return m.store.GetSession(ctx, sess.ID)
}

// Kill terminates the session's live process, if any. Safe to call on
// already-dead sessions: "continue" + immediate "abort" races resolve as a
// no-op, and the status update lands via the exit watcher.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return m.sup.KillSession(sessionID)
}

// LinkEntity attaches an entity to the session. Legal in any status:
// history stays editable after completion. Re-linking an already linked
// entity is a no-op and keeps its original position.
func (m *Manager) LinkEntity(ctx context.Context, sessionID string, e models.EntityRef) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.HasEntity(e) {
		return nil
	}
	return m.store.AppendSessionEntity(ctx, sessionID, e)
}

// UnlinkEntity removes an entity from the session.
func (m *Manager) UnlinkEntity(ctx context.Context, sessionID string, e models.EntityRef) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return m.store.RemoveSessionEntity(ctx, sessionID, e)
}

// Run consumes process exit events until the context is cancelled: each
// exit lands the terminal status (completed on zero, failed otherwise) and
// tears down the relay channel with the ended frame.
func (m *Manager) Run(ctx context.Context) {
	ch, cancel := m.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != events.ProcessExited {
				continue
			}
			m.handleExit(ctx, ev)
		}
	}
}

func (m *Manager) handleExit(ctx context.Context, ev events.Event) {
	code := 0
	if ev.ExitCode != nil {
		code = *ev.ExitCode
	}
	status := models.SessionStatusCompleted
	if code != 0 {
		status = models.SessionStatusFailed
	}
	err := m.store.SetSessionStatus(ctx, ev.SessionID, status, ev.ExitCode)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		m.logger.Error("failed to record exit status", "session", ev.SessionID, "error", err)
	}
	m.relay.Close(ev.ProcessID, code)
}

// tokenScanner returns a relay output scanner that captures the agent's
// resume token the first time it appears and records it set-once.
func (m *Manager) tokenScanner(sessionID string) func([]byte) {
	if m.tokenRe == nil {
		return nil
	}
	const tailMax = 4096
	var tail []byte
	found := false
	return func(p []byte) {
		if found {
			return
		}
		tail = append(tail, p...)
		if len(tail) > tailMax {
			tail = tail[len(tail)-tailMax:]
		}
		match := m.tokenRe.FindSubmatch(tail)
		if match == nil {
			return
		}
		found = true
		token := string(match[1])
		err := m.store.SetResumeToken(context.Background(), sessionID, token)
		if err != nil && !errors.Is(err, store.ErrTokenAlreadySet) {
			m.logger.Warn("failed to record resume token", "session", sessionID, "error", err)
			return
		}
		m.logger.Info("captured resume token", "session", sessionID)
	}
}
