// Package supervisor owns the live table of PTY-backed agent subprocesses.
// It is the single source of truth for whether a session's process is
// actually alive.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/joescharf/crew/internal/events"
)

// ErrAlreadyRunning means a live process already exists for the target
// session. Callers that want to replace it must Kill first.
var ErrAlreadyRunning = errors.New("session already has a running process")

// SpawnError wraps a failure to start the agent subprocess (missing binary,
// bad working directory, resource limits).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// SpawnOptions configures a subprocess launch.
type SpawnOptions struct {
	Command string
	Args    []string
	Dir     string

	// OnStarted, when set, runs after the process is registered but before
	// the exit watcher starts. The session manager uses it to open the
	// relay channel, so even a process that exits immediately has its
	// output pump in place before the exit can be observed.
	OnStarted func(*Handle)
}

// Handle wraps one live subprocess bound to a pseudo-terminal. Handles are
// ephemeral and never persisted; the process id is unique only while the
// handle is alive.
type Handle struct {
	processID string
	sessionID string

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	// drained closes when a reader has consumed the PTY to EOF. pumped
	// records whether such a reader exists at all.
	drained   chan struct{}
	drainOnce sync.Once
	pumped    bool

	exitCode int
}

// ID returns the process id.
func (h *Handle) ID() string { return h.processID }

// SessionID returns the session this process was spawned for.
func (h *Handle) SessionID() string { return h.sessionID }

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Read reads raw output bytes from the pseudo-terminal. A read error from
// the master means the subprocess side is gone and the kernel buffer has
// been fully consumed.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		h.markDrained()
		return 0, os.ErrClosed
	}
	n, err := ptmx.Read(p)
	if err != nil {
		if n > 0 {
			// Deliver the data first; the next read surfaces the error
			// and signals the drain.
			return n, nil
		}
		h.markDrained()
	}
	return n, err
}

func (h *Handle) markDrained() {
	h.drainOnce.Do(func() { close(h.drained) })
}

// Write forwards input bytes to the subprocess's stdin.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return 0, os.ErrClosed
	}
	return ptmx.Write(p)
}

// Resize applies a terminal resize to the PTY.
func (h *Handle) Resize(rows, cols uint16) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return os.ErrClosed
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Supervisor starts, monitors and kills PTY subprocess handles. At most one
// live handle exists per session id at any instant; Spawn enforces this
// under the table lock.
type Supervisor struct {
	mu        sync.Mutex
	byProc    map[string]*Handle
	bySession map[string]*Handle

	grace  time.Duration
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a supervisor. grace bounds how long Kill waits between
// SIGTERM and SIGKILL.
func New(bus *events.Bus, grace time.Duration, logger *slog.Logger) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		byProc:    make(map[string]*Handle),
		bySession: make(map[string]*Handle),
		grace:     grace,
		bus:       bus,
		logger:    logger,
	}
}

// Spawn starts a subprocess on a fresh PTY for the given session and
// registers it in the live table. Returns ErrAlreadyRunning if a live
// handle already exists for the session, or a *SpawnError if the command
// cannot be started.
func (s *Supervisor) Spawn(ctx context.Context, sessionID string, opts SpawnOptions) (*Handle, error) {
	h := &Handle{
		processID: newProcessID(),
		sessionID: sessionID,
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
	}

	// Reserve the session slot before the (slow) process start so that
	// concurrent Spawn calls for one session cannot both succeed.
	s.mu.Lock()
	if _, exists := s.bySession[sessionID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyRunning)
	}
	s.bySession[sessionID] = h
	s.byProc[h.processID] = h
	s.mu.Unlock()

	unregister := func() {
		s.mu.Lock()
		delete(s.byProc, h.processID)
		if s.bySession[sessionID] == h {
			delete(s.bySession, sessionID)
		}
		s.mu.Unlock()
	}

	path, err := exec.LookPath(opts.Command)
	if err != nil {
		unregister()
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	if opts.Dir != "" {
		if info, err := os.Stat(opts.Dir); err != nil || !info.IsDir() {
			unregister()
			return nil, &SpawnError{Command: opts.Command, Err: fmt.Errorf("working directory does not exist: %s", opts.Dir)}
		}
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		unregister()
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	h.mu.Lock()
	h.cmd = cmd
	h.ptmx = ptmx
	h.pumped = opts.OnStarted != nil
	h.mu.Unlock()

	if opts.OnStarted != nil {
		opts.OnStarted(h)
	}

	// Started is published before the exit watcher exists, so no
	// subscriber can ever observe this process's exit first.
	s.logger.Info("process started", "process", h.processID, "session", sessionID, "command", opts.Command)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.ProcessStarted, SessionID: sessionID, ProcessID: h.processID})
	}

	go s.waitLoop(h)
	return h, nil
}

// Kill terminates the process with SIGTERM, escalating to SIGKILL after the
// grace period. Killing an unknown or already-dead process id is a no-op so
// that "continue" + immediate "abort" races resolve cleanly.
func (s *Supervisor) Kill(processID string) error {
	s.mu.Lock()
	h, ok := s.byProc[processID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// SIGTERM first; closing the PTY on exit also delivers SIGHUP.
	_ = cmd.Process.Signal(syscall.SIGTERM)

	go func() {
		select {
		case <-h.done:
		case <-time.After(s.grace):
			s.logger.Warn("process did not exit in grace period, killing", "process", processID)
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

// KillSession kills the live process for a session, if any.
func (s *Supervisor) KillSession(sessionID string) error {
	if pid, ok := s.LiveProcess(sessionID); ok {
		return s.Kill(pid)
	}
	return nil
}

// IsAlive reports whether a live handle exists for the process id. O(1),
// never blocks on the subprocess.
func (s *Supervisor) IsAlive(processID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byProc[processID]
	return ok
}

// LiveProcess returns the live process id for a session, if any.
func (s *Supervisor) LiveProcess(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.bySession[sessionID]
	if !ok {
		return "", false
	}
	return h.processID, true
}

// Shutdown kills every live process and waits for the exit watchers, up to
// the context deadline.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.byProc))
	for _, h := range s.byProc {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = s.Kill(h.processID)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}

// drainTimeout bounds how long an exited process's handle waits for its
// output reader before the master is closed anyway.
const drainTimeout = 5 * time.Second

// waitLoop is the per-process exit watcher: it reaps the subprocess,
// waits for the output reader to drain the PTY, removes the process from
// the live table and publishes ProcessExited.
func (s *Supervisor) waitLoop(h *Handle) {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	// The kernel PTY buffer may still hold the tail of a final output
	// burst. Closing the master now would discard it, so wait until the
	// reader hits EOF before tearing the terminal down.
	if h.pumped {
		select {
		case <-h.drained:
		case <-time.After(drainTimeout):
			s.logger.Warn("output not drained before timeout", "process", h.processID)
		}
	}

	h.mu.Lock()
	h.exitCode = code
	if h.ptmx != nil {
		_ = h.ptmx.Close()
		h.ptmx = nil
	}
	h.mu.Unlock()

	s.mu.Lock()
	delete(s.byProc, h.processID)
	if s.bySession[h.sessionID] == h {
		delete(s.bySession, h.sessionID)
	}
	s.mu.Unlock()

	close(h.done)

	s.logger.Info("process exited", "process", h.processID, "session", h.sessionID, "exitCode", code)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.ProcessExited,
			SessionID: h.sessionID,
			ProcessID: h.processID,
			ExitCode:  &code,
		})
	}
}

func newProcessID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "p_" + hex.EncodeToString(b)
}
