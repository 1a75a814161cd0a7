package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/apiclient"
	"github.com/joescharf/crew/internal/events"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/reconcile"
	"github.com/joescharf/crew/internal/relay"
	"github.com/joescharf/crew/internal/sessions"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/supervisor"
)

type testHarness struct {
	ts     *httptest.Server
	client *apiclient.Client
	store  store.Store
}

// newTestHarness wires the full daemon stack behind an httptest server.
// When runManager is false, process exits are left for the reconciler to
// discover, which is how orphaned "running" records happen in production.
func newTestHarness(t *testing.T, agent sessions.AgentConfig, runManager bool) *testHarness {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "crew.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(nil)
	sup := supervisor.New(bus, 2*time.Second, nil)
	reg := relay.NewRegistry(relay.Options{}, nil)

	mgr, err := sessions.NewManager(s, sup, reg, bus, agent, nil)
	require.NoError(t, err)

	engine := reconcile.New(s, sup, bus, time.Second, nil)
	srv := NewServer(engine, mgr, reg, bus, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	if runManager {
		go mgr.Run(ctx)
	}
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		sup.Shutdown(shutdownCtx)
		cancel()
	})

	return &testHarness{ts: ts, client: apiclient.New(ts.URL), store: s}
}

func (h *testHarness) waitStatus(t *testing.T, id string, want models.SessionStatus) *apiclient.Session {
	t.Helper()
	var got *apiclient.Session
	require.Eventually(t, func() bool {
		sess, err := h.client.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = sess
		return sess.Status == want
	}, 10*time.Second, 25*time.Millisecond, "session %s never reached %s", id, want)
	return got
}

func TestStartAndGetSession(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, true)
	ctx := context.Background()

	entity := models.EntityRef{Kind: models.EntityKindIssue, Number: 7}
	sess, err := h.client.Start(ctx, &entity, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.Equal(t, []models.EntityRef{entity}, sess.Entities)

	got, ok := h.client.EntityFor(sess)
	require.True(t, ok)
	assert.Equal(t, entity, got)

	done := h.waitStatus(t, sess.ID, models.SessionStatusCompleted)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
}

func TestGetUnknownSession(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh"}, true)

	_, err := h.client.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
}

func TestStartSpawnErrorSurfaces(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "definitely-not-a-real-binary-xyz"}, true)

	_, err := h.client.Start(context.Background(), nil, "")
	assert.ErrorIs(t, err, apiclient.ErrSpawn)
}

func TestStartResumeNotResumable(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)
	h.waitStatus(t, sess.ID, models.SessionStatusCompleted)

	_, err = h.client.Start(ctx, nil, sess.ID)
	assert.ErrorIs(t, err, apiclient.ErrNotResumable)
}

func TestStartResumeWhileRunningConflicts(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "sleep 60"}}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.store.SetResumeToken(ctx, sess.ID, "tok"))

	_, err = h.client.Start(ctx, nil, sess.ID)
	assert.ErrorIs(t, err, apiclient.ErrAlreadyRunning)

	require.NoError(t, h.client.Kill(ctx, sess.ID))
}

func TestKillIdempotent(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "sleep 60"}}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)

	require.NoError(t, h.client.Kill(ctx, sess.ID))
	h.waitStatus(t, sess.ID, models.SessionStatusFailed)

	// Second kill of a dead session still succeeds.
	assert.NoError(t, h.client.Kill(ctx, sess.ID))

	// Unknown ids are a 404.
	assert.ErrorIs(t, h.client.Kill(ctx, "nope"), apiclient.ErrNotFound)
}

func TestLinkUnlinkEntities(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)
	h.waitStatus(t, sess.ID, models.SessionStatusCompleted)

	pr := models.EntityRef{Kind: models.EntityKindPR, Number: 3}
	require.NoError(t, h.client.Link(ctx, sess.ID, pr))

	got, err := h.client.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityRef{pr}, got.Entities)

	require.NoError(t, h.client.Unlink(ctx, sess.ID, pr))
	got, err = h.client.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Entities)
}

func TestListSessionsFilterAndLimit(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, true)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := h.client.Start(ctx, nil, "")
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	for _, id := range ids {
		h.waitStatus(t, id, models.SessionStatusCompleted)
	}

	all, err := h.client.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := h.client.List(ctx, models.SessionStatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	running, err := h.client.List(ctx, models.SessionStatusRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, running)

	limited, err := h.client.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReconciliationConvergesOrphanedSession(t *testing.T) {
	// Without the manager's exit consumer, a finished process leaves the
	// record "running" — exactly the stale-status case. The reconciled
	// read must converge it.
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, false)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)

	got := h.waitStatus(t, sess.ID, models.SessionStatusCompleted)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)

	// The raw store agrees afterwards: reconciliation wrote it back.
	raw, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, raw.Status)
}

func TestAttachEchoAndEndedFrame(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "cat"}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)

	stream, err := h.client.Attach(ctx, sess.ID)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.NoError(t, stream.SendInput([]byte("ping\r")))
	require.NoError(t, stream.SendResize(40, 120))

	// The PTY echoes input back through the output stream.
	var out []byte
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(string(out), "ping") {
		require.True(t, time.Now().Before(deadline), "echo never arrived, got %q", out)
		f, err := stream.ReadFrame()
		require.NoError(t, err)
		if f.Type == relay.FrameOutput {
			out = append(out, f.Data...)
		}
	}

	// Killing the session ends the stream with a terminal frame.
	require.NoError(t, h.client.Kill(ctx, sess.ID))
	for {
		f, err := stream.ReadFrame()
		require.NoError(t, err)
		if f.Type == relay.FrameEnded {
			require.NotNil(t, f.ExitCode)
			break
		}
	}
}

func TestAttachReplaysBufferedOutput(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "echo backlog; sleep 60"}}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)
	defer func() { _ = h.client.Kill(ctx, sess.ID) }()

	// First attach observes the line live, then disconnects.
	readUntil := func(stream *apiclient.AttachStream, want string) {
		t.Helper()
		var out []byte
		deadline := time.Now().Add(10 * time.Second)
		for !strings.Contains(string(out), want) {
			require.True(t, time.Now().Before(deadline), "never saw %q, got %q", want, out)
			f, err := stream.ReadFrame()
			require.NoError(t, err)
			if f.Type == relay.FrameOutput {
				out = append(out, f.Data...)
			}
		}
	}

	first, err := h.client.Attach(ctx, sess.ID)
	require.NoError(t, err)
	readUntil(first, "backlog")
	require.NoError(t, first.Close())

	// A later attach replays the buffered history before live bytes.
	second, err := h.client.Attach(ctx, sess.ID)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	readUntil(second, "backlog")
}

func TestAttachDeadSessionNotFound(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, true)
	ctx := context.Background()

	sess, err := h.client.Start(ctx, nil, "")
	require.NoError(t, err)
	h.waitStatus(t, sess.ID, models.SessionStatusCompleted)

	_, err = h.client.Attach(ctx, sess.ID)
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
}

func TestEventsStream(t *testing.T) {
	h := newTestHarness(t, sessions.AgentConfig{Command: "sh", Args: []string{"-c", "exit 0"}}, true)
	ctx := context.Background()

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = h.client.Start(ctx, nil, "")
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var seen []string
	deadline := time.After(10 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				seen = append(seen, line)
				if len(seen) >= 2 {
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("timed out waiting for events")
	}

	assert.Contains(t, seen[0], "process_started")
	assert.Contains(t, seen[1], "process_exited")
}
