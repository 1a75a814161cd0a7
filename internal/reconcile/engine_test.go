package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/events"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// mockStore implements SessionStore in memory with injectable failures.
type mockStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	failSet  int // SetSessionStatus fails this many times before succeeding
}

func newMockStore() *mockStore {
	return &mockStore{sessions: make(map[string]*models.Session)}
}

func (m *mockStore) add(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *mockStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) ListSessions(_ context.Context, filter store.SessionListFilter) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) SetSessionStatus(_ context.Context, id string, status models.SessionStatus, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet > 0 {
		m.failSet--
		return errors.New("store unavailable")
	}
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.Status == status {
		return nil
	}
	if s.Status != models.SessionStatusRunning {
		return store.ErrInvalidTransition
	}
	s.Status = status
	s.ExitCode = exitCode
	now := time.Now().UTC()
	s.CompletedAt = &now
	return nil
}

// fakeLiveness answers liveness from a fixed set.
type fakeLiveness struct {
	mu    sync.Mutex
	alive map[string]bool
}

func (f *fakeLiveness) IsAlive(processID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[processID]
}

func TestReconcileLeavesLiveSessionAlone(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "p1"})
	procs := &fakeLiveness{alive: map[string]bool{"p1": true}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
}

func TestReconcileDemotesDeadProcess(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "p1"})
	procs := &fakeLiveness{alive: map[string]bool{}}
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	e := New(ms, procs, bus, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	select {
	case ev := <-ch:
		assert.Equal(t, events.StatusReconciled, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, models.SessionStatusCompleted, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no reconciled event")
	}
}

func TestReconcileDemotesSessionWithNoProcessOnRecord(t *testing.T) {
	// An old running record with no process id at all: the daemon died
	// mid-start and never came back for it.
	ms := newMockStore()
	ms.add(&models.Session{
		ID:        "s1",
		Status:    models.SessionStatusRunning,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
}

func TestReconcileSparesSessionStillStarting(t *testing.T) {
	// Between record creation and the process id landing in the store, a
	// running record legitimately has no process id; a sweep hitting that
	// window must leave it alone.
	ms := newMockStore()
	ms.add(&models.Session{
		ID:        "s1",
		Status:    models.SessionStatusRunning,
		CreatedAt: time.Now().UTC(),
	})
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
}

func TestReconcileIgnoresTerminalSessions(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusFailed})
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
}

func TestReconcileRetriesThenSucceeds(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "p1"})
	ms.failSet = 2 // transient store failures
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
}

func TestReconcileDegradesAfterBoundedRetries(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "p1"})
	ms.failSet = 100 // store stays down
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrDegraded)
	// Last-good status comes back with the degraded error, never a silent
	// wrong answer.
	require.NotNil(t, got)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
}

func TestReconcileRacesKillPathHarmlessly(t *testing.T) {
	// A kill-triggered write already landed "failed"; the reconciler's
	// demotion must defer to it rather than error.
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "p1"})
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	stale := &models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "p1"}
	code := 1
	require.NoError(t, ms.SetSessionStatus(context.Background(), "s1", models.SessionStatusFailed, &code))

	got, err := e.Reconcile(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
}

func TestTickConvergesAllRunning(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "dead1"})
	ms.add(&models.Session{ID: "s2", Status: models.SessionStatusRunning, ProcessID: "live1"})
	ms.add(&models.Session{ID: "s3", Status: models.SessionStatusCompleted})
	procs := &fakeLiveness{alive: map[string]bool{"live1": true}}
	e := New(ms, procs, nil, time.Second, nil)

	require.NoError(t, e.Tick(context.Background()))

	s1, _ := ms.GetSession(context.Background(), "s1")
	s2, _ := ms.GetSession(context.Background(), "s2")
	assert.Equal(t, models.SessionStatusCompleted, s1.Status)
	assert.Equal(t, models.SessionStatusRunning, s2.Status)
}

func TestListReconcilesRunningEntries(t *testing.T) {
	ms := newMockStore()
	ms.add(&models.Session{ID: "s1", Status: models.SessionStatusRunning, ProcessID: "dead1"})
	procs := &fakeLiveness{alive: map[string]bool{}}
	e := New(ms, procs, nil, time.Second, nil)

	got, err := e.List(context.Background(), store.SessionListFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SessionStatusCompleted, got[0].Status)
}
