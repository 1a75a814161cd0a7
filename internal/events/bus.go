// Package events provides the in-process event bus connecting the process
// supervisor and reconciler to push consumers (SSE stream, session manager).
package events

import (
	"log/slog"
	"sync"

	"github.com/joescharf/crew/internal/models"
)

// Event is a status-bearing notification about a session's process.
type Event struct {
	Type      Type                 `json:"type"`
	SessionID string               `json:"session_id"`
	ProcessID string               `json:"process_id,omitempty"`
	Status    models.SessionStatus `json:"status,omitempty"`
	ExitCode  *int                 `json:"exit_code,omitempty"`
}

// Type identifies the kind of event.
type Type string

const (
	ProcessStarted   Type = "process_started"
	ProcessExited    Type = "process_exited"
	StatusReconciled Type = "status_reconciled"
)

const subscriberBuffer = 64

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and is expected to re-sync by
// polling, so a stalled SSE client cannot back up the supervisor.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber. Call the returned cancel function
// to unsubscribe; the channel is closed by cancel, never by Publish.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers, dropping it for
// any subscriber that cannot keep up.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				"type", ev.Type, "session", ev.SessionID)
		}
	}
}
