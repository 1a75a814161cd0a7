package apiclient

import (
	"sync"
	"time"

	"github.com/joescharf/crew/internal/models"
)

// PendingLinkage bridges the gap between a session-start response and the
// authoritative session record with its entity linkage becoming visible.
// It is a best-effort, self-expiring client cache, never a write path for
// authoritative state: once a session reports linked entities, the pending
// entry is dropped and the authoritative value always wins.
type PendingLinkage struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	ttl     time.Duration
	now     func() time.Time
}

type pendingEntry struct {
	entity  models.EntityRef
	addedAt time.Time
}

// NewPendingLinkage creates a cache whose entries expire after ttl.
func NewPendingLinkage(ttl time.Duration) *PendingLinkage {
	return &PendingLinkage{
		entries: make(map[string]pendingEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put records the entity a freshly started session is about.
func (p *PendingLinkage) Put(sessionID string, e models.EntityRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[sessionID] = pendingEntry{entity: e, addedAt: p.now()}
}

// Observe processes an authoritative session record: the instant the record
// carries entity linkage, the pending entry is deleted.
func (p *PendingLinkage) Observe(sess *models.Session) {
	if sess == nil || len(sess.Entities) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, sess.ID)
}

// EntityFor resolves the entity for a session, authoritative record first.
// During the creation gap the pending entry answers instead; expired
// entries are swept on access.
func (p *PendingLinkage) EntityFor(sess *models.Session) (models.EntityRef, bool) {
	if sess != nil && len(sess.Entities) > 0 {
		p.Observe(sess)
		return sess.Entities[0], true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sess == nil {
		return models.EntityRef{}, false
	}
	entry, ok := p.entries[sess.ID]
	if !ok {
		return models.EntityRef{}, false
	}
	if p.now().Sub(entry.addedAt) > p.ttl {
		delete(p.entries, sess.ID)
		return models.EntityRef{}, false
	}
	return entry.entity, true
}

// Len reports the number of live entries (expired ones included until
// swept).
func (p *PendingLinkage) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
