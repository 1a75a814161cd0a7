package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
// Terminal statuses never transition again.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// EntityKind identifies the kind of GitHub entity a session is linked to.
type EntityKind string

const (
	EntityKindIssue EntityKind = "issue"
	EntityKindPR    EntityKind = "pr"
)

// EntityRef identifies an issue or pull request by kind and number.
// The linkage layer never reads entity content, only identifiers.
type EntityRef struct {
	Kind   EntityKind `json:"kind"`
	Number int        `json:"number"`
}

// Session represents one agent work session. Status is authoritative only
// after reconciliation against process liveness; a session whose process
// died without notice still reads "running" from the raw store.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	ResumeToken string        `json:"resume_token,omitempty"`
	LineageRoot string        `json:"lineage_root"`
	Entities    []EntityRef   `json:"entities"`
	ProcessID   string        `json:"process_id,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// HasEntity reports whether the session is already linked to the given entity.
func (s *Session) HasEntity(e EntityRef) bool {
	for _, have := range s.Entities {
		if have == e {
			return true
		}
	}
	return false
}
