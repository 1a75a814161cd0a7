package store

import (
	"context"
	"errors"

	"github.com/joescharf/crew/internal/models"
)

// Sentinel errors returned by Store implementations. Callers match with
// errors.Is; the API layer maps them to HTTP status codes.
var (
	// ErrNotFound means no session exists for the given id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition means a status write would leave a terminal
	// state. Status is monotonic: running -> completed|failed, nothing else.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTokenAlreadySet means a different resume token is already recorded.
	// Resume tokens are set-once for the life of the session.
	ErrTokenAlreadySet = errors.New("resume token already set")
)

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	Status models.SessionStatus
	Limit  int
}

// Store defines the persistence interface for crew session records.
// Implementations must provide compare-and-set semantics on status so
// that reconciliation and kill paths can race harmlessly.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)

	// SetSessionStatus transitions a session to a terminal status. Writing
	// the status a session already has is a no-op; any other transition
	// out of a terminal state returns ErrInvalidTransition. exitCode is
	// recorded alongside and completed_at is stamped.
	SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, exitCode *int) error

	// SetResumeToken records the token the agent CLI needs to resume this
	// conversation. Set-once: a second write with a different token
	// returns ErrTokenAlreadySet.
	SetResumeToken(ctx context.Context, id, token string) error

	// SetSessionProcess records the most recent process id spawned for the
	// session.
	SetSessionProcess(ctx context.Context, id, processID string) error

	// AppendSessionEntity links an entity to the session. Idempotent union:
	// duplicates of the same (kind, number) collapse, insertion order is
	// preserved.
	AppendSessionEntity(ctx context.Context, id string, e models.EntityRef) error
	RemoveSessionEntity(ctx context.Context, id string, e models.EntityRef) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
