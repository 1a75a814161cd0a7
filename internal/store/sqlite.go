package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/crew/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusRunning
	}
	// A session with no predecessor roots its own lineage.
	if sess.LineageRoot == "" {
		sess.LineageRoot = sess.ID
	}
	sess.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, resume_token, lineage_root, process_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), sess.ResumeToken, sess.LineageRoot, sess.ProcessID, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	for _, e := range sess.Entities {
		if err := s.AppendSessionEntity(ctx, sess.ID, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{}
	var status string
	var exitCode sql.NullInt64
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, resume_token, lineage_root, process_id, exit_code, created_at, completed_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &status, &sess.ResumeToken, &sess.LineageRoot, &sess.ProcessID,
		&exitCode, &sess.CreatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.Status = models.SessionStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}

	entities, err := s.sessionEntities(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Entities = entities
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT id, status, resume_token, lineage_root, process_id, exit_code, created_at, completed_at
		FROM sessions`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var status string
		var exitCode sql.NullInt64
		var completedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &status, &sess.ResumeToken, &sess.LineageRoot, &sess.ProcessID,
			&exitCode, &sess.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = models.SessionStatus(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			sess.ExitCode = &code
		}
		if completedAt.Valid {
			t := completedAt.Time
			sess.CompletedAt = &t
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		entities, err := s.sessionEntities(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Entities = entities
	}
	return sessions, nil
}

func (s *SQLiteStore) SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, exitCode *int) error {
	if !status.Terminal() {
		return fmt.Errorf("set status %s: %w", status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}

	// Compare-and-set: only a running session may move to a terminal state.
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, exit_code = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), code, now, id, string(models.SessionStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	// CAS missed: distinguish not-found, harmless double-write, and an
	// illegal terminal-to-terminal transition.
	var current string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("set session status %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if models.SessionStatus(current) == status {
		return nil
	}
	return fmt.Errorf("session %s is %s: %w", id, current, ErrInvalidTransition)
}

func (s *SQLiteStore) SetResumeToken(ctx context.Context, id, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token = ? WHERE id = ? AND (resume_token = '' OR resume_token = ?)`,
		token, id, token,
	)
	if err != nil {
		return fmt.Errorf("set resume token: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("set resume token: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("set resume token %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("session %s: %w", id, ErrTokenAlreadySet)
}

func (s *SQLiteStore) SetSessionProcess(ctx context.Context, id, processID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET process_id = ? WHERE id = ?", processID, id)
	if err != nil {
		return fmt.Errorf("set session process: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set session process %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendSessionEntity(ctx context.Context, id string, e models.EntityRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_entities (session_id, kind, number, position)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM session_entities WHERE session_id = ?))`,
		id, string(e.Kind), e.Number, id,
	)
	if err != nil {
		return fmt.Errorf("append session entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveSessionEntity(ctx context.Context, id string, e models.EntityRef) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_entities WHERE session_id = ? AND kind = ? AND number = ?",
		id, string(e.Kind), e.Number,
	)
	if err != nil {
		return fmt.Errorf("remove session entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) sessionEntities(ctx context.Context, id string) ([]models.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, number FROM session_entities WHERE session_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("list session entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []models.EntityRef
	for rows.Next() {
		var kind string
		var number int
		if err := rows.Scan(&kind, &number); err != nil {
			return nil, fmt.Errorf("scan session entity: %w", err)
		}
		entities = append(entities, models.EntityRef{Kind: models.EntityKind(kind), Number: number})
	}
	return entities, rows.Err()
}
