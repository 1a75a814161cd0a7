// Package apiclient is the CLI's client for the crew daemon API. It owns
// the client-local pending-linkage cache that bridges the gap between
// "session created" and the authoritative linked record becoming visible.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joescharf/crew/internal/models"
)

// Typed client-side errors, reconstructed from the API error code so the
// CLI can pick exit codes without string matching.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("already running")
	ErrSpawn          = errors.New("spawn failed")
	ErrNotResumable   = errors.New("not resumable")
	ErrUnreachable    = errors.New("daemon not reachable")
)

// Session is a session record as returned by the daemon, with the
// staleness flag from degraded reconciliation.
type Session struct {
	models.Session
	Stale bool `json:"stale,omitempty"`
}

// Client talks to a running crew daemon.
type Client struct {
	base    string
	http    *http.Client
	pending *PendingLinkage
}

// New creates a client for the daemon at baseURL (e.g. http://127.0.0.1:7333).
func New(baseURL string) *Client {
	return &Client{
		base:    baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		pending: NewPendingLinkage(30 * time.Second),
	}
}

// StartRequest is the body of POST /api/v1/sessions.
type StartRequest struct {
	Entity     *models.EntityRef `json:"entity,omitempty"`
	ResumeFrom string            `json:"resume_from,omitempty"`
}

// Start launches a session, optionally linked to an entity or continuing a
// prior session. The entity is recorded in the pending cache immediately so
// dependent state is correct before the authoritative record lands.
func (c *Client) Start(ctx context.Context, entity *models.EntityRef, resumeFrom string) (*Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", StartRequest{Entity: entity, ResumeFrom: resumeFrom}, &sess)
	if err != nil {
		return nil, err
	}
	if entity != nil {
		c.pending.Put(sess.ID, *entity)
	}
	c.pending.Observe(&sess.Session)
	return &sess, nil
}

// Get fetches one session, reconciled server-side.
func (c *Client) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+id, nil, &sess); err != nil {
		return nil, err
	}
	c.pending.Observe(&sess.Session)
	return &sess, nil
}

// List fetches sessions, newest first. A zero limit means no limit.
func (c *Client) List(ctx context.Context, status models.SessionStatus, limit int) ([]*Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*Session
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for _, sess := range out {
		c.pending.Observe(&sess.Session)
	}
	return out, nil
}

// Kill terminates the session's process. Idempotent: killing an
// already-dead session succeeds.
func (c *Client) Kill(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/kill", nil, nil)
}

// Link attaches an entity to a session.
func (c *Client) Link(ctx context.Context, id string, e models.EntityRef) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/entities", e, nil)
}

// Unlink removes an entity from a session.
func (c *Client) Unlink(ctx context.Context, id string, e models.EntityRef) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+id+"/entities", e, nil)
}

// EntityFor answers "which entity is this session about", preferring the
// authoritative record and falling back to the pending cache during the
// creation gap.
func (c *Client) EntityFor(sess *Session) (models.EntityRef, bool) {
	return c.pending.EntityFor(&sess.Session)
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}

	switch body.Code {
	case "not_found":
		return fmt.Errorf("%w: %s", ErrNotFound, body.Error)
	case "already_running":
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, body.Error)
	case "spawn_error":
		return fmt.Errorf("%w: %s", ErrSpawn, body.Error)
	case "not_resumable":
		return fmt.Errorf("%w: %s", ErrNotResumable, body.Error)
	default:
		return errors.New(body.Error)
	}
}
