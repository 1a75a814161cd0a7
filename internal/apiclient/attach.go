package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/joescharf/crew/internal/relay"
)

// AttachStream is a live duplex connection to one session's terminal.
type AttachStream struct {
	conn *websocket.Conn
}

// Attach opens the websocket attach channel for a session. The server
// replays recently buffered output before live bytes, so reconnecting is
// lossless for recent history.
func (c *Client) Attach(ctx context.Context, id string) (*AttachStream, error) {
	wsBase := strings.Replace(c.base, "http", "ws", 1)
	url := wsBase + "/api/v1/sessions/" + id + "/attach"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			// Same meaning as an ended frame: the session is no longer
			// live, go re-fetch it.
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &AttachStream{conn: conn}, nil
}

// ReadFrame reads the next frame from the server.
func (s *AttachStream) ReadFrame() (relay.Frame, error) {
	var f relay.Frame
	err := s.conn.ReadJSON(&f)
	return f, err
}

// SendInput forwards keystrokes to the session's stdin.
func (s *AttachStream) SendInput(p []byte) error {
	return s.conn.WriteJSON(relay.Frame{Type: relay.FrameInput, Data: p})
}

// SendResize forwards the local terminal size.
func (s *AttachStream) SendResize(rows, cols uint16) error {
	return s.conn.WriteJSON(relay.Frame{Type: relay.FrameResize, Rows: rows, Cols: cols})
}

// Close closes the websocket.
func (s *AttachStream) Close() error {
	return s.conn.Close()
}
