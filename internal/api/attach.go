package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/reconcile"
	"github.com/joescharf/crew/internal/relay"
)

// attachSession upgrades the connection to a websocket and bridges it onto
// the session's relay channel. A session whose process died between the
// client's last status read and this call gets a plain 404; clients treat
// that the same as an ended frame.
func (s *Server) attachSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.engine.Get(r.Context(), id)
	if err != nil && !errors.Is(err, reconcile.ErrDegraded) {
		s.writeDomainError(w, err)
		return
	}
	if sess.Status != models.SessionStatusRunning || sess.ProcessID == "" {
		writeError(w, http.StatusNotFound, CodeNotFound, "session is not running")
		return
	}

	sub, err := s.relay.Attach(sess.ProcessID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.relay.Detach(sess.ProcessID, sub)
		return
	}

	s.logger.Info("client attached", "session", id, "process", sess.ProcessID)
	go s.attachWritePump(conn, sess.ProcessID, sub)
	s.attachReadPump(conn, sess.ProcessID, sub)
}

// attachWritePump forwards relay frames to the websocket until the
// subscriber is closed, then drains the queue so the ended frame (already
// enqueued before close) still reaches the client.
func (s *Server) attachWritePump(conn *websocket.Conn, processID string, sub *relay.Subscriber) {
	defer func() { _ = conn.Close() }()

	writeFrame := func(f relay.Frame) bool {
		if err := conn.WriteJSON(f); err != nil {
			s.relay.Detach(processID, sub)
			return false
		}
		return true
	}

	for {
		select {
		case f := <-sub.Frames():
			if !writeFrame(f) {
				return
			}
			if f.Type == relay.FrameEnded {
				return
			}
		case <-sub.Done():
			// Drain whatever was queued before the close.
			for {
				select {
				case f := <-sub.Frames():
					if !writeFrame(f) {
						return
					}
					if f.Type == relay.FrameEnded {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// attachReadPump forwards client input and resize frames to the relay.
// Write failures against a dead process are logged inside the relay, not
// surfaced: the client learns the truth from the ended frame.
func (s *Server) attachReadPump(conn *websocket.Conn, processID string, sub *relay.Subscriber) {
	defer s.relay.Detach(processID, sub)
	for {
		var f relay.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case relay.FrameInput:
			s.relay.Write(processID, f.Data)
		case relay.FrameResize:
			s.relay.Resize(processID, f.Rows, f.Cols)
		default:
			s.logger.Debug("unexpected client frame", "type", f.Type)
		}
	}
}
