package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moma/poseflow/internal/session"
)

// wsWriteTimeout bounds one frame send so a stalled client cannot wedge the
// broadcast task indefinitely. It is longer than the slot recycle window,
// so a client stalled up to this bound can still delay other subscribers.
const wsWriteTimeout = 2 * time.Second

// handleStream upgrades to WebSocket and subscribes the connection to the
// session's frame stream. Frames go out as binary messages of exactly
// frame_bytes; the skeleton is fetched out-of-band via the REST route.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "session_id", sess.ID(), "error", err)
		return
	}

	sink := &wsSink{conn: conn}
	subID, err := sess.Subscribe(sink)
	if err != nil {
		sink.Close()
		return
	}

	slog.Info("stream subscriber connected",
		"session_id", sess.ID(),
		"subscriber_id", subID,
		"remote", r.RemoteAddr,
	)

	// Drain client messages to detect disconnects; subscribers do not speak
	// back on the frame channel.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	sess.Unsubscribe(subID)
	sink.Close()

	slog.Info("stream subscriber disconnected",
		"session_id", sess.ID(),
		"subscriber_id", subID,
	)
}

// wsSink adapts one WebSocket connection to the session.Sink contract.
type wsSink struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

// Send writes one frame as a binary message. gorilla/websocket copies the
// payload into its write buffer before returning, so the shared-memory view
// is not retained.
func (s *wsSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame and tears the connection down. Idempotent.
func (s *wsSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.conn.Close()
	})
	return nil
}

var _ session.Sink = (*wsSink)(nil)
