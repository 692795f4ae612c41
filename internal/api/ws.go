package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/straycat-ai/straycat/internal/hooks"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is expected to sit behind the operator's own proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleChatWS runs a conversation over one WebSocket: each inbound
// JSON message is a full pipeline turn, each outbound frame its result.
// Delivery failures end the connection but are never raised further.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not available", s.logger)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("chat websocket connected", "remote", conn.RemoteAddr())
	for {
		var msg hooks.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("chat websocket read failed", "error", err)
			}
			return
		}
		if msg.Text == "" {
			if err := s.writeWS(conn, map[string]string{"error": "message text is required"}); err != nil {
				return
			}
			continue
		}

		res := s.pipeline.Run(r.Context(), msg)
		if err := s.writeWS(conn, res); err != nil {
			s.logger.Debug("chat websocket write failed", "error", err)
			return
		}
	}
}

// handleEventsWS streams bus events to the client until it disconnects.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events not available", s.logger)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	// Drain the read side so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("event websocket connected", "remote", conn.RemoteAddr())
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeWS(conn, ev); err != nil {
				s.logger.Debug("event websocket write failed", "error", err)
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
