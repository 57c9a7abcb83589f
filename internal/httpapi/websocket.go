package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happens in the JWT middleware; the origin check is left to the
	// reverse proxy in front of the service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams orchestration events for one session:
// GET /api/v1/stream/ws?session_id=...&last_seq=N
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	var lastSeq uint64
	if raw := r.URL.Query().Get("last_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid last_seq", http.StatusBadRequest)
			return
		}
		lastSeq = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before replay so no event falls between the two.
	ch := s.events.Subscribe(sessionID, 64)
	defer s.events.Unsubscribe(sessionID, ch)

	for _, evt := range s.events.ReplaySince(sessionID, lastSeq) {
		if err := conn.WriteMessage(websocket.TextMessage, evt.Marshal()); err != nil {
			return
		}
		lastSeq = evt.Seq
	}

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, evt.Marshal()); err != nil {
				return
			}
		}
	}
}
