package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/task-orchestrator/internal/events"
)

const wsWriteWait = 10 * time.Second

// wsFrame is the WebSocket rendering of an event
type wsFrame struct {
	Type events.Type  `json:"type"`
	Data events.Event `json:"data"`
}

// handleEvents streams the bus as server-sent events. The first frame is
// always connected; idle streams get a heartbeat comment.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}

	sub, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	clientID := uuid.NewString()
	log := s.logger.With("client_id", clientID, "transport", "sse")
	log.Debug("event stream opened")
	defer log.Debug("event stream closed")

	if !writeSSE(w, events.Connected{ClientID: clientID}) {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !writeSSE(w, ev) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) bool {
	frame, err := events.Encode(ev)
	if err != nil {
		return true
	}
	_, err = w.Write(frame)
	return err == nil
}

// handleEventsWS mirrors the event stream over a WebSocket as {type, data}
// frames
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	clientID := uuid.NewString()
	log := s.logger.With("client_id", clientID, "transport", "ws")
	log.Debug("event stream opened")
	defer log.Debug("event stream closed")

	// the read loop only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	if err := writeWS(conn, events.Connected{ClientID: clientID}); err != nil {
		return
	}

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			conn.SetWriteDeadline(time.Time{})
			if err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(wsFrame{Type: ev.Type(), Data: ev})
	if err != nil {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.TextMessage, data)
}
