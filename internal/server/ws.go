package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Xaheen-ai/autoforge/internal/logging"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
)

// handleEvents upgrades the connection to WebSocket and streams mutation
// events in real-time. No history is replayed; clients see events published
// after they connect. An optional ?project= query filters the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event hub not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("server").Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}

	project := r.URL.Query().Get("project")
	log := logging.WithComponent("server")
	log.Info("event stream connected", slog.String("remote", r.RemoteAddr))

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// Set up pong handler for keepalive.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain client messages (none expected) and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("event stream read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	// Write pump: stream events and send pings.
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if project != "" && event.Project != project {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug("event stream write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
