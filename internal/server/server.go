// Package server exposes the feature store over HTTP and streams mutation
// events over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Xaheen-ai/autoforge/internal/config"
	"github.com/Xaheen-ai/autoforge/internal/events"
	"github.com/Xaheen-ai/autoforge/internal/logging"
	"github.com/Xaheen-ai/autoforge/internal/store"
)

// Server is the HTTP API server. It owns no state beyond the listener; all
// feature data lives in the store and all fan-out goes through the hub.
// Server is safe for concurrent use.
type Server struct {
	config   *config.ServerConfig
	store    *store.Store
	hub      *events.Hub
	upgrader websocket.Upgrader
	server   *http.Server
	mu       sync.RWMutex
	running  bool
}

// NewServer creates a new API server backed by the given store. The server is
// not started until Start is called.
func NewServer(cfg *config.ServerConfig, st *store.Store, hub *events.Hub) *Server {
	return &Server{
		config: cfg,
		store:  st,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Allow requests with no origin (same-origin, CLI tools, etc.)
				if origin == "" {
					return true
				}
				// Allow localhost origins for development
				if strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1") {
					return true
				}
				return false
			},
		},
	}
}

// Handler builds the route table. Split out from Start so tests can drive the
// mux through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleEvents)

	mux.HandleFunc("GET /api/projects/{project}/features", s.handleListFeatures)
	mux.HandleFunc("POST /api/projects/{project}/features", s.handleCreateFeature)
	mux.HandleFunc("POST /api/projects/{project}/features/bulk", s.handleCreateBulk)
	mux.HandleFunc("GET /api/projects/{project}/features/graph", s.handleGraph)
	mux.HandleFunc("GET /api/projects/{project}/features/ready", s.handleReady)
	mux.HandleFunc("POST /api/projects/{project}/features/claim", s.handleClaimNext)

	mux.HandleFunc("GET /api/projects/{project}/features/{id}", s.handleGetFeature)
	mux.HandleFunc("PATCH /api/projects/{project}/features/{id}", s.handleUpdateFeature)
	mux.HandleFunc("DELETE /api/projects/{project}/features/{id}", s.handleDeleteFeature)
	mux.HandleFunc("PATCH /api/projects/{project}/features/{id}/skip", s.handleSkipFeature)
	mux.HandleFunc("POST /api/projects/{project}/features/{id}/claim", s.handleClaimFeature)
	mux.HandleFunc("POST /api/projects/{project}/features/{id}/release", s.handleReleaseFeature)
	mux.HandleFunc("POST /api/projects/{project}/features/{id}/dependencies/{dep}", s.handleAddDependency)
	mux.HandleFunc("DELETE /api/projects/{project}/features/{id}/dependencies/{dep}", s.handleRemoveDependency)
	mux.HandleFunc("PUT /api/projects/{project}/features/{id}/dependencies", s.handleSetDependencies)

	mux.HandleFunc("GET /api/projects/{project}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/projects/{project}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PUT /api/projects/{project}/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/projects/{project}/schedules/{id}", s.handleDeleteSchedule)

	return mux
}

// Start starts the server and blocks until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logging.WithComponent("server").Info("API server starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}
