// Package api is the outward-facing surface of the server: HTTP REST for
// session control and WebSocket for frame delivery. It only translates
// requests into session operations; all streaming logic lives in the core.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moma/poseflow/internal/config"
	"github.com/moma/poseflow/internal/session"
)

// Server serves the REST control plane and the WebSocket stream endpoint.
type Server struct {
	cfg *config.Config
	mgr *session.Manager

	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time
}

// NewServer wires the routes. Call Start to begin serving.
func NewServer(cfg *config.Config, mgr *session.Manager) *Server {
	s := &Server{
		cfg: cfg,
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Browser clients connect from arbitrary origins; access
			// control is out of scope for the core.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /animations", s.handleListAnimations)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}/skeleton", s.handleSkeleton)
	mux.HandleFunc("GET /sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /sessions/{id}/play", s.handlePlay)
	mux.HandleFunc("POST /sessions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /sessions/{id}/speed", s.handleSpeed)
	mux.HandleFunc("POST /sessions/{id}/seek", s.handleSeek)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the stream endpoint holds its connection open.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.started = time.Now()

	slog.Info("starting api server",
		"addr", s.cfg.ListenAddr,
		"endpoints", []string{"/sessions", "/animations", "/health"},
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
