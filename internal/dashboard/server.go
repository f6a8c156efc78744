// Package dashboard serves a read-only HTTP and WebSocket observability
// surface over the agent's trading activity: a health check, a point-in-time
// snapshot endpoint, and a live event stream. It never reads trading state
// directly — the control loop is its sole owner — and instead derives
// everything it serves from the CopytradeEvents it is handed via Broadcast.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Server runs the dashboard's HTTP/WebSocket surface and implements
// control.EventSink, so a Loop can broadcast directly to it.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	http     *http.Server
	logger   *slog.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewServer creates a Server bound to cfg.Dashboard.Port. Call Start to
// begin serving.
func NewServer(cfg config.Config, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg.Dashboard,
		hub:    NewHub(logger),
		logger: logger.With("component", "dashboard-server"),
		snapshot: Snapshot{
			Timestamp: time.Now(),
			Config:    NewConfigSummary(cfg),
		},
	}
	s.handlers = newHandlers(s, cfg.Dashboard, s.hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", s.handlers.HandleSnapshot)
	mux.HandleFunc("/ws", s.handlers.HandleWebSocket)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and HTTP server; it blocks until Stop is called or the
// server fails.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Snapshot returns the current point-in-time view, safe for concurrent
// reads from any number of HTTP handlers.
func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Broadcast records event as the latest snapshot state and fans it out to
// every connected WebSocket client. Implements control.EventSink.
func (s *Server) Broadcast(event types.CopytradeEvent) {
	s.mu.Lock()
	s.snapshot.Timestamp = time.Now()
	s.snapshot.EventsSeen++
	e := event
	s.snapshot.LastEvent = &e
	s.snapshot.BudgetRemaining = event.BudgetRemaining
	s.snapshot.TotalSpent = event.TotalSpent
	s.mu.Unlock()

	s.hub.broadcastWire(cycleWireEvent(event))
}
