package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skein-chat/skein/pkg/counter"
	"github.com/skein-chat/skein/pkg/database"
)

// Server ties the HTTP/WebSocket front door, the message store, the
// counter store, and the outbox processor together.
type Server struct {
	db        *database.DB
	sessions  *SessionManager
	counters  *counter.Store
	config    TOMLConfig
	metrics   *Metrics
	processor *Processor

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a server with all dependencies wired.
func NewServer(db *database.DB, counters *counter.Store, config TOMLConfig) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)
	return &Server{
		db:        db,
		sessions:  sessions,
		counters:  counters,
		config:    config,
		metrics:   metrics,
		processor: NewProcessor(db, counters, metrics, config.Outbox),
		startTime: time.Now(),
	}
}

// Start begins serving HTTP and launches the outbox workers. Blocks
// until the HTTP server exits.
func (s *Server) Start() error {
	s.processor.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/api/send", s.HandleSend)
	mux.HandleFunc("/api/messages", s.HandleMessages)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("HTTP server listening on :%d", s.config.Server.HTTPPort)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains the outbox workers, closes all sessions, and shuts the
// HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Printf("Shutting down server...")

	s.processor.Stop()
	s.sessions.CloseAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	return nil
}
