package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/whisperd/internal/events"
	"github.com/mattjoyce/whisperd/internal/history"
	"github.com/mattjoyce/whisperd/internal/supervisor"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/mattjoyce/whisperd/internal/api Transcriber,HistoryReader

// Transcriber defines the worker operations the API exposes.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
	Start(model string) error
	Stop()
	Snapshot() supervisor.Status
}

// HistoryReader defines the transcript history operations the API exposes.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Transcript, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token required on all /v1 routes.
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	svc       Transcriber
	hist      HistoryReader
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hist may be nil when history is
// disabled.
func New(config Config, svc Transcriber, hist HistoryReader, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		svc:       svc,
		hist:      hist,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // transcription requests block for up to the worker timeout
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Post("/transcribe", s.handleTranscribe)
		r.Post("/restart", s.handleRestart)
		r.Post("/stop", s.handleStop)
		r.Get("/transcripts", s.handleTranscripts)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
