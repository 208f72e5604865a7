package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/dupe"
	"github.com/javi11/nzbd/internal/editor"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/urlfetch"
)

// Config represents API server configuration
type Config struct {
	Prefix string // API path prefix (default: "/api")
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Prefix: "/api",
	}
}

// Server exposes the control API: queue and history inspection, edit
// commands and the global pause and rate switches.
type Server struct {
	config        *Config
	q             *queue.Queue
	qc            *coordinator.Coordinator
	editor        *editor.Editor
	dupes         *dupe.Coordinator
	cache         *cache.Cache
	fetcher       *urlfetch.Fetcher
	configManager *config.Manager
	logger        *slog.Logger
	startTime     time.Time
	mux           *http.ServeMux
}

// NewServer creates a new API server that registers routes on the provided mux
func NewServer(
	cfg *Config,
	q *queue.Queue,
	qc *coordinator.Coordinator,
	ed *editor.Editor,
	dupes *dupe.Coordinator,
	articleCache *cache.Cache,
	fetcher *urlfetch.Fetcher,
	configManager *config.Manager,
	mux *http.ServeMux) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	server := &Server{
		config:        cfg,
		q:             q,
		qc:            qc,
		editor:        ed,
		dupes:         dupes,
		cache:         articleCache,
		fetcher:       fetcher,
		configManager: configManager,
		logger:        slog.Default().With("component", "api"),
		startTime:     time.Now(),
		mux:           mux,
	}

	server.setupRoutes()
	return server
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// setupRoutes configures all API routes on the shared mux
func (s *Server) setupRoutes() {
	apiMux := http.NewServeMux()

	// Queue endpoints
	apiMux.HandleFunc("GET /queue", s.handleListQueue)
	apiMux.HandleFunc("GET /queue/{id}", s.handleGetQueue)
	apiMux.HandleFunc("POST /queue/edit", s.handleEditQueue)
	apiMux.HandleFunc("POST /queue/url", s.handleAddURL)

	// History endpoints
	apiMux.HandleFunc("GET /history", s.handleListHistory)
	apiMux.HandleFunc("POST /history/{id}/mark", s.handleMarkHistory)

	// Config endpoints
	apiMux.HandleFunc("GET /config", s.handleGetConfig)
	apiMux.HandleFunc("POST /config/reload", s.handleReloadConfig)

	// System endpoints
	apiMux.HandleFunc("GET /status", s.handleStatus)
	apiMux.HandleFunc("POST /pause", s.handlePause)
	apiMux.HandleFunc("POST /resume", s.handleResume)
	apiMux.HandleFunc("POST /rate", s.handleRate)

	s.mux.Handle(s.config.Prefix+"/", http.StripPrefix(s.config.Prefix, apiMux))
}

// Listen serves the API on the configured port until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
