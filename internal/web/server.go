// Package web implements the HTTP server for mkl. It mounts the JSON API,
// the Prometheus endpoint, the websocket feeds of ledger events and status
// messages, and the rendered operator documentation.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/api"
	"marketledger.mini/mkl/internal/docs"
	"marketledger.mini/mkl/internal/events"
	"marketledger.mini/mkl/internal/logger"
)

// Config collects the server's collaborators.
type Config struct {
	Port   int
	API    *api.Service
	Hub    *events.Hub
	Buffer *logger.Buffer
	Docs   *docs.Service
	Logger *zap.Logger

	// AllowedOrigins are cross-origin pages that may open the websocket
	// feeds. Same-origin and non-browser clients are always accepted.
	AllowedOrigins []string
}

// Server is the web server for the API, feeds and docs.
type Server struct {
	port       int
	apiService *api.Service
	hub        *events.Hub
	buffer     *logger.Buffer
	docService *docs.Service
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a new web server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.API == nil {
		return nil, errors.New("api service is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = events.NewHub(cfg.Logger, nil)
	}
	if cfg.Buffer == nil {
		cfg.Buffer = logger.NewBuffer(0)
	}
	if cfg.Docs == nil {
		cfg.Docs = docs.NewService("docs")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		port:       cfg.Port,
		apiService: cfg.API,
		hub:        cfg.Hub,
		buffer:     cfg.Buffer,
		docService: cfg.Docs,
		logger:     cfg.Logger,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)},
	}, nil
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes (delegated to apiService)
	mux.Handle("/api/", s.apiService.Handler())

	mux.Handle("GET /metrics", promhttp.Handler())

	// WebSocket routes
	mux.HandleFunc("GET /ws/events", s.handleEventsWS)
	mux.HandleFunc("GET /ws/status", s.handleStatusWS)

	// Docs pages
	mux.HandleFunc("GET /docs", s.handleDocsIndex)
	mux.HandleFunc("GET /docs/{name}", s.handleDoc)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusFound)
	})

	return mux
}

// Start serves in the background. The channel receives the error that ended
// the server, or nothing after a clean Shutdown.
func (s *Server) Start() <-chan error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting API server", zap.String("url", fmt.Sprintf("http://localhost:%d", s.port)))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setCacheHeaders sets cache-busting headers to prevent browser caching.
func (s *Server) setCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
