// Package server is the local HTTP API the daemon exposes to
// point-of-sale front ends on the same device: queue orders and
// write-offs, inspect the queue, feed connectivity signals, and
// trigger or watch sync passes.
package server

import (
	"context"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesm/offlinesales/internal/connectivity"
	"github.com/wesm/offlinesales/internal/queue"
	"github.com/wesm/offlinesales/internal/stock"
	"github.com/wesm/offlinesales/internal/sync"
)

const defaultWriteTimeout = 30 * time.Second

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Deps are the components the API serves. Queue and Engine are
// required; the rest switch off the routes that need them when
// nil.
type Deps struct {
	Queue    *queue.Queue
	Engine   *sync.Engine
	Remote   sync.Remote
	Monitor  *connectivity.Monitor
	Baseline *stock.Baseline
	Progress *ProgressHub
}

// Server is the HTTP server for the local API.
type Server struct {
	deps         Deps
	mux          *http.ServeMux
	version      VersionInfo
	writeTimeout time.Duration
	maxAttempts  int
	gatherer     prometheus.Gatherer
	log          *zap.Logger

	mu      gosync.RWMutex
	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithWriteTimeout bounds how long a non-streaming handler may
// run before the client gets a 503.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithMaxAttempts caps single-operation retries the same way
// the engine caps bulk retries.
func WithMaxAttempts(n int) Option {
	return func(s *Server) { s.maxAttempts = n }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a new Server.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:         deps,
		mux:          http.NewServeMux(),
		writeTimeout: defaultWriteTimeout,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("POST /api/v1/orders", s.withTimeout(s.handleCreateOrder))
	s.mux.Handle("POST /api/v1/writeoffs", s.withTimeout(s.handleCreateWriteoff))
	s.mux.Handle("GET /api/v1/operations", s.withTimeout(s.handleListOperations))
	s.mux.Handle("GET /api/v1/operations/{id}", s.withTimeout(s.handleGetOperation))
	s.mux.Handle("DELETE /api/v1/operations/{id}", s.withTimeout(s.handleCancelOperation))
	s.mux.Handle("POST /api/v1/operations/{id}/retry", s.withTimeout(s.handleRetryOperation))
	s.mux.Handle("POST /api/v1/retry", s.withTimeout(s.handleRetryFailed))
	s.mux.Handle("POST /api/v1/discard", s.withTimeout(s.handleDiscardFailed))

	s.mux.Handle("GET /api/v1/status", s.withTimeout(s.handleStatus))
	s.mux.Handle("GET /api/v1/stock", s.withTimeout(s.handleStock))
	s.mux.Handle("POST /api/v1/connectivity", s.withTimeout(s.handleConnectivity))
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))

	// A pass can outlive the write timeout, and the event
	// stream is long-lived.
	s.mux.HandleFunc("POST /api/v1/sync", s.handleTriggerSync)
	s.mux.HandleFunc("GET /api/v1/sync/events", s.handleSyncEvents)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	s.writeJSON(w, http.StatusOK, s.version)
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.logMiddleware(s.mux))
}

// ListenAndServe serves the API on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.log.Info("serving local API", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set(
				"Access-Control-Allow-Origin", "*",
			)
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, DELETE, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r)
	})
}
