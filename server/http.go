// Package server provides the HTTP API for the metadata cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/strmkit/metacache/cache"
	"github.com/strmkit/metacache/expiry"
	"github.com/strmkit/metacache/store/metadb"
	"github.com/strmkit/metacache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DBPath is the bbolt database file path
	DBPath string

	// AuthToken enables Bearer token authentication when non-empty
	AuthToken string

	// MemoryCapacity is the memory cache entry limit.
	// Zero uses the default capacity.
	MemoryCapacity int

	// FlushDelay is how long queued writes coalesce before a batch flush.
	// Zero uses the default delay.
	FlushDelay time.Duration

	// SeriesTTL is the time-to-live for series records.
	// Zero uses the default policy.
	SeriesTTL time.Duration

	// MovieTTL is the time-to-live for old-release movie records.
	// Zero uses the default policy.
	MovieTTL time.Duration

	// NewReleaseWindow is how many years back a movie release counts as
	// new. New releases never expire.
	NewReleaseWindow int

	// ReapInterval is how often expired records are purged from the store.
	// Zero uses the reaper default.
	ReapInterval time.Duration

	// NoSync disables per-transaction fsync. Faster, unsafe on crash.
	NoSync bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the metadata cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	db     metadb.MetaDB
	cache  *cache.Cache
	reaper *cache.Reaper

	reapCancel context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./metacache.db"
	}

	db := metadb.NewBoltDB(
		metadb.WithLogger(cfg.Logger.With("component", "metadb")),
		metadb.WithNoSync(cfg.NoSync),
	)
	if err := db.Open(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	expiryPolicy := expiry.DefaultPolicy()
	if cfg.SeriesTTL > 0 {
		expiryPolicy.SeriesTTL = cfg.SeriesTTL
	}
	if cfg.MovieTTL > 0 {
		expiryPolicy.MovieTTL = cfg.MovieTTL
	}
	if cfg.NewReleaseWindow > 0 {
		expiryPolicy.NewReleaseWindow = cfg.NewReleaseWindow
	}

	cacheOpts := []cache.Option{
		cache.WithExpiryPolicy(expiryPolicy),
		cache.WithLogger(cfg.Logger.With("component", "cache")),
	}
	if cfg.MemoryCapacity > 0 {
		cacheOpts = append(cacheOpts, cache.WithMemoryCapacity(cfg.MemoryCapacity))
	}
	if cfg.FlushDelay > 0 {
		cacheOpts = append(cacheOpts, cache.WithFlushDelay(cfg.FlushDelay))
	}
	metaCache := cache.New(db, cacheOpts...)

	reaperOpts := []cache.ReaperOption{
		cache.WithReaperLogger(cfg.Logger.With("component", "reaper")),
	}
	if cfg.ReapInterval > 0 {
		reaperOpts = append(reaperOpts, cache.WithReaperInterval(cfg.ReapInterval))
	}
	reaper := cache.NewReaper(metaCache, reaperOpts...)

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		db:     db,
		cache:  metaCache,
		reaper: reaper,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Metadata endpoints
	mux.HandleFunc("GET /api/meta", s.handleGetManyMeta)
	mux.HandleFunc("GET /api/meta/{id}", s.handleGetMeta)
	mux.HandleFunc("PUT /api/meta/{id}", s.handlePutMeta)
	mux.HandleFunc("DELETE /api/meta/{id}", s.handleDeleteMeta)

	// Record listing and maintenance
	mux.HandleFunc("GET /api/records", s.handleRecords)
	mux.HandleFunc("POST /api/maintenance/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, lookup_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		endpoint := r.URL.Path
		if tags != nil {
			if tags.Endpoint != "" {
				endpoint = tags.Endpoint
				attrs = append(attrs, "endpoint", tags.Endpoint)
			}
			if tags.LookupResult != "" {
				attrs = append(attrs, "lookup_result", string(tags.LookupResult))
			}
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r.Method, endpoint, wrapped.status, duration)
	})
}

// Start starts the reaper and serves HTTP until Shutdown.
func (s *Server) Start() error {
	reapCtx, cancel := context.WithCancel(context.Background())
	s.reapCancel = cancel
	go s.reaper.Run(reapCtx)

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Pending batched writes are
// flushed to durable storage before the database closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.reapCancel != nil {
		s.reapCancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Error("flushing pending writes", "error", err)
	}

	return s.db.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker interfaces.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
