// Package api is the HTTP trigger surface: it submits sync and parse jobs
// and exposes their state and the mirrored elevations.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/facadeworks/elevsync/internal/artifact"
	"github.com/facadeworks/elevsync/internal/jobs"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/ratelimit"
	"github.com/facadeworks/elevsync/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Store is the read side the API serves from.
type Store interface {
	GetElevationWithGlass(ctx context.Context, id int64) (*models.Elevation, error)
	ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	GetSyncRun(ctx context.Context, id string) (*models.SyncRun, error)
	Ping(ctx context.Context) error
}

// Syncer runs a full sync.
type Syncer interface {
	SyncAll(ctx context.Context) (*scheduler.Summary, error)
	// SyncInProgress reports a sync held by any process sharing the store.
	SyncInProgress(ctx context.Context) (bool, error)
}

// Parser runs the enrichment pipeline for one elevation.
type Parser interface {
	Parse(ctx context.Context, id int64) (*artifact.Result, error)
}

// ThumbnailSource reads stored thumbnails.
type ThumbnailSource interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Options are the optional parts of a Server.
type Options struct {
	// Token, when set, is required as a bearer token on /api/v1.
	Token          string
	AllowedOrigins []string
	// Limiter, when set, throttles /api/v1 per client.
	Limiter ratelimit.RateLimiter
	// Thumbnails, when set, serves stored elevation thumbnails.
	Thumbnails ThumbnailSource
	Version    string
}

// Server holds dependencies for API handlers
type Server struct {
	store  Store
	syncer Syncer
	parser Parser
	runner *jobs.Runner
	opts   Options
}

// NewServer creates a new API server
func NewServer(store Store, syncer Syncer, parser Parser, runner *jobs.Runner, opts Options) *Server {
	return &Server{
		store:  store,
		syncer: syncer,
		parser: parser,
		runner: runner,
		opts:   opts,
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(compressor().Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(ratelimit.Middleware(s.opts.Limiter))
		}
		r.Use(bearerAuth(s.opts.Token))

		r.Post("/sync", s.handleSubmitSync)
		r.Get("/sync/runs", s.handleListSyncRuns)
		r.Get("/sync/runs/{runId}", s.handleGetSyncRun)

		r.Get("/elevations/{id}", s.handleGetElevation)
		r.Get("/elevations/{id}/thumbnail", s.handleGetThumbnail)
		r.Post("/elevations/{id}/parse", s.handleSubmitParse)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobId}", s.handleGetJob)
	})

	return r
}

// compressor negotiates brotli first, then gzip and deflate, for JSON
// responses.
func compressor() *middleware.Compressor {
	c := middleware.NewCompressor(5, "application/json")
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c
}

// bearerAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

// handleReady reports whether the database is reachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger.Ctx(r.Context()).Warn("readiness check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
