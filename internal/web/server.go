// Package web provides the HTTP API for submitting data sets and observing
// import progress.
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/openstats/importer/internal/config"
	"github.com/openstats/importer/internal/imports"
	"github.com/openstats/importer/internal/validation"
)

// ImportService is the orchestration surface the handlers call. Implemented
// by *imports.Orchestrator.
type ImportService interface {
	Import(ctx context.Context, releaseID uuid.UUID, subject imports.Subject, data, meta validation.FileSource) (imports.Import, error)
	ImportZip(ctx context.Context, releaseID uuid.UUID, subject imports.Subject, zipFile validation.FileSource) (imports.Import, error)
	CancelImport(ctx context.Context, releaseID, fileID uuid.UUID) error
	DeleteImport(ctx context.Context, fileID uuid.UUID) error
	HasIncompleteImports(ctx context.Context, releaseID uuid.UUID) (bool, error)
	PendingCount(ctx context.Context) (int64, error)
}

// StatusService is the progress-reporting surface. Implemented by
// *imports.Reporter.
type StatusService interface {
	GetStatus(ctx context.Context, fileID uuid.UUID) (imports.Status, error)
	GetImportView(ctx context.Context, fileID uuid.UUID) (imports.View, error)
}

// Server is the HTTP server for the import API.
type Server struct {
	cfg      *config.Config
	importer ImportService
	status   StatusService
	limiter  *UploadLimiter

	router *chi.Mux
	server *http.Server
}

// NewServer wires the router, middleware and routes.
func NewServer(cfg *config.Config, importer ImportService, status StatusService) *Server {
	s := &Server{
		cfg:      cfg,
		importer: importer,
		status:   status,
		limiter:  NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	s.router.Use(securityHeaders)

	// Rate limiting: 100 requests per minute per IP
	limiter := newRateLimiter(100, time.Minute)
	s.router.Use(limiter.middleware)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Data-set submission
		r.Post("/releases/{releaseID}/data", s.handleSubmitData)
		r.Post("/releases/{releaseID}/zip-data", s.handleSubmitZipData)

		// Import observation
		r.Get("/files/{fileID}/import/status", s.handleImportStatus)
		r.Get("/files/{fileID}/import", s.handleImportView)
		r.Get("/releases/{releaseID}/imports/incomplete", s.handleIncompleteImports)

		// Import lifecycle
		r.Post("/releases/{releaseID}/files/{fileID}/import/cancel", s.handleCancelImport)
		r.Delete("/files/{fileID}/import", s.handleDeleteImport)

		// Queue visibility
		r.Get("/queue/pending-count", s.handlePendingCount)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for active submissions to
// drain before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.limiter.WaitForDrain(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// securityHeaders adds response hardening headers suitable for a JSON API.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a simple token bucket rate limiter per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

// cleanup removes stale visitor entries every minute.
func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// allow checks if the request should be allowed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{
			tokens:    rl.rate - 1,
			lastReset: time.Now(),
		}
		return true
	}

	if time.Since(v.lastReset) > rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = time.Now()
		return true
	}

	if v.tokens <= 0 {
		return false
	}

	v.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			ip = realIP
		}

		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			writeErrorBody(w, http.StatusTooManyRequests, ErrorResponse{
				Code:    "RATE001",
				Message: "rate limit exceeded",
				Action:  "Please wait a moment before trying again",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
