// Package web provides the HTTP server and JSON API for managing roster
// files: open a roster, edit records against the in-memory copy, and run
// the backup-then-commit protocol.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rosterd/internal/audit"
	"rosterd/internal/backup"
	"rosterd/internal/catalog"
	"rosterd/internal/config"
	"rosterd/internal/lockfile"
	"rosterd/internal/store"
)

// Deps are the collaborators the server operates on.
type Deps struct {
	Catalog  *catalog.Catalog
	Locks    *lockfile.Manager
	Backups  *backup.Manager
	Recorder audit.Recorder
	Events   *audit.Store // nil when the persistent audit store is disabled
}

// session is one open roster. The store is single-threaded, so the mutex
// serializes every operation against it, reads and Commit included.
type session struct {
	mu sync.Mutex
	st *store.Store
}

// Server is the HTTP server for the roster management API.
type Server struct {
	deps     Deps
	pageSize int
	router   *chi.Mux
	server   *http.Server

	mu       sync.Mutex
	sessions map[string]*session // open rosters, keyed by file name
}

// NewServer creates a new Server instance.
func NewServer(deps Deps, cfg *config.Config) *Server {
	s := &Server{
		deps:     deps,
		pageSize: cfg.Data.PageSize,
		router:   chi.NewRouter(),
		sessions: make(map[string]*session),
	}
	if s.deps.Recorder == nil {
		s.deps.Recorder = audit.Nop{}
	}
	s.setupMiddleware(cfg)
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware(cfg *config.Config) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	s.router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// Security hardening
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Roster catalog
		r.Get("/rosters", s.handleListRosters)
		r.Post("/rosters", s.handleCreateRoster)

		// Open-roster session and record operations
		r.Route("/rosters/{name}", func(r chi.Router) {
			r.Post("/open", s.handleOpenRoster)
			r.Post("/close", s.handleCloseRoster)

			r.Get("/records", s.handleListRecords)
			r.Post("/records", s.handleInsertRecord)
			r.Put("/records/{pos}", s.handleUpdateRecord)
			r.Delete("/records/{pos}", s.handleDeleteRecord)
			r.Get("/search", s.handleSearch)
			r.Get("/lookup", s.handleLookup)

			r.Post("/commit", s.handleCommit)
			r.Post("/discard", s.handleDiscard)

			r.Get("/backups", s.handleListBackups)
		})

		// Audit trail
		r.Get("/audit", s.handleAuditQuery)
	})
}

// Start begins listening for HTTP requests on addr.
func (s *Server) Start(cfg *config.ServerConfig) error {
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	slog.Info("server listening", "addr", cfg.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// getSession returns the open session for a roster name, if any.
func (s *Server) getSession(name string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[name]
	return ses, ok
}

func (s *Server) putSession(name string, st *store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = &session{st: st}
}

func (s *Server) dropSession(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
