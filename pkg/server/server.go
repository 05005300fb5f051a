// Package server exposes the platform over HTTP: document ingestion,
// extraction and workflow submission, chat, and SSE progress streams.
// Authentication, pagination, and billing live outside this surface;
// callers identify themselves through X-User-ID / X-Org-ID headers set by
// the fronting proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/docquarry/quarry/pkg/chat"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/extraction"
	"github.com/docquarry/quarry/pkg/observability"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
	"github.com/docquarry/quarry/pkg/templatefill"
	"github.com/docquarry/quarry/pkg/workflow"
)

// Deps are the services the HTTP surface fronts.
type Deps struct {
	Store       *store.Store
	Vectors     databases.VectorStore
	Artifacts   *storage.Store
	Extractions *extraction.Service
	Workflows   *workflow.Jobs
	Fills       *templatefill.Service
	Chat        *chat.Chat
	Tracker     *pipeline.Tracker

	// UploadDir receives multipart file uploads before ingestion.
	UploadDir string
}

// Server is the chi-routed HTTP surface.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	streams *Streams
	router  chi.Router
}

func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.UploadDir == "" {
		deps.UploadDir = filepath.Join(os.TempDir(), "quarry-uploads")
	}
	if err := os.MkdirAll(deps.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		streams: NewStreams(deps.Tracker),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/documents", s.handleIngest)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Delete("/documents/{id}", s.handleDeleteDocument)

		r.Post("/collections", s.handleCreateCollection)
		r.Post("/collections/{id}/documents/{docID}", s.handleAddToCollection)

		r.Post("/extractions", s.handleSubmitExtraction)
		r.Get("/extractions/{id}", s.handleGetExtraction)
		r.Post("/extractions/{id}/retry", s.handleRetryExtraction)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/workflow-runs", s.handleSubmitRun)
		r.Get("/workflow-runs/{id}", s.handleGetRun)
		r.Post("/workflow-runs/{id}/retry", s.handleRetryRun)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}/messages", s.handleListMessages)
		r.Post("/sessions/{id}/messages", s.handleChat)

		r.Post("/fills", s.handleSubmitFill)
		r.Get("/fills/{id}", s.handleGetFill)
		r.Post("/fills/{id}/confirm", s.handleConfirmFill)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
	})
	return r
}

// Run serves until the context is cancelled, then drains connections.
// SSE subscribers are closed by the stream shutdown, so draining does not
// wait on them.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.streams.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// observe records request latency per route pattern and status class.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ww.Status()/100) + "xx"
		observability.ObserveHTTP(route, status, time.Since(started))
	})
}

// identity reads the caller set by the fronting proxy. Absent headers map
// to a local single-tenant identity, which keeps dev deployments
// header-free.
func identity(r *http.Request) (userID, orgID string) {
	userID = r.Header.Get("X-User-ID")
	orgID = r.Header.Get("X-Org-ID")
	if userID == "" {
		userID = "local"
	}
	if orgID == "" {
		orgID = userID
	}
	return userID, orgID
}

// writeServiceError maps storage sentinels onto the structured error body.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "extraction_in_progress", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate", err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
