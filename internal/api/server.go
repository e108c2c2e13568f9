// Package api implements §6's REST+SSE adapter: a thin net/http.ServeMux
// wrapper translating HTTP requests into calls on the core packages and
// rendering their results (or apperrors.Error) into the envelope §6
// defines. Grounded on the teacher's internal/api/server.go — same
// Server{mux, port, logger} shape, same Go 1.22+ method+path route table,
// same jsonResponse helper — generalized from engine job control to
// Scholarr's run/publication/settings/scholar surface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/eventbus"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/namesearch"
	"github.com/scholarr/ingestion/internal/storage"
)

// RunsService is the subset of *scheduler.Scheduler the API needs to
// dispatch a manual run.
type RunsService interface {
	TriggerManual(ctx context.Context, userID string) (model.Run, error)
}

// RunStore is the subset of *storage.RunStore the API needs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]model.Run, error)
	RequestCancellation(ctx context.Context, runID string) error
	LatestCompletedRunID(ctx context.Context, userID string) (string, bool, error)
}

// SafetyStore is the subset of *storage.SafetyStore the API needs to
// report safety_state alongside runs and settings.
type SafetyStore interface {
	GetState(ctx context.Context, userID string) (model.SafetyState, error)
}

// PublicationStore is the subset of *storage.PublicationStore the API
// needs.
type PublicationStore interface {
	ListPublications(ctx context.Context, f storage.PublicationFilter) ([]model.PublicationListItem, int, error)
	MarkAllRead(ctx context.Context, userID string) error
	MarkSelectedRead(ctx context.Context, userID string, publicationIDs []string) error
	SetFavorite(ctx context.Context, userID, publicationID string, favorite bool) error
}

// PdfQueue is the subset of *storage.PdfQueueStore the API needs for
// POST /api/v1/publications/{id}/retry-pdf.
type PdfQueue interface {
	Enqueue(ctx context.Context, publicationID string) error
}

// UserStore is the subset of *storage.UserStore the API needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (model.User, error)
	UpdateSettings(ctx context.Context, userID string, settings model.UserSettings) error
}

// ScholarStore is the subset of *storage.ScholarStore the API needs.
type ScholarStore interface {
	ListForUser(ctx context.Context, userID string) ([]model.ScholarProfile, error)
	GetByID(ctx context.Context, id string) (model.ScholarProfile, error)
	CreateScholar(ctx context.Context, profile model.ScholarProfile) (model.ScholarProfile, error)
}

// NameSearcher is the subset of *namesearch.Searcher the API needs.
type NameSearcher interface {
	Search(ctx context.Context, query string) ([]namesearch.Candidate, error)
}

// EventSource is the subset of *eventbus.Bus the SSE handler needs.
type EventSource interface {
	Subscribe(runID string) (<-chan eventbus.Event, func())
}

// MetricsRecorder wraps a handler with request instrumentation. Satisfied
// by *observability.Metrics; kept as a narrow local interface so the
// package doesn't import internal/observability.
type MetricsRecorder interface {
	Middleware(routeLabel string, next http.Handler) http.Handler
}

// Deps bundles every collaborator the Server needs.
type Deps struct {
	Runs         RunsService
	RunStore     RunStore
	Safety       SafetyStore
	Publications PublicationStore
	PdfQueue     PdfQueue
	Users        UserStore
	Scholars     ScholarStore
	NameSearch   NameSearcher
	Bus          EventSource
	Config       *config.Config
	Metrics      MetricsRecorder
}

// Server is the REST+SSE adapter of §6.
type Server struct {
	mux    *http.ServeMux
	port   int
	logger *slog.Logger
	deps   Deps
}

// NewServer constructs a Server and registers every route. deps.Metrics
// may be nil.
func NewServer(port int, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		port:   port,
		logger: logger.With("component", "api_server"),
		deps:   deps,
	}
	s.registerRoutes()
	return s
}

// Start launches the server in a background goroutine, matching the
// teacher's fire-and-forget ListenAndServe shape.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("api server starting", "addr", addr)

	go func() {
		if err := http.ListenAndServe(addr, s.mux); err != nil {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Handler exposes the root mux for tests that want to drive the server
// through httptest.NewServer without a real listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.handle("GET /api/v1/runs", s.handleListRuns)
	s.handle("POST /api/v1/runs", s.handleCreateRun)
	s.handle("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)
	s.handle("GET /api/v1/runs/{id}/stream", s.handleStreamRun)

	s.handle("GET /api/v1/publications", s.handleListPublications)
	s.handle("POST /api/v1/publications/mark-all-read", s.handleMarkAllRead)
	s.handle("POST /api/v1/publications/mark-selected-read", s.handleMarkSelectedRead)
	s.handle("POST /api/v1/publications/{id}/favorite", s.handleSetFavorite)
	s.handle("POST /api/v1/publications/{id}/retry-pdf", s.handleRetryPdf)

	s.handle("GET /api/v1/settings", s.handleGetSettings)
	s.handle("PUT /api/v1/settings", s.handlePutSettings)

	s.handle("GET /api/v1/scholars", s.handleListScholars)
	s.handle("POST /api/v1/scholars", s.handleCreateScholar)
	s.handle("POST /api/v1/scholars/search", s.handleSearchScholars)
}

// handle registers a route, wrapping it in the metrics middleware when one
// is configured. route is reused as the middleware's low-cardinality label.
func (s *Server) handle(route string, handler http.HandlerFunc) {
	var h http.Handler = handler
	if s.deps.Metrics != nil {
		h = s.deps.Metrics.Middleware(route, h)
	}
	s.mux.Handle(route, h)
}

// requestID returns the incoming X-Request-Id header, or mints a fresh v4
// UUID when absent, so every envelope's meta.request_id is traceable back
// to a client-supplied or server-generated correlation id.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// userID resolves the acting user from the X-Scholarr-User header. Session
// auth is named in §6 as an external adapter's concern, not this package's
// — a reverse proxy terminating real auth is expected to set this header
// before requests reach here.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get("X-Scholarr-User")
	if id == "" {
		return "", apperrors.New(apperrors.KindUnauthorized, "missing X-Scholarr-User header")
	}
	return id, nil
}
