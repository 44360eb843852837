// Package httpapi exposes the orchestrator's REST surface: instance CRUD
// and lifecycle actions, health and metrics endpoints, and the admin
// migration-trigger surface. Routing uses the standard library's
// method-aware ServeMux patterns, the same router-free approach the
// teacher's own API layer takes (net/http.ServeMux, no third-party router),
// wrapped with request logging and panic recovery middleware in the
// teacher's security-middleware style.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusforge/gpuorch/internal/adminauth"
	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/metrics"
	"github.com/nimbusforge/gpuorch/internal/migration"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// InstanceStore is the subset of internal/instance's Store the REST surface
// reads from directly.
type InstanceStore interface {
	Get(id string) (gpuinstance.InstanceState, error)
	List() []gpuinstance.InstanceState
	Create(st gpuinstance.InstanceState) (gpuinstance.InstanceState, error)
	UpdateStatus(id string, status gpuinstance.InstanceStatus, mutate func(st *gpuinstance.InstanceState)) (gpuinstance.InstanceState, error)
}

// ProviderService is the subset of *provider.Service the REST surface calls
// synchronously for one-shot stop/delete actions (as opposed to the
// multi-stage create/start flows, which always go through the job engine).
type ProviderService interface {
	StopInstance(ctx context.Context, providerInstanceID string) error
	DeleteInstance(ctx context.Context, providerInstanceID string) error
}

// JobEnqueuer is the subset of internal/jobs' Engine the REST surface
// dispatches lifecycle actions through.
type JobEnqueuer interface {
	Enqueue(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string) string
}

// MigrationScheduler is the subset of internal/migration's Scheduler the
// admin surface drives.
type MigrationScheduler interface {
	RunOnce(ctx context.Context) (migration.Execution, error)
	History() []migration.Execution
	SetDryRun(dryRun bool)
}

// Server holds the REST surface's dependencies.
type Server struct {
	store     InstanceStore
	jobs      JobEnqueuer
	provider  ProviderService
	migration MigrationScheduler
	admin     *adminauth.Verifier
	logger    *slog.Logger
	startedAt time.Time
}

// New builds a Server.
func New(store InstanceStore, jobs JobEnqueuer, provider ProviderService, sched MigrationScheduler, admin *adminauth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, jobs: jobs, provider: provider, migration: sched, admin: admin, logger: logger, startedAt: time.Now().UTC()}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/instances", s.handleCreateInstance)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("POST /api/instances/{id}/start", s.handleStartInstance)
	mux.HandleFunc("POST /api/instances/{id}/stop", s.handleStopInstance)
	mux.HandleFunc("DELETE /api/instances/{id}", s.handleDeleteInstance)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("POST /api/migration/trigger", s.handleMigrationTrigger)
	adminMux.HandleFunc("GET /api/migration/history", s.handleMigrationHistory)
	adminMux.HandleFunc("POST /api/migration/dry-run", s.handleMigrationDryRun)
	mux.Handle("/api/migration/", s.admin.Middleware(adminMux))

	return withRequestLogging(s.logger, withRecovery(s.logger, mux))
}

func withRecovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic handling request", "panic", rec, "path", r.URL.Path)
				writeError(w, errs.New(errs.KindInternal, "internal server error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withRequestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		ww.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.status,
			"duration", time.Since(start), "request_id", requestID)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatusForClassified(err)
	resp := ErrorResponse{
		Code:      string(errs.Classify(err)),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if e, ok := err.(*errs.Error); ok {
		resp.Message = e.Message
		resp.Details = e.Details
		resp.RequestID = e.RequestID
		resp.Timestamp = e.Timestamp
	}
	writeJSON(w, status, resp)
}
