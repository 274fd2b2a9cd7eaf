// Package api provides HTTP handlers for the firmdesk API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/identity"
	"github.com/ashureev/firmdesk/internal/middleware"
	"github.com/ashureev/firmdesk/internal/stream"
	"github.com/ashureev/firmdesk/internal/task"
)

const maxBodyBytes = 1 << 20

// TaskService is the orchestrator surface the API needs.
type TaskService interface {
	StartTask(ctx context.Context, req task.StartRequest) (*domain.Task, error)
	CancelTask(ctx context.Context, taskID, userID string) (bool, error)
	RecordFeedback(ctx context.Context, req task.FeedbackRequest) (*task.FeedbackResult, error)
	GetTask(ctx context.Context, taskID, firmID string) (*domain.Task, error)
	LookupTask(ctx context.Context, taskID string) (*domain.Task, error)
	Running(taskID string) bool
	ListTasks(ctx context.Context, firmID, userID string, limit int) ([]*domain.Task, error)
	GetConfidence(ctx context.Context, taskID, firmID string) (*domain.ConfidenceReport, error)
}

// LearningStore is the read and deactivate surface of the learning ledgers.
type LearningStore interface {
	Ping(ctx context.Context) error
	ListMatterMemory(ctx context.Context, firmID, matterID string, now time.Time, limit int) ([]*domain.MatterMemoryEntry, error)
	ResolveMatterMemory(ctx context.Context, firmID, matterID, memoryID string) error
	ListActiveOverrides(ctx context.Context, firmID, userID, workType string) ([]*domain.QualityOverride, error)
	DeactivateOverride(ctx context.Context, firmID, overrideID string) error
	ProvenChain(ctx context.Context, firmID, workType string, minConfidence float64) (*domain.ToolChain, error)
}

// EventHub is the stream hub surface used for history and ingestion.
type EventHub interface {
	History(taskID string, limit int) stream.HistoryResult
	Publish(taskID, eventType string, data any) domain.Event
	UpdateProgress(taskID string, p domain.Progress)
}

// StreamServer serves live subscriptions.
type StreamServer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, t *domain.Task)
	ServeWebSocket(w http.ResponseWriter, r *http.Request, t *domain.Task)
}

// ReadinessChecker reports whether a dependency is reachable.
type ReadinessChecker interface {
	Available() bool
}

// Config carries handler settings.
type Config struct {
	IngestToken    string
	DevQueryAuth   bool
	HealthTimeout  time.Duration
	HistoryDefault int
	HistoryMax     int
}

// Handler serves the task, stream and learning endpoints.
type Handler struct {
	tasks    TaskService
	learning LearningStore
	hub      EventHub
	streams  StreamServer
	planner  ReadinessChecker
	limiter  *middleware.RateLimiter
	cfg      Config
	logger   *slog.Logger
	timeNow  func() time.Time
}

// NewHandler creates a Handler. limiter and planner may be nil.
func NewHandler(tasks TaskService, learning LearningStore, hub EventHub, streams StreamServer,
	planner ReadinessChecker, limiter *middleware.RateLimiter, cfg Config, logger *slog.Logger,
) *Handler {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.HistoryDefault <= 0 {
		cfg.HistoryDefault = 50
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:    tasks,
		learning: learning,
		hub:      hub,
		streams:  streams,
		planner:  planner,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health/ready", h.Ready)
	r.Post("/internal/tasks/{taskID}/events", h.IngestEvents)

	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(h.cfg.DevQueryAuth))

		r.Route("/tasks", func(r chi.Router) {
			if h.limiter != nil {
				r.With(h.limiter.Limit(userKey)).Post("/", h.StartTask)
			} else {
				r.Post("/", h.StartTask)
			}
			r.Get("/", h.ListTasks)
			r.Get("/{taskID}", h.GetTask)
			r.Post("/{taskID}/cancel", h.CancelTask)
			r.Post("/{taskID}/feedback", h.RecordFeedback)
			r.Get("/{taskID}/confidence", h.GetConfidence)
			r.Get("/{taskID}/history", h.GetHistory)
			r.Get("/{taskID}/stream", h.Stream)
			r.Get("/{taskID}/ws", h.WebSocket)
		})

		r.Get("/matters/{matterID}/memory", h.ListMatterMemory)
		r.Post("/matters/{matterID}/memory/{memoryID}/resolve", h.ResolveMatterMemory)

		r.Get("/learning/overrides", h.ListOverrides)
		r.Post("/learning/overrides/{overrideID}/deactivate", h.DeactivateOverride)
		r.Get("/learning/tool-chains/{workType}", h.GetToolChain)
	})
}

func userKey(r *http.Request) string {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		return ""
	}
	return p.FirmID + "/" + p.UserID
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def, maxValue int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > maxValue {
		return maxValue
	}
	return v
}

// Ready reports database and reasoning capability reachability.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{"status": "healthy", "checks": checks}
	code := http.StatusOK

	if err := h.learning.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case h.planner == nil:
		checks["planner"] = "not_configured"
	case h.planner.Available():
		checks["planner"] = "ok"
	default:
		checks["planner"] = "unavailable"
		status["status"] = "degraded"
	}

	JSON(w, code, status)
}
