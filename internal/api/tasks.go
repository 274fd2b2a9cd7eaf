package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/identity"
	"github.com/ashureev/firmdesk/internal/task"
)

type startTaskRequest struct {
	Goal    string             `json:"goal"`
	Options domain.TaskOptions `json:"options"`
}

type feedbackRequest struct {
	Rating     int    `json:"rating"`
	Feedback   string `json:"feedback"`
	Correction string `json:"correction"`
}

type cancelResponse struct {
	Cancelled bool              `json:"cancelled"`
	Status    domain.TaskStatus `json:"status,omitempty"`
	// Stopping is set while the loop is still finishing its current step.
	Stopping bool `json:"stopping,omitempty"`
}

// StartTask handles POST /api/tasks.
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	var req startTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.tasks.StartTask(r.Context(), task.StartRequest{
		FirmID:  p.FirmID,
		UserID:  p.UserID,
		Goal:    req.Goal,
		Options: req.Options,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, t)
}

// ListTasks handles GET /api/tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	tasks, err := h.tasks.ListTasks(r.Context(), p.FirmID, p.UserID, queryInt(r, "limit", 20, 100))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// GetTask handles GET /api/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/tasks/{taskID}/cancel.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")

	if _, ok := h.loadTask(w, r); !ok {
		return
	}
	cancelled, err := h.tasks.CancelTask(r.Context(), taskID, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := cancelResponse{Cancelled: cancelled, Stopping: cancelled && h.tasks.Running(taskID)}
	if t, err := h.tasks.GetTask(r.Context(), taskID, p.FirmID); err == nil {
		resp.Status = t.Status
	}
	JSON(w, http.StatusOK, resp)
}

// RecordFeedback handles POST /api/tasks/{taskID}/feedback.
func (h *Handler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.tasks.RecordFeedback(r.Context(), task.FeedbackRequest{
		TaskID:     chi.URLParam(r, "taskID"),
		FirmID:     p.FirmID,
		UserID:     p.UserID,
		Rating:     req.Rating,
		Feedback:   req.Feedback,
		Correction: req.Correction,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// GetConfidence handles GET /api/tasks/{taskID}/confidence.
func (h *Handler) GetConfidence(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	report, err := h.tasks.GetConfidence(r.Context(), chi.URLParam(r, "taskID"), p.FirmID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// GetHistory handles GET /api/tasks/{taskID}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", h.cfg.HistoryDefault, h.cfg.HistoryMax)
	JSON(w, http.StatusOK, h.hub.History(t.ID, limit))
}

// Stream handles GET /api/tasks/{taskID}/stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	h.streams.ServeSSE(w, r, t)
}

// WebSocket handles GET /api/tasks/{taskID}/ws.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	h.streams.ServeWebSocket(w, r, t)
}

// loadTask fetches the path's task for the caller's firm, writing the error
// response when it cannot.
func (h *Handler) loadTask(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	p, _ := identity.FromContext(r.Context())
	t, err := h.tasks.GetTask(r.Context(), chi.URLParam(r, "taskID"), p.FirmID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return t, true
}
