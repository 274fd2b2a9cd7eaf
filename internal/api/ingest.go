package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/identity"
)

const maxIngestEvents = 100

type ingestEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ingestRequest struct {
	Events   []ingestEvent    `json:"events"`
	Progress *domain.Progress `json:"progress,omitempty"`
}

// IngestEvents handles POST /internal/tasks/{taskID}/events. Collaborators
// running outside this process publish onto a task's stream through it.
func (h *Handler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	if h.cfg.IngestToken != "" {
		got := r.Header.Get(identity.IngestHeaderName)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.IngestToken)) != 1 {
			Error(w, http.StatusUnauthorized, "invalid ingest token")
			return
		}
	}

	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) > maxIngestEvents {
		Error(w, http.StatusBadRequest, "too many events")
		return
	}
	for _, ev := range req.Events {
		if strings.TrimSpace(ev.Type) == "" {
			Error(w, http.StatusBadRequest, "event type is required")
			return
		}
		if len(ev.Data) > 0 && !json.Valid(ev.Data) {
			Error(w, http.StatusBadRequest, "event data must be JSON")
			return
		}
	}

	taskID := chi.URLParam(r, "taskID")
	t, err := h.tasks.LookupTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if t.Status.IsTerminal() {
		Error(w, http.StatusConflict, "task has finished")
		return
	}

	var lastID int64
	for _, ev := range req.Events {
		lastID = h.hub.Publish(taskID, ev.Type, ev.Data).ID
	}
	if req.Progress != nil {
		h.hub.UpdateProgress(taskID, *req.Progress)
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"accepted":      len(req.Events),
		"last_event_id": lastID,
	})
}
