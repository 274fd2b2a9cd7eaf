package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/identity"
)

// ListMatterMemory handles GET /api/matters/{matterID}/memory.
func (h *Handler) ListMatterMemory(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	entries, err := h.learning.ListMatterMemory(r.Context(), p.FirmID, chi.URLParam(r, "matterID"),
		h.timeNow(), queryInt(r, "limit", 50, 200))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.MatterMemoryEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"memory": entries})
}

// ResolveMatterMemory handles POST /api/matters/{matterID}/memory/{memoryID}/resolve.
func (h *Handler) ResolveMatterMemory(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	err := h.learning.ResolveMatterMemory(r.Context(), p.FirmID, chi.URLParam(r, "matterID"), chi.URLParam(r, "memoryID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// ListOverrides handles GET /api/learning/overrides.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	overrides, err := h.learning.ListActiveOverrides(r.Context(), p.FirmID, p.UserID, r.URL.Query().Get("work_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []*domain.QualityOverride{}
	}
	JSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

// DeactivateOverride handles POST /api/learning/overrides/{overrideID}/deactivate.
func (h *Handler) DeactivateOverride(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	if err := h.learning.DeactivateOverride(r.Context(), p.FirmID, chi.URLParam(r, "overrideID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// GetToolChain handles GET /api/learning/tool-chains/{workType}.
func (h *Handler) GetToolChain(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	chain, err := h.learning.ProvenChain(r.Context(), p.FirmID, chi.URLParam(r, "workType"), domain.ChainUsableConfidence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chain == nil {
		Error(w, http.StatusNotFound, "no proven tool chain for this work type")
		return
	}
	JSON(w, http.StatusOK, chain)
}
