package handlers

import (
	"net/http"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

type startRunRequest struct {
	WorkspaceID string             `json:"workspace_id"`
	PackKey     string             `json:"pack_key"`
	PackVersion string             `json:"pack_version,omitempty"`
	PlaybookID  string             `json:"playbook_id"`
	Strategy    models.RunStrategy `json:"strategy"`
	Inputs      map[string]any     `json:"inputs,omitempty"`
	Options     models.RunOptions  `json:"options,omitempty"`
}

// StartRun handles POST /runs.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" || req.PackKey == "" || req.PlaybookID == "" {
		writeDetail(w, http.StatusBadRequest, "workspace_id, pack_key, and playbook_id are required")
		return
	}
	if req.Strategy == "" {
		req.Strategy = models.RunStrategyDelta
	}
	run, err := h.Engine.StartRun(r.Context(), req.WorkspaceID, req.PackKey, req.PackVersion, req.PlaybookID, req.Strategy, req.Inputs, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// GetRun handles GET /runs/{run_id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.GetRun(urlParam(r, "run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.Engine.ListRuns(r.URL.Query().Get("workspace_id"))
	writeJSON(w, http.StatusOK, runs)
}

// CancelRun handles POST /runs/{run_id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "run_id")
	if !h.Engine.CancelRun(runID) {
		writeError(w, &apierr.NotFound{Entity: "run", Key: runID})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
