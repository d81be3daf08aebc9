package handlers

import (
	"net/http"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// UpsertIntegration handles POST /capability/integration.
func (h *Handlers) UpsertIntegration(w http.ResponseWriter, r *http.Request) {
	var in models.Integration
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Catalog.UpsertIntegration(r.Context(), &in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetIntegration handles GET /capability/integration/{id}.
func (h *Handlers) GetIntegration(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.GetIntegration(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListIntegrations handles GET /capability/integration.
func (h *Handlers) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.ListIntegrations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RemoveIntegration handles DELETE /capability/integration/{id}.
func (h *Handlers) RemoveIntegration(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.RemoveIntegration(r.Context(), urlParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertCapability handles POST /capability/capabilities.
func (h *Handlers) UpsertCapability(w http.ResponseWriter, r *http.Request) {
	var cap models.Capability
	if err := decodeJSON(r, &cap); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Catalog.UpsertCapability(r.Context(), &cap)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishCapabilityEvent(r, "created", out.ID)
	writeJSON(w, http.StatusOK, out)
}

// GetCapability handles GET /capability/capabilities/{id}.
func (h *Handlers) GetCapability(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.GetCapability(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListCapabilities handles GET /capability/capabilities.
func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.ListCapabilities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RemoveCapability handles DELETE /capability/capabilities/{id}.
func (h *Handlers) RemoveCapability(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Catalog.RemoveCapability(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.publishCapabilityEvent(r, "deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// UpsertPack handles POST|PUT /capability/pack/{key}/{version}.
func (h *Handlers) UpsertPack(w http.ResponseWriter, r *http.Request) {
	var pack models.CapabilityPack
	if err := decodeJSON(r, &pack); err != nil {
		writeError(w, err)
		return
	}
	pack.Key = urlParam(r, "key")
	pack.Version = urlParam(r, "version")
	out, err := h.Catalog.UpsertPack(r.Context(), &pack)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishCapabilityEvent(r, "pack.created", out.Key+"@"+out.Version)
	writeJSON(w, http.StatusOK, out)
}

// GetPack handles GET /capability/pack/{key}/{version}.
func (h *Handlers) GetPack(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.GetPack(r.Context(), urlParam(r, "key"), urlParam(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListPacks handles GET /capability/pack/{key}.
func (h *Handlers) ListPacks(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.ListPacks(r.Context(), urlParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RemovePack handles DELETE /capability/pack/{key}/{version}.
func (h *Handlers) RemovePack(w http.ResponseWriter, r *http.Request) {
	key, version := urlParam(r, "key"), urlParam(r, "version")
	if err := h.Catalog.RemovePack(r.Context(), key, version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertPlaybook handles POST|PUT /capability/pack/{key}/{version}/playbooks[/{id}].
func (h *Handlers) UpsertPlaybook(w http.ResponseWriter, r *http.Request) {
	var pb models.Playbook
	if err := decodeJSON(r, &pb); err != nil {
		writeError(w, err)
		return
	}
	if id := urlParam(r, "playbook_id"); id != "" {
		pb.ID = id
	}
	out, err := h.Catalog.UpsertPlaybook(r.Context(), urlParam(r, "key"), urlParam(r, "version"), &pb)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishCapabilityEvent(r, "pack.playbook.added", out.ID)
	writeJSON(w, http.StatusOK, out)
}

// GetPlaybook handles GET /capability/pack/{key}/{version}/playbooks/{id}.
func (h *Handlers) GetPlaybook(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.GetPlaybook(r.Context(), urlParam(r, "key"), urlParam(r, "version"), urlParam(r, "playbook_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RemovePlaybook handles DELETE /capability/pack/{key}/{version}/playbooks/{id}.
func (h *Handlers) RemovePlaybook(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.RemovePlaybook(r.Context(), urlParam(r, "key"), urlParam(r, "version"), urlParam(r, "playbook_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	StepOrder []string `json:"step_order"`
}

// ReorderPlaybookSteps handles POST /capability/pack/{key}/{version}/playbooks/{id}/reorder.
func (h *Handlers) ReorderPlaybookSteps(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Catalog.ReorderPlaybookSteps(r.Context(), urlParam(r, "key"), urlParam(r, "version"), urlParam(r, "playbook_id"), req.StepOrder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type resolvePlanRequest struct {
	PackKey     string `json:"pack_key"`
	PackVersion string `json:"pack_version,omitempty"`
	PlaybookID  string `json:"playbook_id"`
	WorkspaceID string `json:"workspace_id"`
}

// ResolvePlan handles POST /capability/resolve.
func (h *Handlers) ResolvePlan(w http.ResponseWriter, r *http.Request) {
	var req resolvePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	plan, err := h.Resolver.Resolve(r.Context(), req.PackKey, req.PackVersion, req.PlaybookID, req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// publishCapabilityEvent emits "<org>.capability.<event>.v1" best-effort, mirroring
// publishArtifactEvent's treatment of direct artifact-store writes.
func (h *Handlers) publishCapabilityEvent(r *http.Request, event, key string) {
	if h.Publisher == nil {
		return
	}
	h.publishArtifactEventRaw(r, "capability", event, map[string]any{"key": key, "event": event})
}
