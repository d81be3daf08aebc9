package handlers

import (
	"net/http"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
)

// ListKinds handles GET /registry/kinds.
func (h *Handlers) ListKinds(w http.ResponseWriter, r *http.Request) {
	kinds, err := h.Kinds.ListKinds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kinds)
}

// GetKind handles GET /registry/kinds/{id}.
func (h *Handlers) GetKind(w http.ResponseWriter, r *http.Request) {
	kind, err := h.Kinds.ResolveKind(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kind)
}

// GetKindPrompt handles GET /registry/kinds/{id}/prompt.
func (h *Handlers) GetKindPrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selectors := map[string]string{}
	for _, k := range []string{"paradigm", "style", "format"} {
		if v := q.Get(k); v != "" {
			selectors[k] = v
		}
	}
	prompt, err := kindreg.SelectPrompt(h.Kinds, r.Context(), urlParam(r, "id"), q.Get("version"), selectors)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

type adaptRequest struct {
	Data        map[string]any `json:"data"`
	FromVersion string         `json:"from_version,omitempty"`
	ToVersion   string         `json:"to_version,omitempty"`
}

// AdaptKind handles POST /registry/kinds/{id}/adapt: applies the schema version's
// adapter DSL when from_version is empty, otherwise migrates across versions.
func (h *Handlers) AdaptKind(w http.ResponseWriter, r *http.Request) {
	kindID := urlParam(r, "id")
	var req adaptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.FromVersion == "" {
		adapted, err := kindreg.Adapt(h.Kinds, r.Context(), kindID, req.ToVersion, req.Data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": adapted})
		return
	}
	migrated, toVersion, err := kindreg.Migrate(h.Kinds, r.Context(), kindID, req.Data, req.FromVersion, req.ToVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": migrated, "version": toVersion})
}

type validateRequest struct {
	Kind    string         `json:"kind"`
	Version string         `json:"version,omitempty"`
	Data    map[string]any `json:"data"`
}

// ValidateAgainstKind handles POST /registry/validate.
func (h *Handlers) ValidateAgainstKind(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sv, err := h.Kinds.GetSchemaVersion(r.Context(), req.Kind, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Validators.Validate(req.Kind, sv.Version, sv.JSONSchema, req.Data); err != nil {
		var sve *apierr.SchemaValidation
		if errorsAsSchemaValidation(err, &sve) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "detail": sve.Error(), "pointer": sve.Pointer})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func errorsAsSchemaValidation(err error, target **apierr.SchemaValidation) bool {
	sve, ok := err.(*apierr.SchemaValidation)
	if ok {
		*target = sve
	}
	return ok
}

type existsRequest struct {
	Kinds []string `json:"kinds"`
}

// KindsExist handles POST /registry/kinds/exists.
func (h *Handlers) KindsExist(w http.ResponseWriter, r *http.Request) {
	var req existsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	exist, err := h.Kinds.KindsExist(r.Context(), req.Kinds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exist)
}

// GetRegistryMeta handles GET /registry/meta.
func (h *Handlers) GetRegistryMeta(w http.ResponseWriter, r *http.Request) {
	meta := h.Kinds.Meta(r.Context())
	w.Header().Set("ETag", meta.ETag)
	writeJSON(w, http.StatusOK, meta)
}
