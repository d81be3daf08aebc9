package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// upsertRequest is the wire shape of POST /artifact/{workspace} and one item of
// POST /artifact/{workspace}/upsert-batch.
type upsertRequest struct {
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	Data        map[string]any    `json:"data"`
	Diagrams    []models.Diagram  `json:"diagrams,omitempty"`
	NaturalKey  string            `json:"natural_key,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Provenance  models.Provenance `json:"provenance,omitempty"`
}

// resolveAndValidate validates data against kindID's latest schema version, returning
// its Identity rule for natural-key derivation.
func (h *Handlers) resolveAndValidate(r *http.Request, kindID string, data map[string]any) (models.Identity, error) {
	ctx := r.Context()
	sv, err := h.Kinds.GetSchemaVersion(ctx, kindID, "")
	if err != nil {
		return models.Identity{}, err
	}
	if err := h.Validators.Validate(kindID, sv.Version, sv.JSONSchema, data); err != nil {
		return models.Identity{}, err
	}
	return sv.Identity, nil
}

func (h *Handlers) toPayload(r *http.Request, req upsertRequest) (artifactstore.UpsertPayload, error) {
	if req.Kind == "" || req.Name == "" {
		return artifactstore.UpsertPayload{}, &apierr.InvalidParams{Message: "kind and name are required"}
	}
	identity, err := h.resolveAndValidate(r, req.Kind, req.Data)
	if err != nil {
		return artifactstore.UpsertPayload{}, err
	}
	naturalKey := req.NaturalKey
	if naturalKey == "" {
		naturalKey = kindreg.NaturalKey(req.Kind, req.Name, identity, req.Data)
	}
	return artifactstore.UpsertPayload{
		Kind:        req.Kind,
		Name:        req.Name,
		Data:        req.Data,
		NaturalKey:  naturalKey,
		Fingerprint: req.Fingerprint,
		Diagrams:    req.Diagrams,
		Provenance:  req.Provenance,
	}, nil
}

// UpsertArtifact handles POST /artifact/{workspace}.
func (h *Handlers) UpsertArtifact(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	var req upsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payload, err := h.toPayload(r, req)
	if err != nil {
		writeError(w, err)
		return
	}
	runID := r.Header.Get("X-Run-Id")

	artifact, op, err := h.Artifacts.UpsertArtifact(r.Context(), workspace, payload, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	published := false
	if op != models.OpNoop {
		event := "created"
		if op == models.OpUpdate {
			event = "updated"
		}
		published = h.publishArtifactEvent(r, event, map[string]any{
			"workspace_id": workspace,
			"artifact_id":  artifact.ArtifactID,
			"kind":         artifact.Kind,
			"natural_key":  artifact.NaturalKey,
			"run_id":       runID,
			"event":        event,
		})
	}

	w.Header().Set("ETag", strconv.FormatInt(artifact.Version, 10))
	w.Header().Set("X-Op", string(op))
	w.Header().Set("X-Event-Published", strconv.FormatBool(published))

	status := http.StatusOK
	if op == models.OpInsert {
		status = http.StatusCreated
	}
	writeJSON(w, status, artifact)
}

type batchRequest struct {
	Items []upsertRequest `json:"items"`
}

// UpsertBatch handles POST /artifact/{workspace}/upsert-batch.
func (h *Handlers) UpsertBatch(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	runID := r.Header.Get("X-Run-Id")

	payloads := make([]artifactstore.UpsertPayload, 0, len(req.Items))
	payloadErrs := make([]error, len(req.Items))
	for i, item := range req.Items {
		p, err := h.toPayload(r, item)
		payloadErrs[i] = err
		if err == nil {
			payloads = append(payloads, p)
		}
	}

	results, err := h.Artifacts.UpsertBatch(r.Context(), workspace, payloads, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	counts := map[string]int{"insert": 0, "update": 0, "noop": 0, "failed": 0}
	items := make([]map[string]any, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			counts["failed"]++
			items = append(items, map[string]any{"error": res.Err.Error()})
			continue
		}
		counts[string(res.Op)]++
		if res.Op != models.OpNoop {
			event := "created"
			if res.Op == models.OpUpdate {
				event = "updated"
			}
			h.publishArtifactEvent(r, event, map[string]any{
				"workspace_id": workspace,
				"artifact_id":  res.Artifact.ArtifactID,
				"kind":         res.Artifact.Kind,
				"natural_key":  res.Artifact.NaturalKey,
				"run_id":       runID,
				"event":        event,
			})
		}
		items = append(items, map[string]any{"artifact": res.Artifact, "op": res.Op})
	}
	for _, perr := range payloadErrs {
		if perr != nil {
			counts["failed"]++
		}
	}

	w.Header().Set("X-Batch-Insert", strconv.Itoa(counts["insert"]))
	w.Header().Set("X-Batch-Update", strconv.Itoa(counts["update"]))
	w.Header().Set("X-Batch-Noop", strconv.Itoa(counts["noop"]))
	w.Header().Set("X-Batch-Failed", strconv.Itoa(counts["failed"]))
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "results": items})
}

// ListArtifacts handles GET /artifact/{workspace}.
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	filter := artifactstore.ListFilter{
		Kind:           r.URL.Query().Get("kind"),
		NamePrefix:     r.URL.Query().Get("name_prefix"),
		IncludeDeleted: queryBool(r, "include_deleted"),
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	artifacts, err := h.Artifacts.ListArtifacts(r.Context(), workspace, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// GetParentDoc handles GET /artifact/{workspace}/parent.
func (h *Handlers) GetParentDoc(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	ws, err := h.Artifacts.GetParentDoc(r.Context(), workspace, queryBool(r, "include_deleted"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// GetDeltas handles GET /artifact/{workspace}/deltas.
func (h *Handlers) GetDeltas(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeDetail(w, http.StatusBadRequest, "run_id is required")
		return
	}
	buckets, err := h.Artifacts.ComputeRunDeltas(r.Context(), workspace, runID, queryBool(r, "include_ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// GetArtifact handles GET and HEAD /artifact/{workspace}/{artifact_id}.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	artifactID := urlParam(r, "artifact_id")
	artifact, err := h.Artifacts.GetArtifact(r.Context(), workspace, artifactID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(artifact.Version, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

type replaceRequest struct {
	NewData     map[string]any    `json:"new_data,omitempty"`
	NewDiagrams []models.Diagram  `json:"new_diagrams,omitempty"`
	Provenance  models.Provenance `json:"provenance,omitempty"`
}

// ReplaceArtifact handles PUT /artifact/{workspace}/{artifact_id}.
func (h *Handlers) ReplaceArtifact(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	artifactID := urlParam(r, "artifact_id")
	var req replaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	expected := expectedVersion(r)
	artifact, err := h.Artifacts.ReplaceArtifact(r.Context(), workspace, artifactID, req.NewData, req.NewDiagrams, req.Provenance, expected)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishArtifactEvent(r, "updated", map[string]any{
		"workspace_id": workspace,
		"artifact_id":  artifact.ArtifactID,
		"kind":         artifact.Kind,
		"natural_key":  artifact.NaturalKey,
	})
	w.Header().Set("ETag", strconv.FormatInt(artifact.Version, 10))
	writeJSON(w, http.StatusOK, artifact)
}

type patchRequest struct {
	Patch      []map[string]any  `json:"patch"`
	Provenance models.Provenance `json:"provenance,omitempty"`
}

// PatchArtifact handles POST /artifact/{workspace}/{artifact_id}/patch.
func (h *Handlers) PatchArtifact(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	artifactID := urlParam(r, "artifact_id")
	var req patchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rawPatch, err := marshalPatch(req.Patch)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid RFC 6902 patch: "+err.Error())
		return
	}
	expected := expectedVersion(r)
	artifact, err := h.Artifacts.ApplyPatch(r.Context(), workspace, artifactID, rawPatch, req.Provenance, expected)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishArtifactEvent(r, "patched", map[string]any{
		"workspace_id": workspace,
		"artifact_id":  artifact.ArtifactID,
		"kind":         artifact.Kind,
	})
	w.Header().Set("ETag", strconv.FormatInt(artifact.Version, 10))
	writeJSON(w, http.StatusOK, artifact)
}

// GetArtifactHistory handles GET /artifact/{workspace}/{artifact_id}/history.
func (h *Handlers) GetArtifactHistory(w http.ResponseWriter, r *http.Request) {
	artifactID := urlParam(r, "artifact_id")
	history, err := h.Artifacts.ListPatches(r.Context(), artifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// SoftDeleteArtifact handles DELETE /artifact/{workspace}/{artifact_id}.
func (h *Handlers) SoftDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	artifactID := urlParam(r, "artifact_id")
	if err := h.Artifacts.SoftDeleteArtifact(r.Context(), workspace, artifactID); err != nil {
		writeError(w, err)
		return
	}
	h.publishArtifactEvent(r, "deleted", map[string]any{
		"workspace_id": workspace,
		"artifact_id":  artifactID,
	})
	w.WriteHeader(http.StatusNoContent)
}

type baselineRequest struct {
	AVC             map[string]any   `json:"avc,omitempty"`
	PSS             map[string]any   `json:"pss,omitempty"`
	FSSStories      []map[string]any `json:"fss_stories,omitempty"`
	IfAbsentOnly    bool             `json:"if_absent_only,omitempty"`
	ExpectedVersion *int64           `json:"expected_version,omitempty"`
	Merge           bool             `json:"-"`
}

// SetOrMergeBaselineInputs handles POST|PATCH /artifact/{workspace}/baseline-inputs;
// POST sets (full replace, honoring if_absent_only/expected_version), PATCH merges.
func (h *Handlers) SetOrMergeBaselineInputs(w http.ResponseWriter, r *http.Request) {
	workspace := urlParam(r, "workspace")
	var req baselineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if r.Method == http.MethodPatch {
		merged, changed, err := h.Artifacts.MergeInputsBaseline(r.Context(), workspace, req.AVC, req.PSS, req.FSSStories)
		if err != nil {
			writeError(w, err)
			return
		}
		h.publishArtifactEvent(r, "baseline_inputs.set", map[string]any{
			"workspace_id": workspace,
			"changed":      changed,
			"fingerprint":  merged.Fingerprint,
			"version":      merged.Version,
		})
		writeJSON(w, http.StatusOK, map[string]any{"inputs_baseline": merged, "changed": changed})
		return
	}

	newInputs := models.InputsBaseline{AVC: req.AVC, PSS: req.PSS, FSSStories: req.FSSStories}
	baseline, err := h.Artifacts.SetInputsBaseline(r.Context(), workspace, newInputs, req.IfAbsentOnly, req.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishArtifactEvent(r, "baseline_inputs.set", map[string]any{"workspace_id": workspace, "inputs_baseline": baseline})
	writeJSON(w, http.StatusOK, baseline)
}

// marshalPatch re-encodes a decoded RFC 6902 operation list back to the raw JSON
// ApplyPatch expects, since the request body is decoded generically first.
func marshalPatch(ops []map[string]any) ([]byte, error) {
	return json.Marshal(ops)
}

func expectedVersion(r *http.Request) int64 {
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		return 0
	}
	v, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
