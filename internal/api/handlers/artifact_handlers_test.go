package handlers_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

func TestUpsertArtifactInsertThenUpdateThenNoop(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	body := map[string]any{
		"kind": "cam.cobol.program",
		"name": "PAYROLL",
		"data": map[string]any{"lines": 120},
	}

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", body, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "insert", w.Header().Get("X-Op"))
	assert.Equal(t, "false", w.Header().Get("X-Event-Published")) // no publisher wired

	w = doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "noop", w.Header().Get("X-Op"))

	body["data"] = map[string]any{"lines": 250}
	w = doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "update", w.Header().Get("X-Op"))

	var artifact models.Artifact
	decodeBody(t, w, &artifact)
	assert.EqualValues(t, 2, artifact.Version)
}

func TestUpsertArtifactMissingWorkspaceIs404(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/unknown-ws", map[string]any{
		"kind": "cam.cobol.program", "name": "X", "data": map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpsertArtifactSchemaViolationIs422(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", map[string]any{
		"type":     "object",
		"required": []any{"lines"},
	})
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", map[string]any{
		"kind": "cam.cobol.program", "name": "PAYROLL", "data": map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetDeltasRequiresRunID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	w := doJSON(t, env.Router, http.MethodGet, "/artifact/ws-1/deltas", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/artifact/ws-1/deltas?run_id=run-1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReplaceArtifactHonorsIfMatch(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", map[string]any{
		"kind": "cam.cobol.program", "name": "PAYROLL", "data": map[string]any{"lines": 1},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var artifact models.Artifact
	decodeBody(t, w, &artifact)

	// Stale If-Match is rejected.
	w = doJSON(t, env.Router, http.MethodPut, "/artifact/ws-1/"+artifact.ArtifactID, map[string]any{
		"new_data": map[string]any{"lines": 2},
	}, map[string]string{"If-Match": "99"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	// Correct If-Match succeeds.
	w = doJSON(t, env.Router, http.MethodPut, "/artifact/ws-1/"+artifact.ArtifactID, map[string]any{
		"new_data": map[string]any{"lines": 2},
	}, map[string]string{"If-Match": "1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPatchArtifactRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", map[string]any{
		"kind": "cam.cobol.program", "name": "PAYROLL", "data": map[string]any{"lines": 1},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var artifact models.Artifact
	decodeBody(t, w, &artifact)

	patch := map[string]any{
		"patch": []map[string]any{
			{"op": "replace", "path": "/lines", "value": 2},
		},
	}
	w = doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1/"+artifact.ArtifactID+"/patch", patch, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/artifact/ws-1/"+artifact.ArtifactID+"/history", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var history []map[string]any
	decodeBody(t, w, &history)
	assert.Len(t, history, 1)
}

func TestSoftDeleteArtifact(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1", map[string]any{
		"kind": "cam.cobol.program", "name": "PAYROLL", "data": map[string]any{},
	}, nil)
	var artifact models.Artifact
	decodeBody(t, w, &artifact)

	w = doJSON(t, env.Router, http.MethodDelete, "/artifact/ws-1/"+artifact.ArtifactID, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/artifact/ws-1/"+artifact.ArtifactID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetAndMergeBaselineInputs(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Artifacts.CreateParentDoc(context.Background(), "ws-1", map[string]any{}, nil)
	require.NoError(t, err)

	w := doJSON(t, env.Router, http.MethodPost, "/artifact/ws-1/baseline-inputs", map[string]any{
		"avc": map[string]any{"feature_x": true},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodPatch, "/artifact/ws-1/baseline-inputs", map[string]any{
		"pss": map[string]any{"team": "core"},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
