package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListAndGetKind(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)

	w := doJSON(t, env.Router, http.MethodGet, "/registry/kinds", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/registry/kinds/cam.cobol.program", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/registry/kinds/does.not.exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdaptKindIsANoopWithoutAdapters(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)

	w := doJSON(t, env.Router, http.MethodPost, "/registry/kinds/cam.cobol.program/adapt", map[string]any{
		"data": map[string]any{"lines": 120},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	decodeBody(t, w, &out)
	assert.Equal(t, float64(120), out["data"].(map[string]any)["lines"])
}

func TestValidateAgainstKind(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", map[string]any{
		"type":     "object",
		"required": []any{"lines"},
	})

	w := doJSON(t, env.Router, http.MethodPost, "/registry/validate", map[string]any{
		"kind": "cam.cobol.program",
		"data": map[string]any{"lines": 1},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	decodeBody(t, w, &out)
	assert.Equal(t, true, out["valid"])

	w = doJSON(t, env.Router, http.MethodPost, "/registry/validate", map[string]any{
		"kind": "cam.cobol.program",
		"data": map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decodeBody(t, w, &out)
	assert.Equal(t, false, out["valid"])
}

func TestKindsExist(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)

	w := doJSON(t, env.Router, http.MethodPost, "/registry/kinds/exists", map[string]any{
		"kinds": []string{"cam.cobol.program", "cam.jcl.job"},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var out map[string]bool
	decodeBody(t, w, &out)
	assert.True(t, out["cam.cobol.program"])
	assert.False(t, out["cam.jcl.job"])
}

func TestGetRegistryMetaSetsETag(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)

	w := doJSON(t, env.Router, http.MethodGet, "/registry/meta", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("ETag"))
}
