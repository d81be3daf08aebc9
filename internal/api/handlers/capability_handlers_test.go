package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

func TestUpsertAndGetCapability(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)

	w := doJSON(t, env.Router, http.MethodPost, "/capability/capabilities", map[string]any{
		"id":             "cap.parse-cobol",
		"produces_kinds": []string{"cam.cobol.program"},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/capability/capabilities/cap.parse-cobol", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodDelete, "/capability/capabilities/cap.parse-cobol", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/capability/capabilities/cap.parse-cobol", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpsertCapabilityUnknownKindIs404(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.Router, http.MethodPost, "/capability/capabilities", map[string]any{
		"id":             "cap.parse-cobol",
		"produces_kinds": []string{"cam.cobol.program"},
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIntegrationCRUD(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.Router, http.MethodPost, "/capability/integration", map[string]any{
		"integration_id": "integ.cobol",
		"transport":      map[string]any{"kind": "http", "base_url": "http://fake"},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/capability/integration", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list []*models.Integration
	decodeBody(t, w, &list)
	assert.Len(t, list, 1)
}

func TestPackAndPlaybookCRUD(t *testing.T) {
	env := newTestEnv(t)
	upsertKind(t, env.Kinds, "cam.cobol.program", nil)
	doJSON(t, env.Router, http.MethodPost, "/capability/capabilities", map[string]any{
		"id":             "cap.parse-cobol",
		"produces_kinds": []string{"cam.cobol.program"},
	}, nil)

	w := doJSON(t, env.Router, http.MethodPost, "/capability/pack/cam.mainframe/1.0.0", map[string]any{
		"capability_ids": []string{"cap.parse-cobol"},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodPost, "/capability/pack/cam.mainframe/1.0.0/playbooks", map[string]any{
		"id": "pb.default",
		"steps": []map[string]any{
			{"id": "s1", "type": "tool_call", "emits": []string{"cam.cobol.program"}},
		},
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/capability/pack/cam.mainframe/1.0.0/playbooks/pb.default", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.Router, http.MethodGet, "/capability/pack/cam.mainframe", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var packs []*models.CapabilityPack
	decodeBody(t, w, &packs)
	assert.Len(t, packs, 1)
}
