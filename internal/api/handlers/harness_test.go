// Tests in this directory exercise the REST surface end to end through the real chi
// router, mirroring the orchestrator's own fixture style (in-memory registry + store
// + catalog, no network). Declared as an external test package so it can import
// internal/api (which itself imports this package) without a cycle.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/internal/api"
	"github.com/cam-modernize/learning-control-plane/internal/api/handlers"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/capreg"
	"github.com/cam-modernize/learning-control-plane/internal/config"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/internal/mcpinvoker"
	"github.com/cam-modernize/learning-control-plane/internal/orchestrator"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// testEnv bundles every collaborator a test might want direct access to, alongside
// the assembled router.
type testEnv struct {
	Router    http.Handler
	Kinds     *kindreg.InMemoryRegistry
	Artifacts *artifactstore.InMemoryStore
	Catalog   *capreg.InMemoryCatalog
	Engine    *orchestrator.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	kinds := kindreg.NewInMemoryRegistry()
	validators := kindreg.NewValidatorCache()
	store := artifactstore.NewInMemoryStore()
	catalog := capreg.NewInMemoryCatalog(kinds)
	resolver := capreg.NewResolver(catalog)

	newInvoker := func(*models.Integration) (mcpinvoker.Invoker, error) {
		return nil, nil
	}
	engine := orchestrator.NewEngine(kinds, store, catalog, resolver, validators, nil, nil, newInvoker, config.OrchestratorConfig{}, "cam")

	h := handlers.New(kinds, validators, store, catalog, resolver, engine, nil, "cam")
	router := api.NewRouter(&config.Config{}, h, nil)

	return &testEnv{Router: router, Kinds: kinds, Artifacts: store, Catalog: catalog, Engine: engine}
}

// upsertKind registers a kind with a trivial permissive schema, so payload validation
// always succeeds unless a test supplies a narrower schema itself.
func upsertKind(t *testing.T, kinds *kindreg.InMemoryRegistry, id string, schema map[string]any) {
	t.Helper()
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	_, err := kinds.UpsertKind(context.Background(), &models.Kind{
		ID:     id,
		Status: models.KindStatusActive,
		SchemaVersions: []models.SchemaVersion{
			{Version: "1.0.0", JSONSchema: schema},
		},
		LatestSchemaVersion: "1.0.0",
	})
	require.NoError(t, err)
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := jsonRequest(t, method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}
