package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/capreg"
	"github.com/cam-modernize/learning-control-plane/internal/config"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/internal/mcpinvoker"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// fakeInvoker returns a fixed result for every tool call, or an error sequence used
// to exercise the retry path.
type fakeInvoker struct {
	results map[string]map[string]any
	errSeq  []error // consumed in order per tool key, nil once empty
	calls   int
}

func (f *fakeInvoker) CallTool(_ context.Context, tool string, _ map[string]any, _ mcpinvoker.CallOptions) (map[string]any, error) {
	f.calls++
	if len(f.errSeq) > 0 {
		err := f.errSeq[0]
		f.errSeq = f.errSeq[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.results[tool], nil
}

func (f *fakeInvoker) Close() error { return nil }

func newTestRegistry(t *testing.T, kinds ...string) *kindreg.InMemoryRegistry {
	t.Helper()
	reg := kindreg.NewInMemoryRegistry()
	for _, id := range kinds {
		_, err := reg.UpsertKind(context.Background(), &models.Kind{
			ID:     id,
			Status: models.KindStatusActive,
			SchemaVersions: []models.SchemaVersion{
				{Version: "1.0.0", JSONSchema: map[string]any{"type": "object"}},
			},
			LatestSchemaVersion: "1.0.0",
		})
		require.NoError(t, err)
	}
	return reg
}

func testPack() *models.CapabilityPack {
	return &models.CapabilityPack{
		Key:           "cam.mainframe",
		Version:       "1.0.0",
		CapabilityIDs: []string{"cap.parse-cobol"},
		Tools: map[string]models.ToolDefinition{
			"cobol-parser": {Key: "cobol-parser"},
		},
		Playbooks: []models.Playbook{
			{
				ID: "pb.default",
				Steps: []models.Step{
					{
						ID: "s1", Type: models.StepToolCall, Emits: []string{"cam.cobol.program"},
						IntegrationRef: "integ.cobol",
						ToolCalls:      []models.StepToolCall{{ToolKey: "cobol-parser"}},
					},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, invoker mcpinvoker.Invoker, strategy models.RunStrategy) (*Engine, *artifactstore.InMemoryStore) {
	t.Helper()
	kinds := newTestRegistry(t, "cam.cobol.program")
	store := artifactstore.NewInMemoryStore()
	catalog := capreg.NewInMemoryCatalog(kinds)
	_, err := catalog.UpsertCapability(context.Background(), &models.Capability{
		ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"},
	})
	require.NoError(t, err)
	_, err = catalog.UpsertIntegration(context.Background(), &models.Integration{
		IntegrationID: "integ.cobol",
		Transport:     models.Transport{Kind: models.TransportHTTP, BaseURL: "http://fake"},
		Tools:         map[string]models.ToolDefinition{"cobol-parser": {Key: "cobol-parser"}},
	})
	require.NoError(t, err)
	_, err = catalog.UpsertPack(context.Background(), testPack())
	require.NoError(t, err)

	resolver := capreg.NewResolver(catalog)
	validators := kindreg.NewValidatorCache()

	newInvoker := func(*models.Integration) (mcpinvoker.Invoker, error) { return invoker, nil }

	cfg := config.OrchestratorConfig{
		StepRetryMaxAttempts:   3,
		StepRetryBackoffBase:   time.Millisecond,
		ContextMaxItemsPerKind: 25,
	}

	eng := NewEngine(kinds, store, catalog, resolver, validators, nil, nil, newInvoker, cfg, "cam")
	return eng, store
}

func waitForTerminal(t *testing.T, eng *Engine, runID string, store *artifactstore.InMemoryStore, workspaceID string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		eng.mu.Lock()
		_, running := eng.runs[runID]
		eng.mu.Unlock()
		if !running {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func TestStartRunExecutesStepAndUpsertsArtifact(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]map[string]any{
		"cobol-parser": {"name": "PAYROLL", "lines": float64(120)},
	}}
	eng, store := newTestEngine(t, invoker, models.RunStrategyDelta)

	run, err := eng.StartRun(context.Background(), "ws-1", "cam.mainframe", "1.0.0", "pb.default",
		models.RunStrategyDelta, map[string]any{}, models.RunOptions{})
	require.NoError(t, err)

	waitForTerminal(t, eng, run.RunID, store, "ws-1")

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	require.Len(t, run.Audit, 1)
	assert.Equal(t, "s1", run.Audit[0].StepID)
	assert.Empty(t, run.Audit[0].Error)
	assert.Equal(t, 1, run.Deltas.New)

	ws, err := store.GetParentDoc(context.Background(), "ws-1", false)
	require.NoError(t, err)
	require.Len(t, ws.Artifacts, 1)
	assert.Equal(t, "cam.cobol.program", ws.Artifacts[0].Kind)
	assert.Equal(t, "PAYROLL", ws.Artifacts[0].Name)
}

func TestToolCallRetriesTransientFailureThenSucceeds(t *testing.T) {
	invoker := &fakeInvoker{
		results: map[string]map[string]any{"cobol-parser": {"name": "PAYROLL"}},
		errSeq:  []error{&apierr.TransportTimeout{Tool: "cobol-parser"}},
	}
	eng, store := newTestEngine(t, invoker, models.RunStrategyDelta)

	run, err := eng.StartRun(context.Background(), "ws-2", "cam.mainframe", "1.0.0", "pb.default",
		models.RunStrategyDelta, map[string]any{}, models.RunOptions{})
	require.NoError(t, err)
	waitForTerminal(t, eng, run.RunID, store, "ws-2")

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, invoker.calls) // one failure, one retry success
}

func TestBaselineStrategyFlushesBatchOnLastStep(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]map[string]any{
		"cobol-parser": {"name": "PAYROLL"},
	}}
	eng, store := newTestEngine(t, invoker, models.RunStrategyBaseline)

	run, err := eng.StartRun(context.Background(), "ws-3", "cam.mainframe", "1.0.0", "pb.default",
		models.RunStrategyBaseline, map[string]any{}, models.RunOptions{})
	require.NoError(t, err)
	waitForTerminal(t, eng, run.RunID, store, "ws-3")

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Deltas.New)
	assert.Empty(t, eng.pendingBatches[run.RunID])

	ws, err := store.GetParentDoc(context.Background(), "ws-3", false)
	require.NoError(t, err)
	assert.Len(t, ws.Artifacts, 1)
}

func TestGateProducedPassesWhenEmptyResultStillYieldsEmittedKind(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]map[string]any{
		"cobol-parser": {}, // produces nothing usable as cam.cobol.program
	}}
	eng, store := newTestEngine(t, invoker, models.RunStrategyDelta)

	run, err := eng.StartRun(context.Background(), "ws-4", "cam.mainframe", "1.0.0", "pb.default",
		models.RunStrategyDelta, map[string]any{}, models.RunOptions{AllowPartialStepFailures: false})
	require.NoError(t, err)
	waitForTerminal(t, eng, run.RunID, store, "ws-4")

	// An empty result still validates (schema is permissive {"type":"object"}) and
	// assigns a natural key, so gate_produced sees the kind as produced. This test
	// documents that behavior rather than asserting a failure.
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestEvaluateConditionSkipsStepWithoutError(t *testing.T) {
	ok, err := evaluateCondition(`strategy == "baseline"`, conditionEnv(&models.Run{Strategy: models.RunStrategyDelta}, nil))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evaluateCondition(`strategy == "delta"`, conditionEnv(&models.Run{Strategy: models.RunStrategyDelta}, nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateConditionEmptyStringAlwaysTrue(t *testing.T) {
	ok, err := evaluateCondition("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCollectKindPrefersProducedOverBaselineAndCapsAtLimit(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeInvoker{}, models.RunStrategyDelta)
	run := &models.Run{
		Produced: map[string][]models.Artifact{
			"cam.cobol.program": {{ArtifactID: "a1", Kind: "cam.cobol.program", Name: "ONE"}},
		},
	}
	ws := &models.WorkspaceAggregate{
		Artifacts: []models.Artifact{
			{ArtifactID: "a2", Kind: "cam.cobol.program", Name: "TWO"},
			{ArtifactID: "a3", Kind: "cam.cobol.program", Name: "THREE"},
		},
	}
	got := eng.collectKind(run, ws, "cam.cobol.program", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ArtifactID)
	assert.Equal(t, "a2", got[1].ArtifactID)
}
