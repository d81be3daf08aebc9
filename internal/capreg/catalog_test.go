package capreg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

func newTestKindRegistry(t *testing.T, kindIDs ...string) kindreg.Registry {
	t.Helper()
	reg := kindreg.NewInMemoryRegistry()
	for _, id := range kindIDs {
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

func samplePack(key, version string) *models.CapabilityPack {
	return &models.CapabilityPack{
		Key:           key,
		Version:       version,
		CapabilityIDs: []string{"cap.parse-cobol"},
		Tools: map[string]models.ToolDefinition{
			"cobol-parser": {Key: "cobol-parser"},
		},
		Playbooks: []models.Playbook{
			{
				ID: "pb.default",
				Steps: []models.Step{
					{ID: "s1", Type: models.StepCapability, CapabilityID: "cap.parse-cobol", Emits: []string{"cam.cobol.program"}},
					{ID: "s2", Type: models.StepToolCall, Emits: []string{"cam.cobol.callgraph"},
						RequiresKinds: []string{"cam.cobol.program"},
						ToolCalls:     []models.StepToolCall{{ToolKey: "cobol-parser"}}},
				},
				Produces: []string{"cam.cobol.program", "cam.cobol.callgraph"},
			},
		},
		UpdatedAt: time.Now().UTC(),
	}
}

func TestUpsertCapabilityValidatesAgainstKindRegistry(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program")
	cat := NewInMemoryCatalog(kinds)

	_, err := cat.UpsertCapability(context.Background(), &models.Capability{
		ID:            "cap.parse-cobol",
		ProducesKinds: []string{"cam.cobol.program"},
	})
	require.NoError(t, err)

	_, err = cat.UpsertCapability(context.Background(), &models.Capability{
		ID:            "cap.unknown-kind",
		ProducesKinds: []string{"cam.does.not.exist"},
	})
	require.Error(t, err)
	assert.Equal(t, 404, apierr.StatusOf(err))
}

func TestUpsertPackValidatesCapabilityAndToolReferences(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph")
	cat := NewInMemoryCatalog(kinds)
	_, err := cat.UpsertCapability(context.Background(), &models.Capability{
		ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"},
	})
	require.NoError(t, err)

	_, err = cat.UpsertPack(context.Background(), samplePack("cam.mainframe", "1.0.0"))
	require.NoError(t, err)

	bad := samplePack("cam.mainframe", "1.0.1")
	bad.Playbooks[0].Steps[0].CapabilityID = "cap.does-not-exist"
	_, err = cat.UpsertPack(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, 404, apierr.StatusOf(err))
}

func TestReorderPlaybookStepsPreservesOmittedStepsAtEnd(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph")
	cat := NewInMemoryCatalog(kinds)
	_, _ = cat.UpsertCapability(context.Background(), &models.Capability{ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"}})
	_, err := cat.UpsertPack(context.Background(), samplePack("cam.mainframe", "1.0.0"))
	require.NoError(t, err)

	pb, err := cat.ReorderPlaybookSteps(context.Background(), "cam.mainframe", "1.0.0", "pb.default", []string{"s2"})
	require.NoError(t, err)
	require.Len(t, pb.Steps, 2)
	assert.Equal(t, "s2", pb.Steps[0].ID)
	assert.Equal(t, "s1", pb.Steps[1].ID)
}

func TestResolvePackPicksHighestSemverWhenCanaryDisabled(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph")
	cat := NewInMemoryCatalog(kinds)
	_, _ = cat.UpsertCapability(context.Background(), &models.Capability{ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"}})

	stable := samplePack("cam.mainframe", "1.0.0")
	stable.CanaryVersion = "1.1.0"
	stable.CanaryPercent = 0 // disabled: never routes to canary
	_, err := cat.UpsertPack(context.Background(), stable)
	require.NoError(t, err)

	canary := samplePack("cam.mainframe", "1.1.0")
	_, err = cat.UpsertPack(context.Background(), canary)
	require.NoError(t, err)

	resolved, err := cat.ResolvePack(context.Background(), "cam.mainframe", "", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", resolved.Version) // highest semver, since canary is disabled
}

func TestResolvePackHonorsExplicitVersion(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph")
	cat := NewInMemoryCatalog(kinds)
	_, _ = cat.UpsertCapability(context.Background(), &models.Capability{ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"}})
	_, err := cat.UpsertPack(context.Background(), samplePack("cam.mainframe", "1.0.0"))
	require.NoError(t, err)
	_, err = cat.UpsertPack(context.Background(), samplePack("cam.mainframe", "2.0.0"))
	require.NoError(t, err)

	resolved, err := cat.ResolvePack(context.Background(), "cam.mainframe", "1.0.0", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resolved.Version)
}
