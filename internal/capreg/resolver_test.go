package capreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

func TestResolveBuildsPlanWithContractAndUnmetRequirements(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph")
	cat := NewInMemoryCatalog(kinds)
	_, err := cat.UpsertCapability(context.Background(), &models.Capability{
		ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"},
	})
	require.NoError(t, err)
	_, err = cat.UpsertPack(context.Background(), samplePack("cam.mainframe", "1.0.0"))
	require.NoError(t, err)

	resolver := NewResolver(cat)
	plan, err := resolver.Resolve(context.Background(), "cam.mainframe", "1.0.0", "pb.default", "ws-1")
	require.NoError(t, err)

	assert.Equal(t, "cam.mainframe", plan.PackKey)
	assert.Equal(t, "1.0.0", plan.PackVersion)
	assert.Contains(t, plan.PlanID, "pln_")
	assert.ElementsMatch(t, []string{"cam.cobol.program", "cam.cobol.callgraph"}, plan.ArtifactsContract)
	assert.Empty(t, plan.UnmetRequirements["s2"]) // s1 emits cam.cobol.program before s2 requires it
	require.Len(t, plan.Edges, 1)
	assert.Equal(t, models.Edge{From: "s1", To: "s2"}, plan.Edges[0])
}

func TestResolveSurfacesUnmetRequirementWhenPriorStepNeverEmits(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph", "cam.cobol.dataflow")
	cat := NewInMemoryCatalog(kinds)
	_, _ = cat.UpsertCapability(context.Background(), &models.Capability{ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"}})

	pack := samplePack("cam.mainframe", "1.0.0")
	pack.Playbooks[0].Steps[1].RequiresKinds = []string{"cam.cobol.dataflow"} // never emitted by any prior step
	_, err := cat.UpsertPack(context.Background(), pack)
	require.NoError(t, err)

	resolver := NewResolver(cat)
	plan, err := resolver.Resolve(context.Background(), "cam.mainframe", "1.0.0", "pb.default", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cam.cobol.dataflow"}, plan.UnmetRequirements["s2"])
}

func TestPlanIDIsDeterministicForSameInputs(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph")
	cat := NewInMemoryCatalog(kinds)
	_, _ = cat.UpsertCapability(context.Background(), &models.Capability{ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"}})
	_, err := cat.UpsertPack(context.Background(), samplePack("cam.mainframe", "1.0.0"))
	require.NoError(t, err)

	resolver := NewResolver(cat)
	first, err := resolver.Resolve(context.Background(), "cam.mainframe", "1.0.0", "pb.default", "ws-1")
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), "cam.mainframe", "1.0.0", "pb.default", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, first.PlanID, second.PlanID)
}

func TestResolveLinearEdgeFallbackWhenEdgesAbsent(t *testing.T) {
	kinds := newTestKindRegistry(t, "cam.cobol.program", "cam.cobol.callgraph", "cam.cobol.dataflow")
	cat := NewInMemoryCatalog(kinds)
	_, _ = cat.UpsertCapability(context.Background(), &models.Capability{ID: "cap.parse-cobol", ProducesKinds: []string{"cam.cobol.program"}})

	pack := samplePack("cam.mainframe", "1.0.0")
	pack.Playbooks[0].Steps = append(pack.Playbooks[0].Steps, models.Step{
		ID: "s3", Type: models.StepCapability, Emits: []string{"cam.cobol.dataflow"},
	})
	_, err := cat.UpsertPack(context.Background(), pack)
	require.NoError(t, err)

	resolver := NewResolver(cat)
	plan, err := resolver.Resolve(context.Background(), "cam.mainframe", "1.0.0", "pb.default", "ws-1")
	require.NoError(t, err)
	require.Len(t, plan.Edges, 2)
	assert.Equal(t, models.Edge{From: "s1", To: "s2"}, plan.Edges[0])
	assert.Equal(t, models.Edge{From: "s2", To: "s3"}, plan.Edges[1])
}
