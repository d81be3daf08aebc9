package artifactstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

func newTestWorkspace(t *testing.T, s *InMemoryStore, workspaceID string) {
	t.Helper()
	_, err := s.CreateParentDoc(context.Background(), workspaceID, map[string]any{"name": "demo"}, nil)
	require.NoError(t, err)
}

func TestUpsertArtifactInsertsOnFirstSeen(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	a, op, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{
		Kind: "cam.cobol.program",
		Name: "PAYROLL",
		Data: map[string]any{"lines": 120},
	}, "run-1")

	require.NoError(t, err)
	assert.Equal(t, models.OpInsert, op)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, "run-1", a.Lineage.FirstSeenRunID)
	assert.Equal(t, "run-1", a.Lineage.LastSeenRunID)
	assert.NotEmpty(t, a.Fingerprint)
}

func TestUpsertArtifactIsIdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	payload := UpsertPayload{Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 120}}
	first, _, err := s.UpsertArtifact(ctx, "ws1", payload, "run-1")
	require.NoError(t, err)

	second, op, err := s.UpsertArtifact(ctx, "ws1", payload, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.OpNoop, op)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "run-1", second.Lineage.FirstSeenRunID)
	assert.Equal(t, "run-2", second.Lineage.LastSeenRunID)
}

func TestUpsertArtifactDetectsChangeAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	base := UpsertPayload{Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 120}}
	first, _, err := s.UpsertArtifact(ctx, "ws1", base, "run-1")
	require.NoError(t, err)

	changed := base
	changed.Data = map[string]any{"lines": 130}
	second, op, err := s.UpsertArtifact(ctx, "ws1", changed, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.OpUpdate, op)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, "run-2", second.Provenance.RunID)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestApplyPatchNoOpWhenResultUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	a, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{
		Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 120},
	}, "run-1")
	require.NoError(t, err)

	patch := []byte(`[{"op":"replace","path":"/lines","value":120}]`)
	updated, err := s.ApplyPatch(ctx, "ws1", a.ArtifactID, patch, models.Provenance{RunID: "run-2"}, a.Version)
	require.NoError(t, err)
	assert.Equal(t, a.Version, updated.Version)
}

func TestApplyPatchBumpsVersionWhenDataChanges(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	a, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{
		Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 120},
	}, "run-1")
	require.NoError(t, err)

	patch := []byte(`[{"op":"replace","path":"/lines","value":999}]`)
	updated, err := s.ApplyPatch(ctx, "ws1", a.ArtifactID, patch, models.Provenance{RunID: "run-2"}, a.Version)
	require.NoError(t, err)
	assert.Equal(t, a.Version+1, updated.Version)
	assert.Equal(t, float64(999), updated.Data["lines"])

	history, err := s.ListPatches(ctx, a.ArtifactID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, a.Version, history[0].FromVersion)
	assert.Equal(t, updated.Version, history[0].ToVersion)
}

func TestSoftDeleteThenResurrectViaUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	a, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{
		Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 120},
	}, "run-1")
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteArtifact(ctx, "ws1", a.ArtifactID))

	_, err = s.GetArtifact(ctx, "ws1", a.ArtifactID, false)
	require.Error(t, err)
	assert.Equal(t, 404, apierr.StatusOf(err))

	withDeleted, err := s.GetArtifact(ctx, "ws1", a.ArtifactID, true)
	require.NoError(t, err)
	assert.NotNil(t, withDeleted.DeletedAt)

	resurrected, op, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{
		Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 500},
	}, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.OpInsert, op)
	assert.NotEqual(t, a.ArtifactID, resurrected.ArtifactID)
}

func TestReplaceArtifactPreconditionFailedOnVersionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	a, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{
		Kind: "cam.cobol.program", Name: "PAYROLL", Data: map[string]any{"lines": 120},
	}, "run-1")
	require.NoError(t, err)

	_, err = s.ReplaceArtifact(ctx, "ws1", a.ArtifactID, map[string]any{"lines": 1}, nil, models.Provenance{}, a.Version+1)
	require.Error(t, err)
	assert.Equal(t, 412, apierr.StatusOf(err))
}

func TestComputeRunDeltasPartitionsByPrecedence(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	newArt, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "new-one", Data: map[string]any{"a": 1}}, "run-2")
	require.NoError(t, err)

	_, _, err = s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "unchanged-one", Data: map[string]any{"a": 1}}, "run-1")
	require.NoError(t, err)
	_, _, err = s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "unchanged-one", Data: map[string]any{"a": 1}}, "run-2")
	require.NoError(t, err)

	updatedArt, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "updated-one", Data: map[string]any{"a": 1}}, "run-1")
	require.NoError(t, err)
	_, _, err = s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "updated-one", Data: map[string]any{"a": 2}}, "run-2")
	require.NoError(t, err)

	retired, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "retired-one", Data: map[string]any{"a": 1}}, "run-1")
	require.NoError(t, err)

	deleted, _, err := s.UpsertArtifact(ctx, "ws1", UpsertPayload{Kind: "k", Name: "deleted-one", Data: map[string]any{"a": 1}}, "run-1")
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteArtifact(ctx, "ws1", deleted.ArtifactID))

	buckets, err := s.ComputeRunDeltas(ctx, "ws1", "run-2", true)
	require.NoError(t, err)

	assertContainsID(t, buckets.New, newArt.ArtifactID)
	assertContainsID(t, buckets.Updated, updatedArt.ArtifactID)
	assertContainsID(t, buckets.Retired, retired.ArtifactID)
	assertContainsID(t, buckets.Deleted, deleted.ArtifactID)
	assert.Equal(t, 1, buckets.Counts.New)
	assert.Equal(t, 1, buckets.Counts.Updated)
	assert.Equal(t, 1, buckets.Counts.Retired)
	assert.Equal(t, 1, buckets.Counts.Deleted)
}

func assertContainsID(t *testing.T, artifacts []models.Artifact, id string) {
	t.Helper()
	for _, a := range artifacts {
		if a.ArtifactID == id {
			return
		}
	}
	t.Fatalf("artifact %s not found in bucket", id)
}

func TestMergeInputsBaselineReturnsChangedKeysOnly(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	newTestWorkspace(t, s, "ws1")

	_, changed, err := s.MergeInputsBaseline(ctx, "ws1", map[string]any{"stage": "avc1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"avc"}, changed)

	_, changedAgain, err := s.MergeInputsBaseline(ctx, "ws1", map[string]any{"stage": "avc1"}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, changedAgain)
}

func TestDeriveCopyPathsTruncatesAtSoftCap(t *testing.T) {
	candidates := make([]string, 25)
	for i := range candidates {
		candidates[i] = "dir"
	}
	out := DeriveCopyPaths(candidates, 20)
	assert.Len(t, out, 20)

	small := []string{"a", "b"}
	assert.Equal(t, small, DeriveCopyPaths(small, 20))
}
