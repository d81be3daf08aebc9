package kindreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

func testKind() *models.Kind {
	return &models.Kind{
		ID:       "cam.cobol.program",
		Category: "cobol",
		Status:   models.KindStatusActive,
		Aliases:  []string{"cobol.program"},
		SchemaVersions: []models.SchemaVersion{
			{
				Version: "1.0.0",
				JSONSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"program_id": map[string]any{"type": "string"}},
					"required":   []any{"program_id"},
				},
				AdditionalPropsPolicy: models.AdditionalPropsAllow,
				Identity:              models.Identity{Paths: []string{"program_id"}},
			},
		},
		LatestSchemaVersion: "1.0.0",
	}
}

func TestResolveKindByIDAndAlias(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRegistry()
	_, err := reg.UpsertKind(ctx, testKind())
	require.NoError(t, err)

	byID, err := reg.ResolveKind(ctx, "cam.cobol.program")
	require.NoError(t, err)
	assert.Equal(t, "cam.cobol.program", byID.ID)

	byAlias, err := reg.ResolveKind(ctx, "cobol.program")
	require.NoError(t, err)
	assert.Equal(t, "cam.cobol.program", byAlias.ID)

	_, err = reg.ResolveKind(ctx, "does.not.exist")
	require.Error(t, err)
	var nf *apierr.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestUpsertBumpsRegistryVersionAndETag(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRegistry()
	before := reg.Meta(ctx)

	_, err := reg.UpsertKind(ctx, testKind())
	require.NoError(t, err)
	after := reg.Meta(ctx)

	assert.Greater(t, after.RegistryVersion, before.RegistryVersion)
	assert.NotEqual(t, before.ETag, after.ETag)
}

func TestValidatorCacheValidatesAndCachesByKey(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRegistry()
	_, err := reg.UpsertKind(ctx, testKind())
	require.NoError(t, err)

	sv, err := reg.GetSchemaVersion(ctx, "cam.cobol.program", "")
	require.NoError(t, err)

	cache := NewValidatorCache()
	err = cache.Validate("cam.cobol.program", sv.Version, sv.JSONSchema, map[string]any{"program_id": "ACCTMGMT"})
	assert.NoError(t, err)

	err = cache.Validate("cam.cobol.program", sv.Version, sv.JSONSchema, map[string]any{})
	require.Error(t, err)
	var sverr *apierr.SchemaValidation
	require.ErrorAs(t, err, &sverr)
}

func TestAdaptAppliesMoveSetDefaultsDelete(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRegistry()
	k := testKind()
	k.SchemaVersions[0].Adapters = []models.AdapterStep{
		{Op: "move", From: "old_id", To: "program_id"},
		{Op: "set", Path: "status", Value: "normalized"},
		{Op: "defaults", Path: "category", Default: "legacy"},
		{Op: "delete", Path: "scratch"},
	}
	_, err := reg.UpsertKind(ctx, k)
	require.NoError(t, err)

	out, err := Adapt(reg, ctx, "cam.cobol.program", "1.0.0", map[string]any{
		"old_id":  "ACCTMGMT",
		"scratch": "drop-me",
	})
	require.NoError(t, err)
	assert.Equal(t, "ACCTMGMT", out["program_id"])
	assert.Equal(t, "normalized", out["status"])
	assert.Equal(t, "legacy", out["category"])
	assert.NotContains(t, out, "scratch")
	assert.NotContains(t, out, "old_id")
}

func TestSelectPromptMatchesVariantOrFallsBack(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRegistry()
	k := testKind()
	k.SchemaVersions[0].Prompt = models.Prompt{
		System:     "base system",
		StrictJSON: true,
		Variants: []models.PromptVariant{
			{When: map[string]string{"paradigm": "OOP"}, System: "oop system"},
		},
	}
	_, err := reg.UpsertKind(ctx, k)
	require.NoError(t, err)

	p, err := SelectPrompt(reg, ctx, "cam.cobol.program", "", map[string]string{"paradigm": "oop"})
	require.NoError(t, err)
	assert.Equal(t, "oop system", p.System)

	p2, err := SelectPrompt(reg, ctx, "cam.cobol.program", "", map[string]string{"paradigm": "procedural"})
	require.NoError(t, err)
	assert.Equal(t, "base system", p2.System)
}

func TestNaturalKeyFallsBackToKindName(t *testing.T) {
	nk := NaturalKey("cam.cobol.program", "ACCTMGMT", models.Identity{}, map[string]any{})
	assert.Equal(t, "cam.cobol.program:acctmgmt", nk)

	nk2 := NaturalKey("cam.cobol.program", "ACCTMGMT", models.Identity{Paths: []string{"program_id"}}, map[string]any{"program_id": "ACCT2"})
	assert.Equal(t, "cam.cobol.program:acct2", nk2)
}
