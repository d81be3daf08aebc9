// Package artifactstore is the Artifact Store: a per-workspace aggregate of artifacts
// with idempotent versioned upsert, lineage, soft-delete, JSON-Patch history, baseline
// inputs, and run-delta computation.
package artifactstore

import (
	"context"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// UpsertPayload is the caller-supplied shape for UpsertArtifact; NaturalKey and
// Fingerprint are computed by the store when absent.
type UpsertPayload struct {
	Kind        string
	Name        string
	Data        map[string]any
	NaturalKey  string
	Fingerprint string
	Diagrams    []models.Diagram
	Provenance  models.Provenance
}

// ListFilter narrows GetArtifacts results.
type ListFilter struct {
	Kind           string
	NamePrefix     string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// DeltaBuckets is the output of ComputeRunDeltas.
type DeltaBuckets struct {
	New       []models.Artifact
	Updated   []models.Artifact
	Unchanged []models.Artifact
	Retired   []models.Artifact
	Deleted   []models.Artifact
	Counts    models.DeltaCounts
}

// Store is the Artifact Store's public operation set (spec.md §4.2).
type Store interface {
	CreateParentDoc(ctx context.Context, workspaceID string, workspaceSnapshot map[string]any, inputsBaseline *models.InputsBaseline) (*models.WorkspaceAggregate, error)
	GetParentDoc(ctx context.Context, workspaceID string, includeDeleted bool) (*models.WorkspaceAggregate, error)
	DeleteParentDoc(ctx context.Context, workspaceID string) error
	RefreshWorkspaceSnapshot(ctx context.Context, workspaceID string, snapshot map[string]any) error

	ListArtifacts(ctx context.Context, workspaceID string, filter ListFilter) ([]models.Artifact, error)
	GetArtifact(ctx context.Context, workspaceID, artifactID string, includeDeleted bool) (*models.Artifact, error)
	GetArtifactByName(ctx context.Context, workspaceID, kind, name string, includeDeleted bool) (*models.Artifact, error)

	UpsertArtifact(ctx context.Context, workspaceID string, payload UpsertPayload, runID string) (*models.Artifact, models.UpsertOp, error)
	UpsertBatch(ctx context.Context, workspaceID string, payloads []UpsertPayload, runID string) ([]BatchResult, error)
	ReplaceArtifact(ctx context.Context, workspaceID, artifactID string, newData map[string]any, newDiagrams []models.Diagram, provenance models.Provenance, expectedVersion int64) (*models.Artifact, error)
	SoftDeleteArtifact(ctx context.Context, workspaceID, artifactID string) error

	RecordPatch(ctx context.Context, artifactID string, fromVersion, toVersion int64, patch []byte, provenance models.Provenance) error
	ListPatches(ctx context.Context, artifactID string) ([]PatchRecord, error)
	ApplyPatch(ctx context.Context, workspaceID, artifactID string, patch []byte, provenance models.Provenance, expectedVersion int64) (*models.Artifact, error)

	SetInputsBaseline(ctx context.Context, workspaceID string, newInputs models.InputsBaseline, ifAbsentOnly bool, expectedVersion *int64) (*models.InputsBaseline, error)
	MergeInputsBaseline(ctx context.Context, workspaceID string, avc, pss map[string]any, fssStoriesUpsert []map[string]any) (*models.InputsBaseline, []string, error)

	ComputeRunDeltas(ctx context.Context, workspaceID, runID string, includeIDs bool) (DeltaBuckets, error)
}

// BatchResult is one item's outcome within UpsertBatch.
type BatchResult struct {
	Artifact *models.Artifact
	Op       models.UpsertOp
	Err      error
}

// PatchRecord is one entry in an artifact's RFC 6902 patch history.
type PatchRecord struct {
	ArtifactID   string
	FromVersion  int64
	ToVersion    int64
	Patch        []byte
	Provenance   models.Provenance
	RecordedAt   string
}
