package artifactstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// PostgresStore persists workspace aggregates across two normalized tables
// (workspace_artifacts parent + artifacts child) to satisfy the mandatory index list
// (natural_key, fingerprint, diagram_fingerprint, (kind,name), deleted_at), and
// write-through caches into an InMemoryStore so the upsert/delta/patch algorithms run
// against the same in-process logic whichever backend is configured.
type PostgresStore struct {
	pool  *pgxpool.Pool
	cache *InMemoryStore
}

// NewPostgresStore wraps pool, creates the schema, and hydrates the read cache.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, cache: NewInMemoryStore()}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const artifactStoreSchema = `
CREATE TABLE IF NOT EXISTS workspace_artifacts (
	workspace_id TEXT PRIMARY KEY,
	workspace_json JSONB NOT NULL,
	inputs_baseline_json JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_promoted_run_id TEXT,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspace_artifacts(workspace_id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	diagram_fingerprint TEXT,
	version BIGINT NOT NULL,
	data_json JSONB NOT NULL,
	diagrams_json JSONB,
	lineage_json JSONB NOT NULL,
	provenance_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_artifacts_natural_key ON artifacts (workspace_id, natural_key);
CREATE INDEX IF NOT EXISTS idx_artifacts_fingerprint ON artifacts (fingerprint);
CREATE INDEX IF NOT EXISTS idx_artifacts_diagram_fingerprint ON artifacts (diagram_fingerprint);
CREATE INDEX IF NOT EXISTS idx_artifacts_kind_name ON artifacts (kind, name);
CREATE INDEX IF NOT EXISTS idx_artifacts_deleted_at ON artifacts (deleted_at);

CREATE TABLE IF NOT EXISTS artifact_patches (
	artifact_id TEXT NOT NULL,
	from_version BIGINT NOT NULL,
	to_version BIGINT NOT NULL,
	patch_json JSONB NOT NULL,
	provenance_json JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, artifactStoreSchema)
	return err
}

func (s *PostgresStore) hydrate(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, "SELECT workspace_id, workspace_json, inputs_baseline_json, last_promoted_run_id FROM workspace_artifacts")
	if err != nil {
		return err
	}
	for rows.Next() {
		var workspaceID string
		var workspaceRaw, baselineRaw []byte
		var lastPromoted *string
		if err := rows.Scan(&workspaceID, &workspaceRaw, &baselineRaw, &lastPromoted); err != nil {
			continue
		}
		var snapshot map[string]any
		_ = json.Unmarshal(workspaceRaw, &snapshot)
		var baseline models.InputsBaseline
		_ = json.Unmarshal(baselineRaw, &baseline)
		agg, _ := s.cache.CreateParentDoc(ctx, workspaceID, snapshot, &baseline)
		if lastPromoted != nil {
			agg.LastPromotedRunID = *lastPromoted
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	artifactRows, err := s.pool.Query(ctx, `
		SELECT artifact_id, workspace_id, kind, name, natural_key, fingerprint, diagram_fingerprint,
		       version, data_json, diagrams_json, lineage_json, provenance_json, created_at, updated_at, deleted_at
		FROM artifacts
	`)
	if err != nil {
		return err
	}
	defer artifactRows.Close()
	for artifactRows.Next() {
		var a models.Artifact
		var workspaceID string
		var diagFP *string
		var dataRaw, diagramsRaw, lineageRaw, provenanceRaw []byte
		var deletedAt *time.Time
		if err := artifactRows.Scan(&a.ArtifactID, &workspaceID, &a.Kind, &a.Name, &a.NaturalKey, &a.Fingerprint,
			&diagFP, &a.Version, &dataRaw, &diagramsRaw, &lineageRaw, &provenanceRaw, &a.CreatedAt, &a.UpdatedAt, &deletedAt); err != nil {
			continue
		}
		if diagFP != nil {
			a.DiagramFingerprint = *diagFP
		}
		_ = json.Unmarshal(dataRaw, &a.Data)
		if diagramsRaw != nil {
			_ = json.Unmarshal(diagramsRaw, &a.Diagrams)
		}
		_ = json.Unmarshal(lineageRaw, &a.Lineage)
		_ = json.Unmarshal(provenanceRaw, &a.Provenance)
		a.DeletedAt = deletedAt
		s.cache.appendHydratedArtifact(workspaceID, a)
	}
	return artifactRows.Err()
}

// appendHydratedArtifact is used only during hydrate(): it bypasses the upsert
// algorithm to load rows verbatim from Postgres into the in-memory mirror.
func (s *InMemoryStore) appendHydratedArtifact(workspaceID string, a models.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workspaces[workspaceID]
	if !ok {
		return
	}
	agg.Artifacts = append(agg.Artifacts, a)
}

func (s *PostgresStore) CreateParentDoc(ctx context.Context, workspaceID string, snapshot map[string]any, inputsBaseline *models.InputsBaseline) (*models.WorkspaceAggregate, error) {
	agg, err := s.cache.CreateParentDoc(ctx, workspaceID, snapshot, inputsBaseline)
	if err != nil {
		return nil, err
	}
	if err := s.persistParent(ctx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *PostgresStore) GetParentDoc(ctx context.Context, workspaceID string, includeDeleted bool) (*models.WorkspaceAggregate, error) {
	return s.cache.GetParentDoc(ctx, workspaceID, includeDeleted)
}

func (s *PostgresStore) DeleteParentDoc(ctx context.Context, workspaceID string) error {
	if err := s.cache.DeleteParentDoc(ctx, workspaceID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM workspace_artifacts WHERE workspace_id = $1", workspaceID)
	return err
}

func (s *PostgresStore) RefreshWorkspaceSnapshot(ctx context.Context, workspaceID string, snapshot map[string]any) error {
	if err := s.cache.RefreshWorkspaceSnapshot(ctx, workspaceID, snapshot); err != nil {
		return err
	}
	agg, err := s.cache.GetParentDoc(ctx, workspaceID, true)
	if err != nil {
		return err
	}
	return s.persistParent(ctx, agg)
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, workspaceID string, filter ListFilter) ([]models.Artifact, error) {
	return s.cache.ListArtifacts(ctx, workspaceID, filter)
}

func (s *PostgresStore) GetArtifact(ctx context.Context, workspaceID, artifactID string, includeDeleted bool) (*models.Artifact, error) {
	return s.cache.GetArtifact(ctx, workspaceID, artifactID, includeDeleted)
}

func (s *PostgresStore) GetArtifactByName(ctx context.Context, workspaceID, kind, name string, includeDeleted bool) (*models.Artifact, error) {
	return s.cache.GetArtifactByName(ctx, workspaceID, kind, name, includeDeleted)
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, workspaceID string, payload UpsertPayload, runID string) (*models.Artifact, models.UpsertOp, error) {
	a, op, err := s.cache.UpsertArtifact(ctx, workspaceID, payload, runID)
	if err != nil {
		return nil, "", err
	}
	if err := s.persistArtifact(ctx, workspaceID, a); err != nil {
		return nil, "", err
	}
	return a, op, nil
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, workspaceID string, payloads []UpsertPayload, runID string) ([]BatchResult, error) {
	results := make([]BatchResult, len(payloads))
	for i, p := range payloads {
		a, op, err := s.UpsertArtifact(ctx, workspaceID, p, runID)
		results[i] = BatchResult{Artifact: a, Op: op, Err: err}
	}
	return results, nil
}

func (s *PostgresStore) ReplaceArtifact(ctx context.Context, workspaceID, artifactID string, newData map[string]any, newDiagrams []models.Diagram, provenance models.Provenance, expectedVersion int64) (*models.Artifact, error) {
	a, err := s.cache.ReplaceArtifact(ctx, workspaceID, artifactID, newData, newDiagrams, provenance, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.persistArtifact(ctx, workspaceID, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) SoftDeleteArtifact(ctx context.Context, workspaceID, artifactID string) error {
	if err := s.cache.SoftDeleteArtifact(ctx, workspaceID, artifactID); err != nil {
		return err
	}
	a, err := s.cache.GetArtifact(ctx, workspaceID, artifactID, true)
	if err != nil {
		return err
	}
	return s.persistArtifact(ctx, workspaceID, a)
}

func (s *PostgresStore) RecordPatch(ctx context.Context, artifactID string, fromVersion, toVersion int64, patch []byte, provenance models.Provenance) error {
	if err := s.cache.RecordPatch(ctx, artifactID, fromVersion, toVersion, patch, provenance); err != nil {
		return err
	}
	provRaw, _ := canonical.JSON(provenance)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifact_patches (artifact_id, from_version, to_version, patch_json, provenance_json, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, artifactID, fromVersion, toVersion, patch, provRaw, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListPatches(ctx context.Context, artifactID string) ([]PatchRecord, error) {
	return s.cache.ListPatches(ctx, artifactID)
}

func (s *PostgresStore) ApplyPatch(ctx context.Context, workspaceID, artifactID string, patch []byte, provenance models.Provenance, expectedVersion int64) (*models.Artifact, error) {
	current, err := s.cache.GetArtifact(ctx, workspaceID, artifactID, false)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, &apierr.PreconditionFailed{
			Expected: strconv.FormatInt(expectedVersion, 10),
			Actual:   strconv.FormatInt(current.Version, 10),
		}
	}
	patchedData, err := applyRFC6902(current.Data, patch)
	if err != nil {
		return nil, err
	}
	newFP, err := canonical.Fingerprint(patchedData)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	if newFP == current.Fingerprint {
		return current, nil
	}
	updated, err := s.ReplaceArtifact(ctx, workspaceID, artifactID, patchedData, nil, provenance, current.Version)
	if err != nil {
		return nil, err
	}
	if err := s.RecordPatch(ctx, artifactID, current.Version, updated.Version, patch, provenance); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) SetInputsBaseline(ctx context.Context, workspaceID string, newInputs models.InputsBaseline, ifAbsentOnly bool, expectedVersion *int64) (*models.InputsBaseline, error) {
	baseline, err := s.cache.SetInputsBaseline(ctx, workspaceID, newInputs, ifAbsentOnly, expectedVersion)
	if err != nil {
		return nil, err
	}
	agg, err := s.cache.GetParentDoc(ctx, workspaceID, true)
	if err != nil {
		return nil, err
	}
	if err := s.persistParent(ctx, agg); err != nil {
		return nil, err
	}
	return baseline, nil
}

func (s *PostgresStore) MergeInputsBaseline(ctx context.Context, workspaceID string, avc, pss map[string]any, fssStoriesUpsert []map[string]any) (*models.InputsBaseline, []string, error) {
	baseline, changed, err := s.cache.MergeInputsBaseline(ctx, workspaceID, avc, pss, fssStoriesUpsert)
	if err != nil {
		return nil, nil, err
	}
	if len(changed) > 0 {
		agg, err := s.cache.GetParentDoc(ctx, workspaceID, true)
		if err != nil {
			return nil, nil, err
		}
		if err := s.persistParent(ctx, agg); err != nil {
			return nil, nil, err
		}
	}
	return baseline, changed, nil
}

func (s *PostgresStore) ComputeRunDeltas(ctx context.Context, workspaceID, runID string, includeIDs bool) (DeltaBuckets, error) {
	return s.cache.ComputeRunDeltas(ctx, workspaceID, runID, includeIDs)
}

func (s *PostgresStore) persistParent(ctx context.Context, agg *models.WorkspaceAggregate) error {
	workspaceRaw, err := canonical.JSON(agg.Workspace)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	baselineRaw, err := canonical.JSON(agg.InputsBaseline)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workspace_artifacts (workspace_id, workspace_json, inputs_baseline_json, last_promoted_run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id) DO UPDATE
		SET workspace_json = $2, inputs_baseline_json = $3, last_promoted_run_id = $4, updated_at = $5
	`, agg.WorkspaceID, workspaceRaw, baselineRaw, nullableString(agg.LastPromotedRunID), time.Now().UTC())
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func (s *PostgresStore) persistArtifact(ctx context.Context, workspaceID string, a *models.Artifact) error {
	dataRaw, err := canonical.JSON(a.Data)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	var diagramsRaw []byte
	if a.Diagrams != nil {
		diagramsRaw, err = canonical.JSON(a.Diagrams)
		if err != nil {
			return &apierr.Internal{Cause: err}
		}
	}
	lineageRaw, _ := canonical.JSON(a.Lineage)
	provenanceRaw, _ := canonical.JSON(a.Provenance)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO artifacts (artifact_id, workspace_id, kind, name, natural_key, fingerprint, diagram_fingerprint,
		                       version, data_json, diagrams_json, lineage_json, provenance_json, created_at, updated_at, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (artifact_id) DO UPDATE SET
		  fingerprint = $6, diagram_fingerprint = $7, version = $8, data_json = $9,
		  diagrams_json = $10, lineage_json = $11, provenance_json = $12, updated_at = $14, deleted_at = $15
	`, a.ArtifactID, workspaceID, a.Kind, a.Name, a.NaturalKey, a.Fingerprint, nullableString(a.DiagramFingerprint),
		a.Version, dataRaw, diagramsRaw, lineageRaw, provenanceRaw, a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
