package kindreg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// PostgresRegistry persists kinds as JSONB documents, write-through into an
// InMemoryRegistry for serving reads without a round trip on the hot path, mirroring
// the JSONB + ON CONFLICT upsert pattern used for capability packs.
type PostgresRegistry struct {
	pool  *pgxpool.Pool
	cache *InMemoryRegistry
}

// NewPostgresRegistry wraps pool and loads existing rows into its read cache.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	r := &PostgresRegistry{pool: pool, cache: NewInMemoryRegistry()}
	if err := r.init(ctx); err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

const kindRegistrySchema = `
CREATE TABLE IF NOT EXISTS kind_registry (
	id TEXT PRIMARY KEY,
	kind_json JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_meta (
	singleton BOOLEAN PRIMARY KEY DEFAULT TRUE,
	etag TEXT NOT NULL,
	registry_version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (singleton)
);
`

func (r *PostgresRegistry) init(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, kindRegistrySchema)
	return err
}

func (r *PostgresRegistry) hydrate(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, "SELECT kind_json FROM kind_registry")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var kind models.Kind
		if err := json.Unmarshal(raw, &kind); err != nil {
			continue
		}
		_, _ = r.cache.UpsertKind(ctx, &kind)
	}
	return rows.Err()
}

func (r *PostgresRegistry) ResolveKind(ctx context.Context, idOrAlias string) (*models.Kind, error) {
	return r.cache.ResolveKind(ctx, idOrAlias)
}

func (r *PostgresRegistry) GetSchemaVersion(ctx context.Context, kindID, version string) (*models.SchemaVersion, error) {
	return r.cache.GetSchemaVersion(ctx, kindID, version)
}

func (r *PostgresRegistry) ListKinds(ctx context.Context) ([]*models.Kind, error) {
	return r.cache.ListKinds(ctx)
}

func (r *PostgresRegistry) KindsExist(ctx context.Context, ids []string) (map[string]bool, error) {
	return r.cache.KindsExist(ctx, ids)
}

func (r *PostgresRegistry) UpsertKind(ctx context.Context, kind *models.Kind) (*models.Kind, error) {
	stored, err := r.cache.UpsertKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	if err := r.persist(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *PostgresRegistry) PatchKind(ctx context.Context, kindID string, mutate func(*models.Kind) error) (*models.Kind, error) {
	stored, err := r.cache.PatchKind(ctx, kindID, mutate)
	if err != nil {
		return nil, err
	}
	if err := r.persist(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *PostgresRegistry) RemoveKind(ctx context.Context, kindID string) error {
	if err := r.cache.RemoveKind(ctx, kindID); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, "DELETE FROM kind_registry WHERE id = $1", kindID)
	return err
}

func (r *PostgresRegistry) Meta(ctx context.Context) models.RegistryMeta {
	return r.cache.Meta(ctx)
}

func (r *PostgresRegistry) persist(ctx context.Context, kind *models.Kind) error {
	raw, err := canonical.JSON(kind)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO kind_registry (id, kind_json, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET kind_json = $2, updated_at = $3
	`, kind.ID, raw, time.Now().UTC())
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	meta := r.cache.Meta(ctx)
	_, err = r.pool.Exec(ctx, `
		INSERT INTO registry_meta (singleton, etag, registry_version, updated_at)
		VALUES (TRUE, $1, $2, $3)
		ON CONFLICT (singleton) DO UPDATE SET etag = $1, registry_version = $2, updated_at = $3
	`, meta.ETag, meta.RegistryVersion, meta.UpdatedAt)
	return err
}
