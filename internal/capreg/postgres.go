package capreg

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// PostgresCatalog persists integrations/capabilities/packs as JSONB documents, mirroring
// the Kind Registry's write-through-cache-over-InMemoryRegistry pattern.
type PostgresCatalog struct {
	pool  *pgxpool.Pool
	cache *InMemoryCatalog
}

const capRegistrySchema = `
CREATE TABLE IF NOT EXISTS cap_integrations (
	integration_id TEXT PRIMARY KEY,
	doc_json JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cap_capabilities (
	capability_id TEXT PRIMARY KEY,
	doc_json JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cap_packs (
	pack_key TEXT NOT NULL,
	pack_version TEXT NOT NULL,
	doc_json JSONB NOT NULL,
	PRIMARY KEY (pack_key, pack_version)
);
`

// NewPostgresCatalog creates the schema, hydrates the cache, and returns a catalog
// backed by pool.
func NewPostgresCatalog(ctx context.Context, pool *pgxpool.Pool, kinds kindreg.Registry) (*PostgresCatalog, error) {
	c := &PostgresCatalog{pool: pool, cache: NewInMemoryCatalog(kinds)}
	if _, err := pool.Exec(ctx, capRegistrySchema); err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	if err := c.hydrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PostgresCatalog) hydrate(ctx context.Context) error {
	if rows, err := c.pool.Query(ctx, "SELECT doc_json FROM cap_integrations"); err == nil {
		for rows.Next() {
			var raw []byte
			if rows.Scan(&raw) == nil {
				var in models.Integration
				if json.Unmarshal(raw, &in) == nil {
					c.cache.integrations[in.IntegrationID] = &in
				}
			}
		}
		rows.Close()
	} else {
		return &apierr.Internal{Cause: err}
	}

	if rows, err := c.pool.Query(ctx, "SELECT doc_json FROM cap_capabilities"); err == nil {
		for rows.Next() {
			var raw []byte
			if rows.Scan(&raw) == nil {
				var cap models.Capability
				if json.Unmarshal(raw, &cap) == nil {
					c.cache.capabilities[cap.ID] = &cap
				}
			}
		}
		rows.Close()
	} else {
		return &apierr.Internal{Cause: err}
	}

	if rows, err := c.pool.Query(ctx, "SELECT doc_json FROM cap_packs"); err == nil {
		for rows.Next() {
			var raw []byte
			if rows.Scan(&raw) == nil {
				var pack models.CapabilityPack
				if json.Unmarshal(raw, &pack) == nil {
					c.cache.packs[packCacheKey(pack.Key, pack.Version)] = &pack
				}
			}
		}
		rows.Close()
	} else {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func (c *PostgresCatalog) UpsertIntegration(ctx context.Context, in *models.Integration) (*models.Integration, error) {
	out, err := c.cache.UpsertIntegration(ctx, in)
	if err != nil {
		return nil, err
	}
	raw, _ := canonical.JSON(out)
	_, err = c.pool.Exec(ctx, `
		INSERT INTO cap_integrations (integration_id, doc_json) VALUES ($1, $2)
		ON CONFLICT (integration_id) DO UPDATE SET doc_json = $2
	`, out.IntegrationID, raw)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	return out, nil
}

func (c *PostgresCatalog) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	return c.cache.GetIntegration(ctx, id)
}

func (c *PostgresCatalog) ListIntegrations(ctx context.Context) ([]*models.Integration, error) {
	return c.cache.ListIntegrations(ctx)
}

func (c *PostgresCatalog) RemoveIntegration(ctx context.Context, id string) error {
	if err := c.cache.RemoveIntegration(ctx, id); err != nil {
		return err
	}
	_, err := c.pool.Exec(ctx, "DELETE FROM cap_integrations WHERE integration_id = $1", id)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func (c *PostgresCatalog) UpsertCapability(ctx context.Context, cap *models.Capability) (*models.Capability, error) {
	out, err := c.cache.UpsertCapability(ctx, cap)
	if err != nil {
		return nil, err
	}
	raw, _ := canonical.JSON(out)
	_, err = c.pool.Exec(ctx, `
		INSERT INTO cap_capabilities (capability_id, doc_json) VALUES ($1, $2)
		ON CONFLICT (capability_id) DO UPDATE SET doc_json = $2
	`, out.ID, raw)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	return out, nil
}

func (c *PostgresCatalog) GetCapability(ctx context.Context, id string) (*models.Capability, error) {
	return c.cache.GetCapability(ctx, id)
}

func (c *PostgresCatalog) ListCapabilities(ctx context.Context) ([]*models.Capability, error) {
	return c.cache.ListCapabilities(ctx)
}

func (c *PostgresCatalog) RemoveCapability(ctx context.Context, id string) error {
	if err := c.cache.RemoveCapability(ctx, id); err != nil {
		return err
	}
	_, err := c.pool.Exec(ctx, "DELETE FROM cap_capabilities WHERE capability_id = $1", id)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func (c *PostgresCatalog) UpsertPack(ctx context.Context, pack *models.CapabilityPack) (*models.CapabilityPack, error) {
	out, err := c.cache.UpsertPack(ctx, pack)
	if err != nil {
		return nil, err
	}
	return out, c.persistPack(ctx, out)
}

func (c *PostgresCatalog) persistPack(ctx context.Context, pack *models.CapabilityPack) error {
	raw, err := canonical.JSON(pack)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO cap_packs (pack_key, pack_version, doc_json) VALUES ($1, $2, $3)
		ON CONFLICT (pack_key, pack_version) DO UPDATE SET doc_json = $3
	`, pack.Key, pack.Version, raw)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func (c *PostgresCatalog) GetPack(ctx context.Context, key, version string) (*models.CapabilityPack, error) {
	return c.cache.GetPack(ctx, key, version)
}

func (c *PostgresCatalog) ListPacks(ctx context.Context, key string) ([]*models.CapabilityPack, error) {
	return c.cache.ListPacks(ctx, key)
}

func (c *PostgresCatalog) RemovePack(ctx context.Context, key, version string) error {
	if err := c.cache.RemovePack(ctx, key, version); err != nil {
		return err
	}
	_, err := c.pool.Exec(ctx, "DELETE FROM cap_packs WHERE pack_key = $1 AND pack_version = $2", key, version)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	return nil
}

func (c *PostgresCatalog) UpsertPlaybook(ctx context.Context, key, version string, pb *models.Playbook) (*models.Playbook, error) {
	out, err := c.cache.UpsertPlaybook(ctx, key, version, pb)
	if err != nil {
		return nil, err
	}
	pack, err := c.cache.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	return out, c.persistPack(ctx, pack)
}

func (c *PostgresCatalog) RemovePlaybook(ctx context.Context, key, version, playbookID string) error {
	if err := c.cache.RemovePlaybook(ctx, key, version, playbookID); err != nil {
		return err
	}
	pack, err := c.cache.GetPack(ctx, key, version)
	if err != nil {
		return err
	}
	return c.persistPack(ctx, pack)
}

func (c *PostgresCatalog) ReorderPlaybookSteps(ctx context.Context, key, version, playbookID string, stepOrder []string) (*models.Playbook, error) {
	out, err := c.cache.ReorderPlaybookSteps(ctx, key, version, playbookID, stepOrder)
	if err != nil {
		return nil, err
	}
	pack, err := c.cache.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	return out, c.persistPack(ctx, pack)
}

func (c *PostgresCatalog) GetPlaybook(ctx context.Context, key, version, playbookID string) (*models.Playbook, error) {
	return c.cache.GetPlaybook(ctx, key, version, playbookID)
}
