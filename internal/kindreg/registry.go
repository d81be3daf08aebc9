// Package kindreg is the Kind Registry: a versioned JSON-Schema catalog with identity
// rules, adapters/migrators, a cached validator pool, and a dynamically generated
// OpenAPI discriminated union.
package kindreg

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// Registry is the Kind Registry's public operation set.
type Registry interface {
	ResolveKind(ctx context.Context, idOrAlias string) (*models.Kind, error)
	GetSchemaVersion(ctx context.Context, kindID, version string) (*models.SchemaVersion, error)
	ListKinds(ctx context.Context) ([]*models.Kind, error)
	KindsExist(ctx context.Context, ids []string) (map[string]bool, error)

	UpsertKind(ctx context.Context, kind *models.Kind) (*models.Kind, error)
	PatchKind(ctx context.Context, kindID string, mutate func(*models.Kind) error) (*models.Kind, error)
	RemoveKind(ctx context.Context, kindID string) error

	Meta(ctx context.Context) models.RegistryMeta
}

// InMemoryRegistry is a process-local Registry backed by a mutex-guarded map, the
// default implementation and the one used for Postgres-backed write-through caching.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*models.Kind // keyed by canonical kind id
	alias map[string]string       // alias -> kind id
	meta  models.RegistryMeta
}

// NewInMemoryRegistry returns an empty registry with a zero-value ETag/version.
func NewInMemoryRegistry() *InMemoryRegistry {
	r := &InMemoryRegistry{
		kinds: make(map[string]*models.Kind),
		alias: make(map[string]string),
	}
	r.recomputeMetaLocked()
	return r
}

func (r *InMemoryRegistry) ResolveKind(_ context.Context, idOrAlias string) (*models.Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.kinds[idOrAlias]; ok {
		return cloneKind(k), nil
	}
	if kindID, ok := r.alias[idOrAlias]; ok {
		if k, ok := r.kinds[kindID]; ok {
			return cloneKind(k), nil
		}
	}
	return nil, &apierr.NotFound{Entity: "kind", Key: idOrAlias}
}

func (r *InMemoryRegistry) GetSchemaVersion(ctx context.Context, kindID, version string) (*models.SchemaVersion, error) {
	k, err := r.ResolveKind(ctx, kindID)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = k.LatestSchemaVersion
	}
	for i := range k.SchemaVersions {
		if k.SchemaVersions[i].Version == version {
			return &k.SchemaVersions[i], nil
		}
	}
	return nil, &apierr.NotFound{Entity: "schema_version", Key: kindID + "@" + version}
}

func (r *InMemoryRegistry) ListKinds(_ context.Context) ([]*models.Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, cloneKind(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryRegistry) KindsExist(_ context.Context, ids []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := r.kinds[id]; ok {
			out[id] = true
			continue
		}
		if kindID, ok := r.alias[id]; ok {
			_, out[id] = r.kinds[kindID]
			continue
		}
		out[id] = false
	}
	return out, nil
}

func (r *InMemoryRegistry) UpsertKind(_ context.Context, kind *models.Kind) (*models.Kind, error) {
	if kind.ID == "" {
		return nil, &apierr.InvalidParams{Message: "kind.id is required"}
	}
	if kind.LatestSchemaVersion == "" && len(kind.SchemaVersions) > 0 {
		kind.LatestSchemaVersion = latestVersion(kind.SchemaVersions)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.unindexAliasesLocked(kind.ID)
	stored := cloneKind(kind)
	r.kinds[kind.ID] = stored
	for _, a := range kind.Aliases {
		r.alias[a] = kind.ID
	}
	r.recomputeMetaLocked()
	log.Info().Str("kind", kind.ID).Int64("registry_version", r.meta.RegistryVersion).Msg("kind registry: upsert")
	return cloneKind(stored), nil
}

func (r *InMemoryRegistry) PatchKind(_ context.Context, kindID string, mutate func(*models.Kind) error) (*models.Kind, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.kinds[kindID]
	if !ok {
		return nil, &apierr.NotFound{Entity: "kind", Key: kindID}
	}
	working := cloneKind(existing)
	if err := mutate(working); err != nil {
		return nil, err
	}
	if working.LatestSchemaVersion == "" && len(working.SchemaVersions) > 0 {
		working.LatestSchemaVersion = latestVersion(working.SchemaVersions)
	}

	r.unindexAliasesLocked(kindID)
	r.kinds[kindID] = working
	for _, a := range working.Aliases {
		r.alias[a] = working.ID
	}
	r.recomputeMetaLocked()
	return cloneKind(working), nil
}

func (r *InMemoryRegistry) RemoveKind(_ context.Context, kindID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kindID]; !ok {
		return &apierr.NotFound{Entity: "kind", Key: kindID}
	}
	delete(r.kinds, kindID)
	r.unindexAliasesLocked(kindID)
	r.recomputeMetaLocked()
	return nil
}

func (r *InMemoryRegistry) Meta(_ context.Context) models.RegistryMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

func (r *InMemoryRegistry) unindexAliasesLocked(kindID string) {
	for a, id := range r.alias {
		if id == kindID {
			delete(r.alias, a)
		}
	}
}

// recomputeMetaLocked bumps registry_version and recomputes etag = sha256(canonical({v, t})).
// Caller must hold r.mu for writing.
func (r *InMemoryRegistry) recomputeMetaLocked() {
	r.meta.RegistryVersion++
	r.meta.UpdatedAt = time.Now().UTC()
	etag, err := canonical.Fingerprint(map[string]any{
		"v": r.meta.RegistryVersion,
		"t": r.meta.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Error().Err(err).Msg("kind registry: failed to compute etag")
		return
	}
	r.meta.ETag = etag
}

func latestVersion(versions []models.SchemaVersion) string {
	var best *semver.Version
	bestRaw := ""
	for _, sv := range versions {
		v, err := semver.NewVersion(sv.Version)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = sv.Version
		}
	}
	if bestRaw == "" && len(versions) > 0 {
		return versions[len(versions)-1].Version
	}
	return bestRaw
}

func cloneKind(k *models.Kind) *models.Kind {
	if k == nil {
		return nil
	}
	cp := *k
	cp.Aliases = append([]string(nil), k.Aliases...)
	cp.SchemaVersions = append([]models.SchemaVersion(nil), k.SchemaVersions...)
	return &cp
}

// normalizeID trims and lowercases a dotted kind id. It has no callers: alias lookups
// are exact, and SelectPrompt's selector matching uses strings.EqualFold.
func normalizeID(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
