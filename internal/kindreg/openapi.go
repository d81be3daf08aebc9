package kindreg

import (
	"context"
	"sync"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// OpenAPIUnion is a compiled discriminated union over every active kind: one concrete
// envelope schema per kind with `kind: const(id)` and `data: <kind's JSON Schema>`.
// Refresh compiles it and recompiles only when the registry's ETag has changed. The
// server does not construct one or call Refresh, at startup or on registry mutation.
type OpenAPIUnion struct {
	mu       sync.RWMutex
	etag     string
	document map[string]any
}

// NewOpenAPIUnion returns an empty, uncompiled union; call Refresh once at startup.
func NewOpenAPIUnion() *OpenAPIUnion {
	return &OpenAPIUnion{}
}

// Document returns the last compiled OpenAPI fragment, or nil if never compiled.
func (u *OpenAPIUnion) Document() map[string]any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.document
}

// ETag returns the registry ETag the current document was compiled against.
func (u *OpenAPIUnion) ETag() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.etag
}

// Refresh recompiles the union if reg's current ETag differs from the cached one.
// Returns true if it recompiled.
func (u *OpenAPIUnion) Refresh(ctx context.Context, reg Registry) (bool, error) {
	meta := reg.Meta(ctx)
	u.mu.RLock()
	same := meta.ETag == u.etag && u.document != nil
	u.mu.RUnlock()
	if same {
		return false, nil
	}

	kinds, err := reg.ListKinds(ctx)
	if err != nil {
		return false, err
	}

	envelopes := make(map[string]any, len(kinds))
	oneOf := make([]any, 0, len(kinds))
	for _, k := range kinds {
		if k.Status != models.KindStatusActive {
			continue
		}
		sv, err := reg.GetSchemaVersion(ctx, k.ID, k.LatestSchemaVersion)
		if err != nil {
			continue
		}
		envelopeName := envelopeSchemaName(k.ID)
		envelopes[envelopeName] = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{"const": k.ID},
				"data": sv.JSONSchema,
			},
			"required": []any{"kind", "data"},
		}
		oneOf = append(oneOf, map[string]any{"$ref": "#/components/schemas/" + envelopeName})
	}

	doc := map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"ArtifactEnvelope": map[string]any{
					"oneOf":              oneOf,
					"discriminator":      map[string]any{"propertyName": "kind"},
				},
			},
		},
	}
	for name, schema := range envelopes {
		doc["components"].(map[string]any)["schemas"].(map[string]any)[name] = schema
	}

	u.mu.Lock()
	u.document = doc
	u.etag = meta.ETag
	u.mu.Unlock()
	return true, nil
}

func envelopeSchemaName(kindID string) string {
	out := make([]byte, 0, len(kindID)+9)
	out = append(out, "Envelope_"...)
	for _, r := range kindID {
		if r == '.' || r == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
