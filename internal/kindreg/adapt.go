package kindreg

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

const maxMigrationHops = 50

// Adapt deep-copies data and applies the schema version's adapter DSL steps
// (move, set, defaults, delete) over dotted paths, in order.
func Adapt(reg Registry, ctx context.Context, kindID, version string, data map[string]any) (map[string]any, error) {
	sv, err := reg.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return nil, err
	}
	working := deepCopyMap(data)
	for _, step := range sv.Adapters {
		applyStep(working, step)
	}
	return working, nil
}

// Migrate walks migrators[from=cur] toward toVersion (or LatestSchemaVersion if
// empty), applying the DSL at each hop, bounded by maxMigrationHops. It stops and
// returns the partial result if a required hop is missing.
func Migrate(reg Registry, ctx context.Context, kindID string, data map[string]any, fromVersion, toVersion string) (map[string]any, string, error) {
	kind, err := reg.ResolveKind(ctx, kindID)
	if err != nil {
		return nil, fromVersion, err
	}
	if toVersion == "" {
		toVersion = kind.LatestSchemaVersion
	}

	byFrom := make(map[string]models.Migrator, len(kind.SchemaVersions))
	for _, sv := range kind.SchemaVersions {
		for _, m := range sv.Migrators {
			byFrom[m.FromVersion] = m
		}
	}

	working := deepCopyMap(data)
	cur := fromVersion
	for hop := 0; cur != toVersion && hop < maxMigrationHops; hop++ {
		m, ok := byFrom[cur]
		if !ok {
			log.Warn().Str("kind", kindID).Str("from", cur).Str("to", toVersion).
				Msg("kind registry: migration stalled, no migrator for current version")
			return working, cur, nil
		}
		for _, step := range m.Steps {
			applyStep(working, step)
		}
		cur = m.ToVersion
	}
	return working, cur, nil
}

func applyStep(doc map[string]any, step models.AdapterStep) {
	switch step.Op {
	case "move":
		if v, ok := getPath(doc, step.From); ok {
			deletePath(doc, step.From)
			setPath(doc, step.To, v)
		}
	case "set":
		setPath(doc, step.Path, step.Value)
	case "defaults":
		if _, ok := getPath(doc, step.Path); !ok {
			setPath(doc, step.Path, step.Default)
		}
	case "delete":
		deletePath(doc, step.Path)
	}
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimSpace(path), ".")
}

func getPath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := splitPath(path)
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]any, path string, value any) {
	if path == "" {
		return
	}
	parts := splitPath(path)
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}

func deletePath(doc map[string]any, path string) {
	if path == "" {
		return
	}
	parts := splitPath(path)
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

// NaturalKey derives a natural key from data using the identity rule, falling back to
// "kind:name" lowercased when paths are absent or unresolved.
func NaturalKey(kindID, name string, identity models.Identity, data map[string]any) string {
	var parts []string
	if identity.NamePath != "" {
		if v, ok := getPath(data, identity.NamePath); ok {
			parts = append(parts, stringifyKeyPart(v))
		}
	}
	for _, p := range identity.Paths {
		if v, ok := getPath(data, p); ok {
			parts = append(parts, stringifyKeyPart(v))
		}
	}
	if len(parts) == 0 {
		return strings.ToLower(kindID + ":" + name)
	}
	return strings.ToLower(kindID + ":" + strings.Join(parts, ":"))
}

func stringifyKeyPart(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
