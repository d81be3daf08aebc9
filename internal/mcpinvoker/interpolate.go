package mcpinvoker

import (
	"fmt"
	"regexp"
)

// interpolationPattern matches ${name} and ${name:-default}.
var interpolationPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)(:-([^}]*))?\}`)

// Vars is a flat string->string substitution map built from runtime_vars, deep-flattened
// inputs, and context-derived aliases.
type Vars map[string]string

// flatten deep-flattens v into a dotted-key string map (e.g. repo.paths_root), merging
// it into out. Non-scalar leaves are skipped.
func flatten(prefix string, v any, out Vars) {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, vv, out)
		}
	case string:
		out[prefix] = t
	case fmt.Stringer:
		out[prefix] = t.String()
	case bool, int, int64, float64:
		out[prefix] = fmt.Sprintf("%v", t)
	}
}

// BuildVars assembles the flat substitution map from runtime_vars, deep-flattened
// inputs, and context aliases. Later sources win on key collision: runtimeVars <
// inputs < contextAliases.
func BuildVars(runtimeVars map[string]any, inputs map[string]any, contextAliases map[string]string) Vars {
	out := make(Vars)
	flatten("", runtimeVars, out)
	flatten("", inputs, out)
	for k, v := range contextAliases {
		out[k] = v
	}
	delete(out, "")
	return out
}

// Interpolate substitutes ${name} and ${name:-default} occurrences in s using vars.
// An unresolved reference with no default is left as an empty string.
func Interpolate(s string, vars Vars) string {
	return interpolationPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := interpolationPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if val, ok := vars[name]; ok {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// InterpolateSlice applies Interpolate to every element, returning a new slice.
func InterpolateSlice(ss []string, vars Vars) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Interpolate(s, vars)
	}
	return out
}

// InterpolateMap applies Interpolate to every string value of m (non-string values
// pass through unchanged), returning a new map.
func InterpolateMap(m map[string]string, vars Vars) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Interpolate(v, vars)
	}
	return out
}

// InterpolateArgs walks args recursively, interpolating every string leaf.
func InterpolateArgs(args map[string]any, vars Vars) map[string]any {
	return interpolateAny(args, vars).(map[string]any)
}

func interpolateAny(v any, vars Vars) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = interpolateAny(vv, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = interpolateAny(vv, vars)
		}
		return out
	default:
		return v
	}
}
