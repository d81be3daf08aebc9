package mcpinvoker

// frameworkKeys are stripped from tool args unconditionally; callers pass run plumbing
// alongside real tool params and these never belong on the wire.
var frameworkKeys = map[string]bool{
	"inputs":         true,
	"context":        true,
	"correlation_id": true,
	"correlationId":  true,
	"__metadata__":   true,
}

// Sanitize strips framework keys from args, then — when schema is non-empty — restricts
// the result to schema's declared top-level properties. A nil/empty schema leaves the
// remaining keys untouched.
func Sanitize(args map[string]any, schema map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if frameworkKeys[k] {
			continue
		}
		out[k] = v
	}

	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return out
	}
	allowed := make(map[string]any, len(props))
	for k, v := range out {
		if _, ok := props[k]; ok {
			allowed[k] = v
		}
	}
	return allowed
}
