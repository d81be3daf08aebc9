// Package mcpinvoker is the transport-agnostic MCP tool caller. It selects HTTP or
// persistent STDIO JSON-RPC 2.0 by the integration's transport discriminator, sanitizes
// tool args to the declared schema allow-list, interpolates ${name} placeholders, and
// surfaces the TransportTimeout/ToolError/ConnectFailure/ProcessExited/SchemaValidation
// failure taxonomy.
package mcpinvoker

import (
	"context"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// Invoker calls one named tool on an Integration's transport.
type Invoker interface {
	// CallTool sanitizes and interpolates args, invokes tool, and returns its parsed
	// JSON result (or raw text under the "text" key when the response is not JSON).
	CallTool(ctx context.Context, tool string, args map[string]any, opts CallOptions) (map[string]any, error)

	// Close releases any held transport resources (STDIO child process).
	Close() error
}

// CallOptions carries per-call overrides layered over the integration's transport
// defaults.
type CallOptions struct {
	TimeoutSec     int
	CorrelationID  string
	RuntimeVars    map[string]any
	Inputs         map[string]any
	ContextAliases map[string]string
}

// New builds the Invoker appropriate for integ.Transport.Kind.
func New(integ *models.Integration) (Invoker, error) {
	switch integ.Transport.Kind {
	case models.TransportHTTP:
		return NewHTTPInvoker(integ), nil
	case models.TransportSTDIO:
		return NewSTDIOInvoker(integ), nil
	default:
		return nil, &apierr.ConnectFailure{Target: integ.IntegrationID, Cause: errUnknownTransport(integ.Transport.Kind)}
	}
}

type errUnknownTransport models.TransportKind

func (e errUnknownTransport) Error() string { return "unknown transport kind: " + string(e) }

// resolveSchema looks up tool's declared input_schema from integ.Tools, returning nil
// when the tool or its schema is unknown.
func resolveSchema(integ *models.Integration, tool string) map[string]any {
	if def, ok := integ.Tools[tool]; ok {
		return def.InputSchema
	}
	return nil
}

func vars(opts CallOptions) Vars {
	return BuildVars(opts.RuntimeVars, opts.Inputs, opts.ContextAliases)
}
