package orchestrator

import "context"

// LLMRequest is a strict-JSON capability call against a configured model. Concrete
// providers are out of scope here; LLMClient is the seam a binary wires a real
// provider into.
type LLMRequest struct {
	Model              string
	Temperature        float64
	MaxTokens          int
	System             string
	User               string
	ResponseJSONSchema map[string]any // non-nil selects response_format=json_schema
}

// LLMResponse carries the provider's raw text and, when it parsed as JSON, the
// decoded object.
type LLMResponse struct {
	Text string
	JSON map[string]any
}

// LLMClient is the capability-step LLM seam. No concrete provider ships in this
// repository; main wires one in (or leaves it nil, which fails any llm_config step
// with apierr.ConnectFailure).
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
