package mcpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// HTTPInvoker calls tools over a single POST {base_url}{invoke_path} with body
// {tool, args}, retrying transient failures with exponential backoff.
type HTTPInvoker struct {
	integ  *models.Integration
	client *http.Client
}

// NewHTTPInvoker builds an Invoker bound to integ's HTTP transport snapshot.
func NewHTTPInvoker(integ *models.Integration) *HTTPInvoker {
	timeout := time.Duration(integ.Transport.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{integ: integ, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPInvoker) Close() error { return nil }

// CallTool sanitizes and interpolates args, then POSTs {tool, args} to
// base_url+invoke_path, retrying up to retry.max_attempts with backoff base*2^n.
func (h *HTTPInvoker) CallTool(ctx context.Context, tool string, args map[string]any, opts CallOptions) (map[string]any, error) {
	schema := resolveSchema(h.integ, tool)
	clean := Sanitize(args, schema)
	clean = InterpolateArgs(clean, vars(opts))

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
	}

	body, err := json.Marshal(map[string]any{"tool": tool, "args": clean})
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}

	maxAttempts := h.integ.Transport.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseMS := h.integ.Transport.Retry.BackoffBaseMS
	if baseMS <= 0 {
		baseMS = 200
	}

	var result map[string]any
	attempt := 0
	operation := func() error {
		attempt++
		var callErr error
		result, callErr = h.doOnce(ctx, tool, body, correlationID)
		if callErr == nil {
			return nil
		}
		if attempt >= maxAttempts || !isRetryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(baseMS) * time.Millisecond
	bo.Multiplier = 2
	policy := backoff.WithMaxRetries(bo, uint64(maxAttempts-1))

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return result, nil
}

func (h *HTTPInvoker) doOnce(ctx context.Context, tool string, body []byte, correlationID string) (map[string]any, error) {
	url := h.integ.Transport.BaseURL + h.integ.Transport.InvokePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	for k, v := range h.integ.Transport.StaticHeaders {
		req.Header.Set(k, v)
	}
	applyAuth(req, h.integ.Transport.AuthRef)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &apierr.TransportTimeout{Tool: tool}
		}
		return nil, &apierr.ConnectFailure{Target: url, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &apierr.ToolError{Tool: tool, Code: resp.StatusCode, Message: string(respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, &apierr.ToolError{Tool: tool, Code: resp.StatusCode, Message: string(respBody)}
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		return parsed, nil
	}
	return map[string]any{"text": string(respBody)}, nil
}

// isRetryable reports whether callErr is a transient failure worth retrying — timeouts
// and connect failures, but not a tool's own 4xx response.
func isRetryable(err error) bool {
	var timeout *apierr.TransportTimeout
	var connect *apierr.ConnectFailure
	var toolErr *apierr.ToolError
	switch {
	case errors.As(err, &timeout), errors.As(err, &connect):
		return true
	case errors.As(err, &toolErr):
		return toolErr.Code >= 500
	default:
		return false
	}
}

// applyAuth resolves authRef ("bearer:ENV", "api_key:HEADER:ENV", "basic:ENV_USER:ENV_PASS")
// against the process environment and attaches the corresponding header — alias
// resolution only, no secret-store integration.
func applyAuth(req *http.Request, authRef string) {
	if authRef == "" {
		return
	}
	parts := strings.SplitN(authRef, ":", 3)
	switch parts[0] {
	case "bearer":
		if len(parts) >= 2 {
			if token := os.Getenv(parts[1]); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
	case "api_key":
		if len(parts) >= 3 {
			if key := os.Getenv(parts[2]); key != "" {
				req.Header.Set(parts[1], key)
			}
		}
	case "basic":
		if len(parts) >= 3 {
			user, pass := os.Getenv(parts[1]), os.Getenv(parts[2])
			if user != "" || pass != "" {
				req.SetBasicAuth(user, pass)
			}
		}
	}
}

// newCorrelationID generates a fallback correlation id when the caller supplies none.
func newCorrelationID() string { return uuid.NewString() }
