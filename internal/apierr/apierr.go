// Package apierr defines the typed error taxonomy shared by every component and the
// single HTTP status mapper that turns them into {"detail": ...} responses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusCoder is implemented by every error in this package so the HTTP layer can map
// it to a response status without type-switching on every call site.
type StatusCoder interface {
	StatusCode() int
}

// NotFound covers a missing workspace, artifact, kind, capability, pack, playbook, or
// tool — the Entity/Key pair names what was looked up and with what.
type NotFound struct {
	Entity string
	Key    string
}

func (e *NotFound) Error() string   { return fmt.Sprintf("%s not found: %s", e.Entity, e.Key) }
func (e *NotFound) StatusCode() int { return http.StatusNotFound }

// SchemaValidation wraps a Kind Registry validation failure; Message is the first
// JSON-Schema error and Pointer is its JSON pointer path.
type SchemaValidation struct {
	Kind    string
	Message string
	Pointer string
}

func (e *SchemaValidation) Error() string {
	return fmt.Sprintf("schema validation failed for kind %s: %s (at %s)", e.Kind, e.Message, e.Pointer)
}
func (e *SchemaValidation) StatusCode() int { return http.StatusUnprocessableEntity }

// PreconditionFailed is returned when an If-Match/expected_version precondition does
// not hold.
type PreconditionFailed struct {
	Expected string
	Actual   string
}

func (e *PreconditionFailed) Error() string {
	return fmt.Sprintf("precondition failed: expected version %s, actual %s", e.Expected, e.Actual)
}
func (e *PreconditionFailed) StatusCode() int { return http.StatusPreconditionFailed }

// Conflict signals a duplicate unique key, e.g. a pack (key,version) already exists.
type Conflict struct {
	Message string
}

func (e *Conflict) Error() string   { return e.Message }
func (e *Conflict) StatusCode() int { return http.StatusConflict }

// TransportTimeout signals an MCP tool call that exceeded its deadline.
type TransportTimeout struct {
	Tool string
}

func (e *TransportTimeout) Error() string   { return fmt.Sprintf("transport timeout calling tool %s", e.Tool) }
func (e *TransportTimeout) StatusCode() int { return http.StatusGatewayTimeout }

// ProcessExited signals an MCP STDIO child process that exited (or was never
// restarted) while a tool call was pending.
type ProcessExited struct {
	Tool string
	Err  error
}

func (e *ProcessExited) Error() string {
	return fmt.Sprintf("process backing tool %s exited: %v", e.Tool, e.Err)
}
func (e *ProcessExited) Unwrap() error  { return e.Err }
func (e *ProcessExited) StatusCode() int { return http.StatusBadGateway }

// ToolError wraps an MCP JSON-RPC error response.
type ToolError struct {
	Tool    string
	Code    int
	Message string
	Data    any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s error %d: %s", e.Tool, e.Code, e.Message)
}
func (e *ToolError) StatusCode() int { return http.StatusBadGateway }

// ConnectFailure signals a transport that could not be established (HTTP dial, STDIO
// spawn/readiness).
type ConnectFailure struct {
	Target string
	Cause  error
}

func (e *ConnectFailure) Error() string {
	return fmt.Sprintf("connect failure to %s: %v", e.Target, e.Cause)
}
func (e *ConnectFailure) Unwrap() error  { return e.Cause }
func (e *ConnectFailure) StatusCode() int { return http.StatusBadGateway }

// InvalidParams signals a malformed request body or query parameter.
type InvalidParams struct {
	Message string
}

func (e *InvalidParams) Error() string   { return e.Message }
func (e *InvalidParams) StatusCode() int { return http.StatusBadRequest }

// Internal wraps an unexpected failure that should surface as a 500.
type Internal struct {
	Cause error
}

func (e *Internal) Error() string   { return fmt.Sprintf("internal error: %v", e.Cause) }
func (e *Internal) Unwrap() error   { return e.Cause }
func (e *Internal) StatusCode() int { return http.StatusInternalServerError }

// StatusOf resolves the HTTP status for err, defaulting to 500 for untyped errors.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}
