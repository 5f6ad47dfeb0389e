// errors.go — Structured error handling and error codes for the
// coordination core. Carried over from the teacher's MCP tool error
// taxonomy (internal/mcp/errors.go), generalized from devtools error
// codes to the relay's routing/operation/tab error kinds. Callers at the
// MCP-server boundary are responsible for wrapping a StructuredError into
// whatever wire format they speak; this package stops at the struct.
package mcperr

import (
	"encoding/json"
	"fmt"
)

// Error codes are self-describing snake_case strings.
// Every code tells the caller what went wrong.
const (
	// Input errors — caller can fix arguments and retry immediately
	ErrInvalidParams = "invalid_params"
	ErrMissingParam  = "missing_param"
	ErrInvalidParam  = "invalid_param"
	ErrUnknownMode   = "unknown_mode"

	// Routing errors — retryable after peer/tab membership changes
	ErrUnknownTarget        = "unknown_target"
	ErrExtensionUnavailable = "extension_unavailable"
	ErrPeerUnreachable      = "peer_unreachable"
	ErrPeerDisconnected     = "peer_disconnected"
	ErrFrameTooLarge        = "frame_too_large"

	// Tab coordination errors
	ErrLockTimeout          = "lock_timeout"
	ErrContentScriptMissing = "content_script_missing"

	// Operation manager errors — not retried
	ErrOperationNotFound        = "operation_not_found"
	ErrOperationAlreadyTerminal = "operation_already_terminal"
	ErrTimeout                  = "timeout"

	// Infrastructure errors — retryable
	ErrProcessRestarted = "process_restarted"

	// Capability errors — propagated verbatim from the browser side
	ErrCapabilityError = "capability_error"

	// Conversation-API errors
	ErrOrgIDUnavailable = "org_id_unavailable"

	// Internal errors — do not retry
	ErrInternal      = "internal_error"
	ErrMarshalFailed = "marshal_failed"
)

// StructuredError is the self-describing error payload surfaced in a
// routed response's `error` field. Every field is self-describing so a
// caller can act on it without a lookup table.
type StructuredError struct {
	Code         string `json:"error"`
	ErrorType    string `json:"errorType,omitempty"`
	Message      string `json:"message"`
	Retry        string `json:"retry"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
	Final        bool   `json:"final,omitempty"`
	Param        string `json:"param,omitempty"`
	Hint         string `json:"hint,omitempty"`
}

// New constructs a StructuredError. Format of its JSON-marshaled form:
//
//	{"error":"peer_unreachable","message":"...","retry":"...","retryable":true,...}
//
// The retry string is a plain-English instruction the caller can follow directly.
func New(code, message, retry string, opts ...func(*StructuredError)) *StructuredError {
	se := &StructuredError{Code: code, ErrorType: code, Message: message, Retry: retry}
	for _, defaultOpt := range RetryDefaultsForCode(code) {
		defaultOpt(se)
	}
	for _, opt := range opts {
		opt(se)
	}
	return se
}

// Error implements the error interface so a StructuredError can be
// returned directly wherever Go code expects a plain error.
func (se *StructuredError) Error() string {
	return fmt.Sprintf("%s: %s", se.Code, se.Message)
}

// MarshalResponse renders the structured error as the JSON payload for a
// routed error frame (see Frame.error in the data model).
func (se *StructuredError) MarshalResponse() json.RawMessage {
	data, err := json.Marshal(se)
	if err != nil {
		// Error impossible: StructuredError is a flat struct of strings/bools/ints.
		return json.RawMessage(fmt.Sprintf(`{"error":%q,"message":"marshal failed"}`, se.Code))
	}
	return data
}

// WithParam is an option function to add param field to StructuredError.
func WithParam(p string) func(*StructuredError) {
	return func(se *StructuredError) { se.Param = p }
}

// WithHint is an option function to add hint field to StructuredError.
func WithHint(h string) func(*StructuredError) {
	return func(se *StructuredError) { se.Hint = h }
}

// WithRetryable marks whether the error is retryable by the caller.
func WithRetryable(retryable bool) func(*StructuredError) {
	return func(se *StructuredError) { se.Retryable = retryable }
}

// WithRetryAfterMs sets the suggested delay before retrying (milliseconds).
func WithRetryAfterMs(ms int) func(*StructuredError) {
	return func(se *StructuredError) { se.RetryAfterMs = ms }
}

// WithFinal marks a structured error as terminal/non-terminal for an
// in-flight operation's milestone stream.
func WithFinal(final bool) func(*StructuredError) {
	return func(se *StructuredError) { se.Final = final }
}

// RetryDefaultsForCode returns option functions that set retryable and
// retry_after_ms based on the error code, per spec.md §7's propagation
// policy. Retryable errors are transient routing/timing conditions the
// caller can retry after a brief delay; non-retryable errors require the
// caller to change its input or wait for a state change.
func RetryDefaultsForCode(code string) []func(*StructuredError) {
	switch code {
	case ErrPeerUnreachable, ErrExtensionUnavailable, ErrPeerDisconnected, ErrProcessRestarted:
		return []func(*StructuredError){WithRetryable(true), WithRetryAfterMs(1000)}
	case ErrLockTimeout:
		return []func(*StructuredError){WithRetryable(true), WithRetryAfterMs(250)}
	case ErrContentScriptMissing:
		return []func(*StructuredError){WithRetryable(true), WithRetryAfterMs(500)}
	case ErrTimeout:
		return []func(*StructuredError){WithRetryable(true), WithRetryAfterMs(2000)}
	case ErrUnknownTarget, ErrOperationNotFound, ErrOperationAlreadyTerminal, ErrInvalidParams,
		ErrMissingParam, ErrInvalidParam, ErrUnknownMode, ErrOrgIDUnavailable:
		return []func(*StructuredError){WithRetryable(false)}
	default:
		return []func(*StructuredError){WithRetryable(false)}
	}
}
