package penguin

import (
	"fmt"
	"time"
)

// ErrorCode classifies failures surfaced to external callers.
type ErrorCode string

const (
	CodeAgentNotFound         ErrorCode = "AGENT_NOT_FOUND"
	CodeContextWindowExceeded ErrorCode = "CONTEXT_WINDOW_EXCEEDED"
	CodeResourceExhausted     ErrorCode = "RESOURCE_EXHAUSTED"
	CodeTaskExecutionError    ErrorCode = "TASK_EXECUTION_ERROR"
	CodeAuthenticationFailed  ErrorCode = "AUTHENTICATION_FAILED"
)

// Error is the structured error envelope surfaced to callers.
// Recoverable tells the caller whether a retry may succeed.
type Error struct {
	Code            ErrorCode         `json:"code"`
	Message         string            `json:"message"`
	Recoverable     bool              `json:"recoverable"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrAgentNotFound builds the canonical unknown-agent error.
func ErrAgentNotFound(agentID string) *Error {
	return &Error{
		Code:            CodeAgentNotFound,
		Message:         fmt.Sprintf("agent %q is not registered", agentID),
		Recoverable:     false,
		SuggestedAction: "create the agent or check the id",
		Details:         map[string]string{"agent_id": agentID},
	}
}

// ErrContextWindowExceeded is returned when trimming cannot bring a
// conversation under budget.
func ErrContextWindowExceeded(tokens, available int) *Error {
	return &Error{
		Code:            CodeContextWindowExceeded,
		Message:         fmt.Sprintf("conversation holds %d tokens, window allows %d", tokens, available),
		Recoverable:     false,
		SuggestedAction: "start a new session or reduce the system prompt",
	}
}

// ErrResourceExhausted is returned when the executor has no free slot
// and no queue capacity for the request.
func ErrResourceExhausted(what string) *Error {
	return &Error{
		Code:            CodeResourceExhausted,
		Message:         what + " exhausted",
		Recoverable:     true,
		SuggestedAction: "retry after a running task completes",
	}
}

// ErrHTTP carries a provider HTTP failure. Status 429 and 503 are
// treated as transient by the retry wrapper.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from the Retry-After header; 0 = absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrProvider carries a provider-level failure that is not plain HTTP
// (auth, malformed stream, protocol violation).
type ErrProvider struct {
	Provider string
	Message  string
	// Auth marks authentication failures, which are never retried.
	Auth bool
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
