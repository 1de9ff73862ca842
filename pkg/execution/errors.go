package execution

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why an agent turn failed. It governs whether the
// turn is retried and is unrelated to the sandbox pain taxonomy.
type ErrorKind string

const (
	// ErrorKindAuth covers credential, billing and credit failures.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindRateLimit indicates provider throttling.
	ErrorKindRateLimit ErrorKind = "rate_limit"

	// ErrorKindContextLength indicates the prompt no longer fits.
	ErrorKindContextLength ErrorKind = "context_length"

	// ErrorKindTimeout indicates the turn or an upstream call timed out.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindToolError indicates the agent planned instead of acting.
	ErrorKindToolError ErrorKind = "tool_error"

	// ErrorKindUnknown is everything else.
	ErrorKindUnknown ErrorKind = "unknown"
)

// ErrNoMutatingToolCalls is reported when a task that needs file output
// finished without a single mutating tool call.
var ErrNoMutatingToolCalls = errors.New("agent finished without mutating tool calls on a task that requires file changes")

// ErrAgentFailed is wrapped when the agent reports failure without an error.
var ErrAgentFailed = errors.New("agent reported failure")

// ExecutionError is the terminal error of an execution.
// nolint:revive // ExecutionError mirrors the package name on purpose
type ExecutionError struct {
	// Kind is the classified error kind.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ExecutionID identifies the execution.
	ExecutionID string `json:"execution_id,omitempty"`

	// Attempts is the number of attempts made.
	Attempts int `json:"attempts"`

	// Retryable reports whether the last failure was retryable; true means
	// the retry budget ran out.
	Retryable bool `json:"retryable"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("[%s] %s (execution=%s, attempts=%d): %s",
			e.Kind, e.Message, e.ExecutionID, e.Attempts, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s (attempts=%d): %s", e.Kind, e.Message, e.Attempts, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches another ExecutionError of the same kind.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// newExecutionError builds the terminal error for a classified attempt.
func newExecutionError(executionID string, a Attempt, err error) *ExecutionError {
	msg := "execution failed"
	if a.Retryable {
		msg = "retries exhausted"
	}
	return &ExecutionError{
		Kind:        a.Kind,
		Message:     msg,
		ExecutionID: executionID,
		Attempts:    a.Number,
		Retryable:   a.Retryable,
		Err:         err,
	}
}

// KindOf returns the kind of an ExecutionError, or ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindUnknown
}

// Attempt describes one classified execution attempt.
type Attempt struct {
	Number     int           `json:"attempt"`
	Kind       ErrorKind     `json:"kind,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded reports whether the attempt finished without error.
func (a Attempt) Succeeded() bool {
	return a.Kind == "" && a.Error == ""
}
