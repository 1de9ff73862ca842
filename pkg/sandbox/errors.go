package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a lifecycle step is attempted
	// from a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrGenerationInFlight is returned by Run while a generation is in
	// progress.
	ErrGenerationInFlight = errors.New("generation in flight")

	// ErrUpToDate is returned by Run when the project is already running
	// with the same fingerprint.
	ErrUpToDate = errors.New("sandbox is up to date")

	// ErrNotBooted is returned by sandbox operations before Boot.
	ErrNotBooted = errors.New("sandbox not booted")

	// ErrPathEscapes is returned when a file path resolves outside the
	// sandbox root.
	ErrPathEscapes = errors.New("path escapes sandbox root")
)

// Stage names used in errors, spans and metrics.
const (
	StageBoot    = "boot"
	StageSync    = "sync"
	StageInstall = "install"
	StageStart   = "start"
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// SandboxError is a failed lifecycle stage.
// nolint:revive // SandboxError reads better than Error at call sites
type SandboxError struct {
	// Stage is the pipeline stage that failed.
	Stage string `json:"stage"`

	// SessionID identifies the owning session.
	SessionID string `json:"session_id,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *SandboxError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

// Unwrap returns the underlying error.
func (e *SandboxError) Unwrap() error {
	return e.Err
}

// Is matches another SandboxError of the same stage.
func (e *SandboxError) Is(target error) bool {
	t, ok := target.(*SandboxError)
	if !ok {
		return false
	}
	return e.Stage == t.Stage
}

func newSandboxError(stage, sessionID, message string, err error) *SandboxError {
	return &SandboxError{
		Stage:     stage,
		SessionID: sessionID,
		Message:   message,
		Err:       err,
	}
}

// IsBootFailure reports whether err is a boot stage failure. Boot failures
// block the session and are surfaced to the user.
func IsBootFailure(err error) bool {
	var e *SandboxError
	if errors.As(err, &e) {
		return e.Stage == StageBoot
	}
	return false
}
