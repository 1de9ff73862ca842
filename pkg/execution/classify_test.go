package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"rate limit", errors.New("upstream rate limit reached"), ErrorKindRateLimit, true},
		{"429", errors.New("status 429"), ErrorKindRateLimit, true},
		{"api key", errors.New("missing api key"), ErrorKindAuth, false},
		{"billing", errors.New("Your credit balance is too low. Check billing."), ErrorKindAuth, false},
		{"unauthorized", errors.New("401 Unauthorized"), ErrorKindAuth, false},
		{"context length", errors.New("prompt is too long: 210000 tokens"), ErrorKindContextLength, false},
		{"maximum context", errors.New("This model's maximum context length is 8192"), ErrorKindContextLength, false},
		{"timeout text", errors.New("request timed out after 60s"), ErrorKindTimeout, true},
		{"deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), ErrorKindTimeout, true},
		{"tool error", fmt.Errorf("attempt 1: %w", ErrNoMutatingToolCalls), ErrorKindToolError, true},
		{"unknown", errors.New("segmentation fault"), ErrorKindUnknown, false},
		{"http 403", errors.New("HTTP 403 from provider"), ErrorKindAuth, false},
		{"timeout with digits", errors.New("upstream request timed out after 14031ms"), ErrorKindTimeout, true},
		{"timeout on port", errors.New("dial tcp 10.0.0.4:4290: i/o timeout"), ErrorKindTimeout, true},
		{"rate limit with request id", errors.New("too many requests (request 4013-429a)"), ErrorKindRateLimit, true},
		{"digits only", errors.New("exit status 4031"), ErrorKindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Classify(tt.err)
			if a.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", a.Kind, tt.kind)
			}
			if a.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", a.Retryable, tt.retryable)
			}
			if tt.retryable && a.RetryAfter <= 0 {
				t.Errorf("RetryAfter = %v, want positive", a.RetryAfter)
			}
			if !tt.retryable && a.RetryAfter != 0 {
				t.Errorf("RetryAfter = %v, want 0", a.RetryAfter)
			}
		})
	}
}

func TestClassify_TimeoutDelay(t *testing.T) {
	a := Classify(errors.New("upstream request timed out after 14031ms"))
	if a.Kind != ErrorKindTimeout || a.RetryAfter != DefaultTimeoutDelay {
		t.Errorf("Classify() = %+v, want timeout after %v", a, DefaultTimeoutDelay)
	}
}

func TestClassify_AuthBeforeRateLimit(t *testing.T) {
	a := Classify(errors.New("api key rate limit exceeded"))
	if a.Kind != ErrorKindAuth {
		t.Errorf("Kind = %s, want auth (first rule wins)", a.Kind)
	}
}

func TestClassify_Nil(t *testing.T) {
	a := Classify(nil)
	if !a.Succeeded() {
		t.Errorf("Classify(nil) = %+v, want success", a)
	}
}

func TestClassifier_WithDelay(t *testing.T) {
	c := NewClassifier(nil).WithDelay(ErrorKindRateLimit, 250*time.Millisecond)
	if got := c.Classify(1, errors.New("rate limit")).RetryAfter; got != 250*time.Millisecond {
		t.Errorf("RetryAfter = %v", got)
	}
	if got := Classify(errors.New("rate limit")).RetryAfter; got != DefaultRateLimitDelay {
		t.Errorf("default classifier mutated: %v", got)
	}
}

func TestNeedsFileOutput(t *testing.T) {
	tests := []struct {
		task string
		want bool
	}{
		{"Create a pricing page", true},
		{"fix the failing build", true},
		{"Adding dark mode", true},
		{"What does this component do?", false},
		{"explain the address field", false},
		{"what does the build script do?", false},
		{"Why does the build fail", false},
		{"Can you add a footer", true},
		{"Describe how to fix the layout", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := NeedsFileOutput(tt.task); got != tt.want {
			t.Errorf("NeedsFileOutput(%q) = %v, want %v", tt.task, got, tt.want)
		}
	}
}

func TestIsMutatingTool(t *testing.T) {
	for _, name := range []string{"write_file", "editFile", "create_directory", "apply_patch"} {
		if !IsMutatingTool(name) {
			t.Errorf("IsMutatingTool(%q) = false", name)
		}
	}
	for _, name := range []string{"read_file", "list_files", "search"} {
		if IsMutatingTool(name) {
			t.Errorf("IsMutatingTool(%q) = true", name)
		}
	}
}
