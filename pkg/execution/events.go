package execution

import (
	"encoding/json"
	"time"
)

// EventType tags a ProgressEvent.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventUsage      EventType = "usage"
	EventRetry      EventType = "retry"
	EventError      EventType = "error"
	EventProof      EventType = "proof"
)

// ProgressEvent is one line of the progress protocol. Only the fields
// relevant to Type are set.
type ProgressEvent struct {
	Type EventType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool-call, tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// usage
	Usage *Usage `json:"usage,omitempty"`

	// retry, error
	Attempt   int       `json:"attempt,omitempty"`
	DelayMs   int64     `json:"delayMs,omitempty"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	// proof
	Proof *Proof `json:"proof,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates another usage report.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Proof summarizes a successful execution for audit display.
type Proof struct {
	ExecutionID   string    `json:"executionId"`
	Attempts      int       `json:"attempts"`
	ToolCalls     int       `json:"toolCalls"`
	MutatingCalls int       `json:"mutatingCalls"`
	Tools         []string  `json:"tools,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

// TextEvent builds a text event.
func TextEvent(text string) ProgressEvent {
	return ProgressEvent{Type: EventText, Text: text}
}

// ToolCallEvent builds a tool-call event.
func ToolCallEvent(call ToolCall) ProgressEvent {
	return ProgressEvent{Type: EventToolCall, ToolCallID: call.ID, ToolName: call.Name, Args: call.Args}
}

// ToolResultEvent builds a tool-result event.
func ToolResultEvent(res ToolResult) ProgressEvent {
	return ProgressEvent{
		Type:       EventToolResult,
		ToolCallID: res.ID,
		ToolName:   res.Name,
		Result:     res.Result,
		IsError:    res.IsError,
	}
}

// UsageEvent builds a usage event.
func UsageEvent(u Usage) ProgressEvent {
	return ProgressEvent{Type: EventUsage, Usage: &u}
}

// RetryEvent builds a retry event for the attempt that just failed.
func RetryEvent(a Attempt) ProgressEvent {
	return ProgressEvent{
		Type:      EventRetry,
		Attempt:   a.Number,
		DelayMs:   a.RetryAfter.Milliseconds(),
		Kind:      a.Kind,
		Error:     a.Error,
		Retryable: true,
	}
}

// ErrorEvent builds the terminal error event.
func ErrorEvent(a Attempt) ProgressEvent {
	return ProgressEvent{
		Type:      EventError,
		Attempt:   a.Number,
		Kind:      a.Kind,
		Error:     a.Error,
		Retryable: a.Retryable,
	}
}

// ProofEvent builds a proof event.
func ProofEvent(p Proof) ProgressEvent {
	return ProgressEvent{Type: EventProof, Proof: &p}
}
