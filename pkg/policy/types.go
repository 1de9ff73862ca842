package policy

import (
	"time"

	"github.com/healloop/healloop/pkg/detector"
)

// Policy is a Rego module that can veto heal requests.
//
// Every policy declares a `deny` set in its package; any element in that
// set blocks the heal. Elements may be plain strings or objects with a
// "message" field.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// Decision is the outcome of evaluating all enabled policies.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Reasons returns the violation messages.
func (d *Decision) Reasons() []string {
	reasons := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		reasons = append(reasons, v.Message)
	}
	return reasons
}

// HealInput is the document policies evaluate as `input`.
type HealInput struct {
	Signal  SignalInput  `json:"signal"`
	Context ContextInput `json:"context"`
}

// SignalInput mirrors the pain signal fields policies may inspect.
type SignalInput struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Suggestion string `json:"suggestion"`
}

// ContextInput carries session-level facts.
type ContextInput struct {
	SessionID      string `json:"session_id"`
	HealsInSession int    `json:"heals_in_session"`
	MaxHeals       int    `json:"max_heals"`
	Timestamp      string `json:"timestamp"`
}

// NewHealInput builds the policy input for a signal.
func NewHealInput(signal detector.PainSignal, sessionID string, healsInSession, maxHeals int) HealInput {
	return HealInput{
		Signal: SignalInput{
			Type:       string(signal.Type),
			Severity:   string(signal.Severity),
			Message:    signal.Message,
			File:       signal.File,
			Line:       signal.Line,
			Suggestion: signal.Suggestion,
		},
		Context: ContextInput{
			SessionID:      sessionID,
			HealsInSession: healsInSession,
			MaxHeals:       maxHeals,
			Timestamp:      signal.Timestamp.UTC().Format(time.RFC3339),
		},
	}
}

// toMap converts the input into the generic form the evaluator expects.
func (in HealInput) toMap() map[string]interface{} {
	return map[string]interface{}{
		"signal": map[string]interface{}{
			"type":       in.Signal.Type,
			"severity":   in.Signal.Severity,
			"message":    in.Signal.Message,
			"file":       in.Signal.File,
			"line":       in.Signal.Line,
			"suggestion": in.Signal.Suggestion,
		},
		"context": map[string]interface{}{
			"session_id":       in.Context.SessionID,
			"heals_in_session": in.Context.HealsInSession,
			"max_heals":        in.Context.MaxHeals,
			"timestamp":        in.Context.Timestamp,
		},
	}
}
