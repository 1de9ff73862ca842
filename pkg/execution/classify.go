package execution

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Default per-kind retry delays.
const (
	DefaultRateLimitDelay = 5 * time.Second
	DefaultTimeoutDelay   = 2 * time.Second
	DefaultToolErrorDelay = 1 * time.Second
)

// ClassifyRule maps error text or a sentinel error to a kind. Rules are
// evaluated in order and the first match wins.
//
// Patterns match as substrings. StatusCodes match only as standalone
// three-digit tokens, so "HTTP 429" matches 429 but "14291ms" does not.
type ClassifyRule struct {
	Kind        ErrorKind
	Retryable   bool
	Delay       time.Duration
	Patterns    []string
	StatusCodes []string
	Target      error
}

var statusToken = regexp.MustCompile(`\b\d{3}\b`)

func (r ClassifyRule) matches(err error, lower string, codes []string) bool {
	if r.Target != nil && errors.Is(err, r.Target) {
		return true
	}
	for _, p := range r.Patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, want := range r.StatusCodes {
		for _, code := range codes {
			if code == want {
				return true
			}
		}
	}
	return false
}

// DefaultClassifyRules returns the ordered classification table.
func DefaultClassifyRules() []ClassifyRule {
	return []ClassifyRule{
		{
			Kind: ErrorKindAuth,
			Patterns: []string{
				"billing", "insufficient credit", "credit balance", "out of credits",
				"payment required", "quota exceeded", "insufficient_quota",
				"api key", "api_key", "authentication", "unauthorized",
				"invalid credentials", "forbidden",
			},
			StatusCodes: []string{"401", "402", "403"},
		},
		{
			Kind:        ErrorKindRateLimit,
			Retryable:   true,
			Delay:       DefaultRateLimitDelay,
			Patterns:    []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "overloaded"},
			StatusCodes: []string{"429"},
		},
		{
			Kind: ErrorKindContextLength,
			Patterns: []string{
				"context length", "context_length", "maximum context", "context window",
				"token limit", "prompt is too long", "too many tokens",
			},
		},
		{
			Kind:      ErrorKindTimeout,
			Retryable: true,
			Delay:     DefaultTimeoutDelay,
			Target:    context.DeadlineExceeded,
			Patterns:  []string{"timeout", "timed out", "deadline exceeded", "etimedout", "esockettimedout"},
		},
		{
			Kind:      ErrorKindToolError,
			Retryable: true,
			Delay:     DefaultToolErrorDelay,
			Target:    ErrNoMutatingToolCalls,
		},
	}
}

// Classifier applies an ordered rule list.
type Classifier struct {
	rules []ClassifyRule
}

// NewClassifier creates a classifier. A nil rule list uses the defaults.
func NewClassifier(rules []ClassifyRule) *Classifier {
	if rules == nil {
		rules = DefaultClassifyRules()
	}
	return &Classifier{rules: rules}
}

// WithDelay returns a copy of the classifier with the delay for kind
// replaced.
func (c *Classifier) WithDelay(kind ErrorKind, d time.Duration) *Classifier {
	rules := make([]ClassifyRule, len(c.rules))
	copy(rules, c.rules)
	for i := range rules {
		if rules[i].Kind == kind {
			rules[i].Delay = d
		}
	}
	return &Classifier{rules: rules}
}

// Classify classifies err for the given attempt number.
func (c *Classifier) Classify(attempt int, err error) Attempt {
	a := Attempt{Number: attempt, Kind: ErrorKindUnknown}
	if err == nil {
		a.Kind = ""
		return a
	}
	a.Error = err.Error()

	lower := strings.ToLower(err.Error())
	codes := statusToken.FindAllString(lower, -1)
	for _, r := range c.rules {
		if r.matches(err, lower, codes) {
			a.Kind = r.Kind
			a.Retryable = r.Retryable
			if r.Retryable {
				a.RetryAfter = r.Delay
			}
			return a
		}
	}
	return a
}

// Classify classifies err with the default rules.
func Classify(err error) Attempt {
	return NewClassifier(nil).Classify(1, err)
}

var mutatingToolHints = []string{
	"write", "edit", "create", "delete", "remove", "rename", "move",
	"patch", "apply", "replace", "insert", "update", "mkdir",
}

// IsMutatingTool reports whether a tool name looks like it changes files.
func IsMutatingTool(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range mutatingToolHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

var fileOutputHints = []string{
	"create", "build", "add", "fix", "implement", "write", "update",
	"generate", "make", "change", "refactor", "modify", "replace", "remove",
	"scaffold", "edit",
}

var questionWords = map[string]bool{
	"what": true, "why": true, "how": true, "where": true, "when": true,
	"which": true, "who": true, "explain": true, "describe": true,
}

// NeedsFileOutput reports whether a task reads like it requires the agent
// to change files. Questions never do.
func NeedsFileOutput(task string) bool {
	task = strings.TrimSpace(task)
	if strings.HasSuffix(task, "?") {
		return false
	}
	words := strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	if len(words) > 0 && questionWords[words[0]] {
		return false
	}
	for _, word := range words {
		for _, h := range fileOutputHints {
			if word == h || (strings.HasPrefix(word, h) && len(word) <= len(h)+3) {
				return true
			}
		}
	}
	return false
}

// countMutating counts mutating tool calls.
func countMutating(calls []ToolCall) int {
	n := 0
	for _, c := range calls {
		if IsMutatingTool(c.Name) {
			n++
		}
	}
	return n
}
