package detector

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PainType classifies the failure a signal describes.
type PainType string

const (
	PainBuild      PainType = "BUILD"
	PainRuntime    PainType = "RUNTIME"
	PainDependency PainType = "DEPENDENCY"
	PainTypeCheck  PainType = "TYPE"
	PainSyntax     PainType = "SYNTAX"
	PainHydration  PainType = "HYDRATION"
	PainNetwork    PainType = "NETWORK"
)

// Severity ranks how urgently a signal should be acted on.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ParsePainType validates a pain type name.
func ParsePainType(s string) (PainType, error) {
	t := PainType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case PainBuild, PainRuntime, PainDependency, PainTypeCheck, PainSyntax, PainHydration, PainNetwork:
		return t, nil
	}
	return "", fmt.Errorf("unknown pain type: %q", s)
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

// PainSignal is a classified failure derived from one line of process
// output. Signals are immutable once emitted.
type PainSignal struct {
	ID         string    `json:"id"`
	Type       PainType  `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Context    string    `json:"context"`
	File       string    `json:"file,omitempty"`
	Line       int       `json:"line,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Summary renders the signal as a one-line error description.
func (s PainSignal) Summary() string {
	msg := fmt.Sprintf("[%s] %s", s.Type, s.Message)
	if s.File != "" {
		if s.Line > 0 {
			msg += fmt.Sprintf(" (%s:%d)", s.File, s.Line)
		} else {
			msg += fmt.Sprintf(" (%s)", s.File)
		}
	}
	return msg
}

// Rule maps an output pattern to a failure classification.
type Rule struct {
	Type       PainType
	Severity   Severity
	Pattern    *regexp.Regexp
	Suggestion string
}

// RuleSpec is the uncompiled, serializable form of a Rule.
type RuleSpec struct {
	Type       string `json:"type" yaml:"type"`
	Severity   string `json:"severity" yaml:"severity"`
	Pattern    string `json:"pattern" yaml:"pattern"`
	Suggestion string `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// Compile validates the rule fields and compiles its pattern.
func (s RuleSpec) Compile() (Rule, error) {
	t, err := ParsePainType(s.Type)
	if err != nil {
		return Rule{}, err
	}
	sev, err := ParseSeverity(s.Severity)
	if err != nil {
		return Rule{}, err
	}
	if s.Pattern == "" {
		return Rule{}, fmt.Errorf("rule pattern is required")
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid rule pattern %q: %w", s.Pattern, err)
	}
	return Rule{Type: t, Severity: sev, Pattern: re, Suggestion: s.Suggestion}, nil
}

// CompileRules compiles a list of rule specs, failing on the first invalid one.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		r, err := spec.Compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
