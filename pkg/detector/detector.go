package detector

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultDebounceWindow suppresses repeats of the same signal.
	DefaultDebounceWindow = 3 * time.Second

	// DefaultMinLineLength skips lines too short to carry a diagnosis.
	DefaultMinLineLength = 10

	// keyPrefixLength is how much of the match contributes to a dedupe key.
	keyPrefixLength = 50

	// maxContextLength bounds the excerpt stored on a signal.
	maxContextLength = 500

	// maxMessageLength bounds the signal message.
	maxMessageLength = 300
)

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	locationPattern = regexp.MustCompile(`((?:\.{0,2}/)?[\w@./\[\]()-]+\.(?:tsx|ts|jsx|js|mjs|cjs|css|scss|json|vue|svelte))(?:[:(](\d+)(?:[:,]\d+)?\)?)?`)
)

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// WithDebounceWindow overrides the dedupe window.
func WithDebounceWindow(window time.Duration) Option {
	return func(d *Detector) {
		if window > 0 {
			d.window = window
		}
	}
}

// WithMinLineLength overrides the minimum line length.
func WithMinLineLength(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.minLength = n
		}
	}
}

// WithRules replaces the rule table.
func WithRules(rules []Rule) Option {
	return func(d *Detector) {
		d.rules = append([]Rule(nil), rules...)
	}
}

// Detector scans process output lines for failure signatures.
//
// Detector is safe for concurrent use; stdout and stderr pumps may share
// one instance.
type Detector struct {
	mu        sync.Mutex
	rules     []Rule
	noise     []*regexp.Regexp
	seen      map[string]time.Time
	window    time.Duration
	minLength int
	now       func() time.Time
}

// New creates a detector with the default rule table.
func New(opts ...Option) *Detector {
	d := &Detector{
		rules:     DefaultRules(),
		noise:     defaultNoise(),
		seen:      make(map[string]time.Time),
		window:    DefaultDebounceWindow,
		minLength: DefaultMinLineLength,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AppendRules adds rules after the existing table, so built-in signatures
// keep precedence.
func (d *Detector) AppendRules(rules ...Rule) {
	d.mu.Lock()
	d.rules = append(d.rules, rules...)
	d.mu.Unlock()
}

// Rules returns a copy of the active rule table.
func (d *Detector) Rules() []Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Rule(nil), d.rules...)
}

// Analyze classifies one output line. It returns false when the line is
// noise, matches no rule, or repeats a signal inside the debounce window.
func (d *Detector) Analyze(line string) (*PainSignal, bool) {
	clean := strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))
	if len(clean) < d.minLength {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, n := range d.noise {
		if n.MatchString(clean) {
			return nil, false
		}
	}

	for _, rule := range d.rules {
		match := rule.Pattern.FindString(clean)
		if match == "" {
			continue
		}

		now := d.now()
		key := signalKey(rule.Type, match)
		if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
			return nil, false
		}

		d.purge(now)
		d.seen[key] = now

		signal := &PainSignal{
			ID:         uuid.New().String(),
			Type:       rule.Type,
			Severity:   rule.Severity,
			Message:    truncate(match, maxMessageLength),
			Context:    truncate(clean, maxContextLength),
			Suggestion: rule.Suggestion,
			Timestamp:  now,
		}
		signal.File, signal.Line = extractLocation(clean)
		return signal, true
	}

	return nil, false
}

// AnalyzeLines runs Analyze over each line and collects emitted signals.
func (d *Detector) AnalyzeLines(lines []string) []PainSignal {
	var signals []PainSignal
	for _, line := range lines {
		if s, ok := d.Analyze(line); ok {
			signals = append(signals, *s)
		}
	}
	return signals
}

// Reset clears the dedupe cache.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.mu.Unlock()
}

// CacheSize returns the number of tracked dedupe keys.
func (d *Detector) CacheSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// purge drops keys older than twice the debounce window. Must be called
// with d.mu held.
func (d *Detector) purge(now time.Time) {
	cutoff := 2 * d.window
	for k, ts := range d.seen {
		if now.Sub(ts) > cutoff {
			delete(d.seen, k)
		}
	}
}

func signalKey(t PainType, match string) string {
	return string(t) + ":" + truncate(match, keyPrefixLength)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// extractLocation pulls a file path and line number from a diagnostic.
func extractLocation(line string) (string, int) {
	m := locationPattern.FindStringSubmatch(line)
	if m == nil {
		return "", 0
	}
	file := strings.TrimPrefix(m[1], "./")
	if m[2] == "" {
		return file, 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return file, 0
	}
	return file, n
}
