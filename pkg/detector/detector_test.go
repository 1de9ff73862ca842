package detector

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAnalyze_ModuleNotFound(t *testing.T) {
	d := New()

	sig, ok := d.Analyze("Module not found: Can't resolve 'framer-motion'")
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Type != PainDependency {
		t.Errorf("Type = %s, want %s", sig.Type, PainDependency)
	}
	if sig.Severity != SeverityCritical {
		t.Errorf("Severity = %s, want %s", sig.Severity, SeverityCritical)
	}
	if sig.Suggestion == "" {
		t.Error("expected a non-empty suggestion")
	}
	if sig.ID == "" {
		t.Error("expected an ID")
	}
}

func TestAnalyze_Classification(t *testing.T) {
	tests := []struct {
		line     string
		wantType PainType
		wantSev  Severity
	}{
		{"Error: Cannot find module 'tailwindcss'", PainDependency, SeverityCritical},
		{`[vite] Failed to resolve import "./Button" from "src/App.tsx"`, PainDependency, SeverityCritical},
		{"SyntaxError: Unexpected end of JSON input", PainSyntax, SeverityCritical},
		{"./app/page.tsx:12:5 Type error: Property 'foo' does not exist on type 'Bar'", PainTypeCheck, SeverityCritical},
		{"src/main.ts(4,1): error TS2304: Cannot find name 'x'.", PainTypeCheck, SeverityWarning},
		{"Error: Hydration failed because the initial UI does not match", PainHydration, SeverityWarning},
		{"Failed to compile.", PainBuild, SeverityCritical},
		{"ReferenceError: window is not defined", PainRuntime, SeverityCritical},
		{"TypeError: Cannot read properties of undefined (reading 'map')", PainRuntime, SeverityCritical},
		{"Error: listen EADDRINUSE: address already in use :::3000", PainNetwork, SeverityWarning},
		{`Warning: Each child in a list should have a unique "key" prop.`, PainRuntime, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			d := New()
			sig, ok := d.Analyze(tt.line)
			if !ok {
				t.Fatalf("expected a signal for %q", tt.line)
			}
			if sig.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", sig.Type, tt.wantType)
			}
			if sig.Severity != tt.wantSev {
				t.Errorf("Severity = %s, want %s", sig.Severity, tt.wantSev)
			}
		})
	}
}

func TestAnalyze_FirstMatchWins(t *testing.T) {
	d := New(WithRules([]Rule{
		{Type: PainBuild, Severity: SeverityWarning, Pattern: regexp.MustCompile(`boom`)},
		{Type: PainRuntime, Severity: SeverityCritical, Pattern: regexp.MustCompile(`boom happened`)},
	}))

	sig, ok := d.Analyze("a boom happened here")
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Type != PainBuild {
		t.Errorf("Type = %s, want first rule's %s", sig.Type, PainBuild)
	}
}

func TestAnalyze_SkipsShortAndNoise(t *testing.T) {
	d := New()

	lines := []string{
		"",
		"error",
		"✓ Compiled successfully in 1.2s",
		"webpack compiled with 1 warning",
		"[HMR] connected",
		"npm notice New major version of npm available!",
		"VITE v5.2.0  ready in 312 ms",
		"just some regular output line",
	}
	for _, line := range lines {
		if sig, ok := d.Analyze(line); ok {
			t.Errorf("Analyze(%q) = %+v, want no signal", line, sig)
		}
	}
}

func TestAnalyze_StripsANSI(t *testing.T) {
	d := New()

	sig, ok := d.Analyze("\x1b[31mModule not found: Can't resolve 'zod'\x1b[39m")
	if !ok {
		t.Fatal("expected a signal through color codes")
	}
	if sig.Message != "Module not found: Can't resolve 'zod'" {
		t.Errorf("Message = %q", sig.Message)
	}
}

func TestAnalyze_Debounce(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	line := "Module not found: Can't resolve 'lodash'"

	if _, ok := d.Analyze(line); !ok {
		t.Fatal("first call should emit")
	}

	clock.Advance(1 * time.Second)
	if _, ok := d.Analyze(line); ok {
		t.Error("second call within the window should be suppressed")
	}

	clock.Advance(DefaultDebounceWindow)
	if _, ok := d.Analyze(line); !ok {
		t.Error("call after the window should emit again")
	}
}

func TestAnalyze_DistinctMatchesNotDeduped(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))

	if _, ok := d.Analyze("Module not found: Can't resolve 'a-package'"); !ok {
		t.Fatal("expected first signal")
	}
	if _, ok := d.Analyze("Module not found: Can't resolve 'b-package'"); !ok {
		t.Error("a different match should not be deduped")
	}
}

func TestAnalyze_PurgesStaleKeys(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		d.Analyze(fmt.Sprintf("Module not found: Can't resolve 'pkg-%d'", i))
	}
	if got := d.CacheSize(); got != 10 {
		t.Fatalf("CacheSize = %d, want 10", got)
	}

	clock.Advance(2*DefaultDebounceWindow + time.Millisecond)
	if _, ok := d.Analyze("ReferenceError: foo is not defined"); !ok {
		t.Fatal("expected signal")
	}

	if got := d.CacheSize(); got != 1 {
		t.Errorf("CacheSize after purge = %d, want 1", got)
	}
}

func TestAnalyze_ExtractsLocation(t *testing.T) {
	d := New()

	sig, ok := d.Analyze("./app/page.tsx:42:7 Type error: Cannot find name 'Foo'.")
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.File != "app/page.tsx" {
		t.Errorf("File = %q, want app/page.tsx", sig.File)
	}
	if sig.Line != 42 {
		t.Errorf("Line = %d, want 42", sig.Line)
	}
}

func TestAnalyze_BoundsContext(t *testing.T) {
	d := New()
	long := "TypeError: " + fmt.Sprintf("%01000d", 0)

	sig, ok := d.Analyze(long)
	if !ok {
		t.Fatal("expected a signal")
	}
	if len(sig.Context) > maxContextLength {
		t.Errorf("len(Context) = %d, want <= %d", len(sig.Context), maxContextLength)
	}
	if len(sig.Message) > maxMessageLength {
		t.Errorf("len(Message) = %d, want <= %d", len(sig.Message), maxMessageLength)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"日本語", 4, "日"},
		{"short", 10, "short"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want || !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestAnalyze_MultibyteMessage(t *testing.T) {
	d := New()
	line := "TypeError: " + strings.Repeat("é", maxContextLength)

	sig, ok := d.Analyze(line)
	if !ok {
		t.Fatal("expected a signal")
	}
	if !utf8.ValidString(sig.Message) || !utf8.ValidString(sig.Context) {
		t.Errorf("signal holds invalid UTF-8: %q", sig.Message)
	}
}

func TestAppendRules(t *testing.T) {
	d := New()
	rule, err := RuleSpec{
		Type:       "runtime",
		Severity:   "warning",
		Pattern:    `PrismaClientInitializationError`,
		Suggestion: "Check DATABASE_URL.",
	}.Compile()
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	d.AppendRules(rule)

	sig, ok := d.Analyze("PrismaClientInitializationError: cannot reach database")
	if !ok {
		t.Fatal("expected appended rule to match")
	}
	if sig.Suggestion != "Check DATABASE_URL." {
		t.Errorf("Suggestion = %q", sig.Suggestion)
	}
}

func TestRuleSpec_CompileErrors(t *testing.T) {
	tests := []RuleSpec{
		{Type: "BOGUS", Severity: "critical", Pattern: "x"},
		{Type: "BUILD", Severity: "loud", Pattern: "x"},
		{Type: "BUILD", Severity: "critical", Pattern: ""},
		{Type: "BUILD", Severity: "critical", Pattern: "(unclosed"},
	}
	for i, spec := range tests {
		if _, err := spec.Compile(); err == nil {
			t.Errorf("case %d: expected compile error", i)
		}
	}
}

func TestAnalyzeLines(t *testing.T) {
	d := New()
	signals := d.AnalyzeLines([]string{
		"> next dev --port 3000",
		"Module not found: Can't resolve 'zod'",
		"Module not found: Can't resolve 'zod'",
		"ReferenceError: document is not defined",
	})

	if len(signals) != 2 {
		t.Fatalf("len(signals) = %d, want 2", len(signals))
	}
}

func TestSummary(t *testing.T) {
	s := PainSignal{Type: PainSyntax, Message: "SyntaxError: bad", File: "a.ts", Line: 3}
	if got, want := s.Summary(), "[SYNTAX] SyntaxError: bad (a.ts:3)"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
