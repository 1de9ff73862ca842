package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func signal(painType detector.PainType, severity detector.Severity) detector.PainSignal {
	return detector.PainSignal{
		Type:      painType,
		Severity:  severity,
		Message:   "something broke",
		Timestamp: time.Now(),
	}
}

func TestEngine_BuiltinsLoaded(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Fatalf("ListPolicies() = %d policies, want %d", len(policies), len(GetBuiltinPolicies()))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("ListPolicies() not sorted: %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
}

func TestEngine_EvaluateHeal(t *testing.T) {
	tests := []struct {
		name        string
		signal      detector.PainSignal
		heals       int
		maxHeals    int
		wantAllowed bool
		wantPolicy  string
	}{
		{
			name:        "critical build error is allowed",
			signal:      signal(detector.PainBuild, detector.SeverityCritical),
			wantAllowed: true,
		},
		{
			name:        "warning dependency is allowed",
			signal:      signal(detector.PainDependency, detector.SeverityWarning),
			wantAllowed: true,
		},
		{
			name:        "info signal is denied",
			signal:      signal(detector.PainRuntime, detector.SeverityInfo),
			wantAllowed: false,
			wantPolicy:  "informational-signals",
		},
		{
			name:        "network warning is denied",
			signal:      signal(detector.PainNetwork, detector.SeverityWarning),
			wantAllowed: false,
			wantPolicy:  "transient-network",
		},
		{
			name:        "budget exhausted",
			signal:      signal(detector.PainBuild, detector.SeverityCritical),
			heals:       3,
			maxHeals:    3,
			wantAllowed: false,
			wantPolicy:  "heal-budget",
		},
		{
			name:        "budget zero means unlimited",
			signal:      signal(detector.PainBuild, detector.SeverityCritical),
			heals:       50,
			maxHeals:    0,
			wantAllowed: true,
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := NewHealInput(tt.signal, "session-1", tt.heals, tt.maxHeals)
			decision, err := e.EvaluateHeal(context.Background(), input)
			if err != nil {
				t.Fatalf("EvaluateHeal() error = %v", err)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (violations %+v)", decision.Allowed, tt.wantAllowed, decision.Violations)
			}
			if tt.wantPolicy == "" {
				return
			}
			found := false
			for _, v := range decision.Violations {
				if v.Policy == tt.wantPolicy {
					found = true
					if v.Message == "" {
						t.Error("violation has empty message")
					}
				}
			}
			if !found {
				t.Errorf("expected violation from %s, got %+v", tt.wantPolicy, decision.Violations)
			}
		})
	}
}

func TestEngine_DisablePolicy(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("informational-signals"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}

	input := NewHealInput(signal(detector.PainRuntime, detector.SeverityInfo), "s", 0, 0)
	decision, err := e.EvaluateHeal(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateHeal() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allowed with policy disabled, got %+v", decision.Violations)
	}

	if err := e.EnablePolicy("informational-signals"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	decision, _ = e.EvaluateHeal(context.Background(), input)
	if decision.Allowed {
		t.Error("expected denied after re-enabling")
	}

	if err := e.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_AddPolicies(t *testing.T) {
	e := newTestEngine(t)

	custom := Policy{
		Name:    "no-hydration",
		Enabled: true,
		Rego: `package healloop.heal.hydration

import rego.v1

deny contains "hydration is reviewed manually" if {
	input.signal.type == "HYDRATION"
}
`,
	}
	if err := e.AddPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	input := NewHealInput(signal(detector.PainHydration, detector.SeverityWarning), "s", 0, 0)
	decision, err := e.EvaluateHeal(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateHeal() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected custom policy to deny")
	}
	if got := decision.Reasons(); len(got) != 1 || got[0] != "hydration is reviewed manually" {
		t.Errorf("Reasons() = %v", got)
	}
}

func TestEngine_AddPolicies_InvalidKeepsExisting(t *testing.T) {
	e := newTestEngine(t)
	before := len(e.ListPolicies())

	bad := Policy{Name: "broken", Enabled: true, Rego: "package x\n\ndeny contains if {"}
	if err := e.AddPolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("expected compile error")
	}
	if got := len(e.ListPolicies()); got != before {
		t.Errorf("policy count = %d, want %d", got, before)
	}
}

func TestEngine_ReplacePolicies(t *testing.T) {
	e := newTestEngine(t)

	first := Policy{
		Name:    "deny-syntax",
		Enabled: true,
		Rego:    "package healloop.heal.syntax\n\nimport rego.v1\n\ndeny contains \"no\" if {\n\tinput.signal.type == \"SYNTAX\"\n}\n",
	}
	if err := e.ReplacePolicies(context.Background(), []Policy{first}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := e.GetPolicy("deny-syntax"); err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}

	if err := e.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := e.GetPolicy("deny-syntax"); err == nil {
		t.Error("custom policy should be gone after replace")
	}
	if _, err := e.GetPolicy("heal-budget"); err != nil {
		t.Error("built-in policy should survive replace")
	}
}

func TestEngine_CanceledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := NewHealInput(signal(detector.PainBuild, detector.SeverityCritical), "s", 0, 0)
	if _, err := e.EvaluateHeal(ctx, input); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("tests.rego", "# Deny everything from generated tests\npackage healloop.heal.tests\n\nimport rego.v1\n\ndeny contains \"tests\" if {\n\tcontains(input.signal.file, \".test.\")\n}\n")
	write("other.rego", "package deploy.checks\n\nimport rego.v1\n\ndeny contains \"x\" if { true }\n")
	write("README.md", "ignored")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1 (other.rego is outside healloop.heal)", len(policies))
	}

	tests := policies[0]
	if tests.Name != "tests" {
		t.Fatalf("Name = %q", tests.Name)
	}
	if tests.Description != "Deny everything from generated tests" {
		t.Errorf("Description = %q", tests.Description)
	}
	if !tests.Enabled || tests.Source == "" {
		t.Errorf("unexpected policy %+v", tests)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "other.rego")}); err == nil {
		t.Error("expected error when a named file is not a heal policy")
	}
}

func TestLoader_ReparsesChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.rego")
	write := func(src string, mod time.Time) {
		t.Helper()
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	loader := NewLoader(zerolog.Nop())
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	write("# first\npackage healloop.heal.budget\n\nimport rego.v1\n\ndeny contains \"a\" if { false }\n", base)
	first, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatal(err)
	}

	write("# second\npackage healloop.heal.budget\n\nimport rego.v1\n\ndeny contains \"b\" if { false }\n", base.Add(time.Minute))
	second, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatal(err)
	}

	if first[0].Description != "first" || second[0].Description != "second" {
		t.Errorf("descriptions = %q, %q", first[0].Description, second[0].Description)
	}
}

func TestParseHealPolicy(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"root package", "package healloop.heal\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n", ""},
		{"subpackage", "package healloop.heal.network\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n", ""},
		{"lookalike package", "package healloop.healthy\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n", "outside"},
		{"no deny", "package healloop.heal.quiet\n\nimport rego.v1\n\nallow if { true }\n", "no deny"},
		{"syntax error", "package healloop.heal.broken\n\ndeny contains {\n", "invalid rego"},
		{"empty", "", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseHealPolicy("p", tt.src)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseHealPolicy() error = %v", err)
				}
				if !p.Enabled || p.Rego != tt.src {
					t.Errorf("policy = %+v", p)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseHealPolicy() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())
	loader.debounce = 10 * time.Millisecond

	reloaded := make(chan []Policy, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	src := "package healloop.heal.live\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"
	if err := os.WriteFile(filepath.Join(dir, "live.rego"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "live" {
			t.Errorf("reloaded = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching() error = %v", err)
	}
}
