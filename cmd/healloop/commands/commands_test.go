package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/fingerprint"
	"github.com/healloop/healloop/pkg/project"
	"github.com/healloop/healloop/pkg/stores"
)

// runCommand executes the CLI with args and returns stdout.
func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	configPath, debug, dbPath, jsonOutput = "", false, "", false
	t.Cleanup(func() { configPath, debug, dbPath, jsonOutput = "", false, "", false })

	cmd := newRootCommand("test", "none", "today")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestProfileCommand(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"dependencies": {"react": "18"}, "devDependencies": {"vite": "5"}, "scripts": {"dev": "vite"}}`,
		"src/main.tsx": "export {}",
	})

	out, err := runCommand(t, "", "profile", dir, "--json")
	if err != nil {
		t.Fatalf("profile error = %v", err)
	}

	var prof struct {
		Framework string `json:"framework"`
		Port      int    `json:"port"`
	}
	if err := json.Unmarshal([]byte(out), &prof); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if prof.Framework != "vite" || prof.Port == 0 {
		t.Errorf("profile = %+v", prof)
	}

	out, err = runCommand(t, "", "profile", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Dependencies:  2") {
		t.Errorf("text output = %q", out)
	}
}

func TestFingerprintCommand(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":            `{"dependencies": {"next": "14"}}`,
		"app/page.tsx":            "export default function Page() { return null }",
		"node_modules/x/index.js": "ignored",
	})

	out, err := runCommand(t, "", "fingerprint", dir)
	if err != nil {
		t.Fatalf("fingerprint error = %v", err)
	}

	files, err := project.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("loaded %d files, want node_modules skipped", len(files))
	}
	if got, want := strings.TrimSpace(out), fingerprint.Compute(files).String(); got != want {
		t.Errorf("fingerprint = %q, want %q", got, want)
	}
}

func TestDetectCommand(t *testing.T) {
	log := strings.Join([]string{
		"ready - started server on 0.0.0.0:3000",
		"Module not found: Can't resolve 'lodash'",
		"compiled successfully in 120ms",
		"Type error: Property 'x' does not exist on type 'Y'.",
	}, "\n")

	out, err := runCommand(t, log, "detect", "--json")
	if err != nil {
		t.Fatalf("detect error = %v", err)
	}

	dec := json.NewDecoder(strings.NewReader(out))
	var signals []detector.PainSignal
	for dec.More() {
		var s detector.PainSignal
		if err := dec.Decode(&s); err != nil {
			t.Fatalf("decode: %v", err)
		}
		signals = append(signals, s)
	}
	if len(signals) != 2 {
		t.Fatalf("signals = %+v, want 2", signals)
	}
	if signals[0].Type != detector.PainDependency || signals[1].Type != detector.PainTypeCheck {
		t.Errorf("types = %s, %s", signals[0].Type, signals[1].Type)
	}
}

func TestDetectCommandFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "server.log")
	if err := os.WriteFile(logPath, []byte("SyntaxError: Unexpected end of input\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "", "detect", logPath)
	if err != nil {
		t.Fatalf("detect error = %v", err)
	}
	if !strings.Contains(out, "critical") || !strings.Contains(out, "SYNTAX") {
		t.Errorf("output = %q", out)
	}

	if _, err := runCommand(t, "", "detect", filepath.Join(dir, "missing.log")); err == nil {
		t.Error("expected error for a missing log file")
	}
}

func TestDetectCommandCustomRules(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.star"),
		[]byte(`rules = [rule(type = "RUNTIME", severity = "critical", pattern = "PANIC in worker")]`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "healloop.yaml")
	if err := os.WriteFile(cfgPath, []byte("detector:\n  rule_scripts: [rules.star]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "PANIC in worker 3: out of memory\n", "detect", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("detect error = %v", err)
	}
	var signal detector.PainSignal
	if err := json.Unmarshal([]byte(out), &signal); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if signal.Type != detector.PainRuntime {
		t.Errorf("signal = %+v", signal)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.cue")
	if err := os.WriteFile(good, []byte(`heal: max_heals: 2`), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("heal:\n  cooldown: never\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("output = %q", out)
	}

	if _, err := runCommand(t, "", "validate", "--config", bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestHistoryCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := stores.Open(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSession(ctx, &stores.Session{ID: "sess-1", ProjectRoot: "/work/app", Framework: "nextjs"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordPainSignal(ctx, "sess-1", detector.PainSignal{
		ID: "sig-1", Type: detector.PainBuild, Severity: detector.SeverityCritical, Message: "Build failed",
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordAttempt(ctx, "exec-1", execution.Attempt{Number: 1, Kind: execution.ErrorKindTimeout, Retryable: true, Error: "timed out"}); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	out, err := runCommand(t, "", "history", "--db", db)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(out, "sess-1") || !strings.Contains(out, "nextjs") {
		t.Errorf("sessions output = %q", out)
	}

	out, err = runCommand(t, "", "history", "--db", db, "--session", "sess-1")
	if err != nil {
		t.Fatalf("history --session error = %v", err)
	}
	if !strings.Contains(out, "Signals (1)") || !strings.Contains(out, "Build failed") {
		t.Errorf("session output = %q", out)
	}

	out, err = runCommand(t, "", "history", "--db", db, "--execution", "exec-1", "--json")
	if err != nil {
		t.Fatalf("history --execution error = %v", err)
	}
	var attempts []execution.Attempt
	if err := json.Unmarshal([]byte(out), &attempts); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(attempts) != 1 || attempts[0].Kind != execution.ErrorKindTimeout {
		t.Errorf("attempts = %+v", attempts)
	}

	if _, err := runCommand(t, "", "history", "--db", db, "--session", "nope"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestExecCommandErrors(t *testing.T) {
	t.Setenv("HEALLOOP_AGENT_COMMAND", "")

	if _, err := runCommand(t, "", "exec"); err == nil || !strings.Contains(err.Error(), "--task") {
		t.Errorf("missing task error = %v", err)
	}
	if _, err := runCommand(t, "", "exec", "--task", "explain"); err == nil || !strings.Contains(err.Error(), "no agent command") {
		t.Errorf("missing agent error = %v", err)
	}
}

func TestIgnored(t *testing.T) {
	root := filepath.Join("work", "app")
	tests := []struct {
		name string
		want bool
	}{
		{filepath.Join(root, "src", "page.tsx"), false},
		{filepath.Join(root, "node_modules", "react", "index.js"), true},
		{filepath.Join(root, ".next", "cache"), true},
		{filepath.Join(root, "package.json"), false},
	}
	for _, tt := range tests {
		if got := ignored(root, tt.name); got != tt.want {
			t.Errorf("ignored(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReadyWaitRunsOffLoop(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})

	w := startReadyWait(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not start")
	}
	select {
	case <-finished:
		t.Fatal("wait returned before stop")
	default:
	}

	w.stop()
	select {
	case <-finished:
	default:
		t.Error("stop returned before the wait finished")
	}

	var nilWait *readyWait
	nilWait.stop()
}
