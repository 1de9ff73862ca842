package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func bootedLocal(t *testing.T) *LocalSandbox {
	t.Helper()
	sb := NewLocal(
		WithBaseDir(t.TempDir()),
		WithRuntimeProbe("echo v20.11.0"),
		WithKillGrace(200*time.Millisecond),
	)
	if err := sb.Boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close() })
	return sb
}

func TestLocalSandbox_Boot(t *testing.T) {
	sb := bootedLocal(t)

	if sb.RuntimeVersion() != "v20.11.0" {
		t.Errorf("unexpected runtime version %q", sb.RuntimeVersion())
	}
	if info, err := os.Stat(sb.Root()); err != nil || !info.IsDir() {
		t.Fatalf("expected sandbox directory, got %v", err)
	}
	if !strings.Contains(filepath.Base(sb.Root()), sb.ID()[:8]) {
		t.Errorf("expected root to carry the sandbox id, got %s", sb.Root())
	}
}

func TestLocalSandbox_BootProbeFailure(t *testing.T) {
	sb := NewLocal(WithBaseDir(t.TempDir()), WithRuntimeProbe("echo node missing >&2; exit 127"))
	defer sb.Close()

	err := sb.Boot(context.Background())
	if err == nil {
		t.Fatal("expected boot error")
	}
	if !strings.Contains(err.Error(), "127") || !strings.Contains(err.Error(), "node missing") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLocalSandbox_NotBooted(t *testing.T) {
	sb := NewLocal(WithBaseDir(t.TempDir()))

	if err := sb.WriteFile(context.Background(), "a.txt", nil); !errors.Is(err, ErrNotBooted) {
		t.Errorf("expected ErrNotBooted, got %v", err)
	}
	if _, err := sb.Exec(context.Background(), "true"); !errors.Is(err, ErrNotBooted) {
		t.Errorf("expected ErrNotBooted, got %v", err)
	}
}

func TestLocalSandbox_Files(t *testing.T) {
	sb := bootedLocal(t)
	ctx := context.Background()

	if err := sb.WriteFile(ctx, "app/blog/[slug]/page.tsx", []byte("page")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := sb.ReadFile(ctx, "./app/blog/[slug]/page.tsx")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "page" {
		t.Errorf("unexpected content %q", data)
	}

	for _, bad := range []string{"../outside.txt", "app/../../outside.txt", "", "."} {
		if err := sb.WriteFile(ctx, bad, []byte("x")); !errors.Is(err, ErrPathEscapes) {
			t.Errorf("WriteFile(%q): expected ErrPathEscapes, got %v", bad, err)
		}
	}

	// Absolute paths are taken relative to the root
	if err := sb.WriteFile(ctx, "/etc/app.conf", []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sb.Root(), "etc", "app.conf")); err != nil {
		t.Errorf("expected file under root: %v", err)
	}
}

func TestLocalSandbox_Exec(t *testing.T) {
	sb := bootedLocal(t)
	ctx := context.Background()

	if err := sb.WriteFile(ctx, "hello.txt", []byte("hi there")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	res, err := sb.Exec(ctx, "cat hello.txt; echo ' err' >&2")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if !res.Success() {
		t.Errorf("expected success, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hi there") || !strings.Contains(res.Output, "err") {
		t.Errorf("expected combined output, got %q", res.Output)
	}

	res, err = sb.Exec(ctx, "exit 3")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestLocalSandbox_ExecTimeoutKillsGroup(t *testing.T) {
	sb := bootedLocal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The child sleep shares the process group and must die too
	_, err := sb.Exec(ctx, "sleep 30 & sleep 30; wait")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("exec returned after %v", elapsed)
	}
}

func TestLocalSandbox_StartAndKill(t *testing.T) {
	sb := bootedLocal(t)

	var (
		mu  sync.Mutex
		out bytes.Buffer
	)
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return out.Write(p)
	})

	proc, err := sb.Start(context.Background(), `echo "port=$PORT"; sleep 30`, map[string]string{"PORT": "3000"}, w, w)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, "output", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "port=3000")
	})

	if err := proc.Kill(); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after kill")
	}
	if code, _ := proc.Wait(); code == 0 {
		t.Errorf("expected non-zero exit after kill, got %d", code)
	}
}

func TestLocalSandbox_StartStopsWithContext(t *testing.T) {
	sb := bootedLocal(t)

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := sb.Start(ctx, "sleep 30", nil, nil, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	cancel()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after cancel")
	}
}

func TestLocalSandbox_CloseRemovesRoot(t *testing.T) {
	sb := NewLocal(WithBaseDir(t.TempDir()), WithRuntimeProbe(""), WithKillGrace(100*time.Millisecond))
	if err := sb.Boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	proc, err := sb.Start(context.Background(), "sleep 30", nil, nil, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	root := sb.Root()
	if err := sb.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("expected root removed, stat err %v", err)
	}
	select {
	case <-proc.Done():
	default:
		t.Error("expected process killed on close")
	}
	if err := sb.Boot(context.Background()); err == nil {
		t.Error("expected boot after close to fail")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
