package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeSandbox records everything the manager asks of it. Started processes
// stay alive until the test makes them exit.
type fakeSandbox struct {
	mu       sync.Mutex
	id       string
	runtime  string
	bootErr  error
	startErr error
	files    map[string]string
	execs    []string
	starts   []string
	envs     []map[string]string
	procs    []*fakeProcess
	closed   bool

	// execFn answers Exec; nil means every command succeeds.
	execFn func(ctx context.Context, command string) (ExecResult, error)
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		id:      "fake-sandbox",
		runtime: "v20.11.0",
		files:   make(map[string]string),
	}
}

func (s *fakeSandbox) ID() string { return s.id }

func (s *fakeSandbox) Boot(ctx context.Context) error {
	return s.bootErr
}

func (s *fakeSandbox) RuntimeVersion() string { return s.runtime }

func (s *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	clean, err := cleanRelPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[clean] = string(data)
	return nil
}

func (s *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: file does not exist", path)
	}
	return []byte(data), nil
}

func (s *fakeSandbox) Exec(ctx context.Context, command string) (ExecResult, error) {
	s.mu.Lock()
	s.execs = append(s.execs, command)
	fn := s.execFn
	s.mu.Unlock()

	if fn == nil {
		return ExecResult{ExitCode: 0, Output: "added 42 packages"}, nil
	}
	return fn(ctx, command)
}

func (s *fakeSandbox) Start(ctx context.Context, command string, env map[string]string, stdout, stderr io.Writer) (Process, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}

	p := &fakeProcess{
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.starts = append(s.starts, command)
	s.envs = append(s.envs, env)
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.exit(-1)
		case <-p.done:
		}
	}()
	return p, nil
}

func (s *fakeSandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSandbox) file(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

func (s *fakeSandbox) execCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func (s *fakeSandbox) startCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starts...)
}

func (s *fakeSandbox) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

// fakeProcess writes whatever the test emits to the manager's pipes.
type fakeProcess struct {
	stdout io.Writer
	stderr io.Writer
	done   chan struct{}

	once sync.Once
	code int
}

func (p *fakeProcess) emit(t *testing.T, stream, line string) {
	t.Helper()
	w := p.stdout
	if stream == StreamStderr {
		w = p.stderr
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("emit %q: %v", line, err)
	}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProcess) Kill() error {
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockingExec never finishes on its own; it returns when ctx ends.
func blockingExec(ctx context.Context, command string) (ExecResult, error) {
	<-ctx.Done()
	return ExecResult{ExitCode: -1}, fmt.Errorf("command %q: %w", command, ctx.Err())
}

var errBoot = errors.New("runtime not found")
