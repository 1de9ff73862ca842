package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for LocalSandbox.
const (
	DefaultRuntimeProbe = "node --version"
	DefaultKillGrace    = 2 * time.Second
)

// LocalOption configures a LocalSandbox.
type LocalOption func(*LocalSandbox)

// WithBaseDir sets the directory sandbox roots are created in.
func WithBaseDir(dir string) LocalOption {
	return func(s *LocalSandbox) {
		s.baseDir = dir
	}
}

// WithShell sets the shell commands are run with (default "sh").
func WithShell(shell string) LocalOption {
	return func(s *LocalSandbox) {
		s.shell = shell
	}
}

// WithRuntimeProbe sets the command whose output is the runtime version.
func WithRuntimeProbe(command string) LocalOption {
	return func(s *LocalSandbox) {
		s.probe = command
	}
}

// WithKillGrace sets how long a process gets between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) LocalOption {
	return func(s *LocalSandbox) {
		s.grace = d
	}
}

// LocalSandbox runs a project in a temporary directory on this machine.
// Each command runs in its own process group.
type LocalSandbox struct {
	id      string
	baseDir string
	shell   string
	probe   string
	grace   time.Duration

	mu             sync.Mutex
	root           string
	runtimeVersion string
	procs          map[*localProcess]struct{}
	closed         bool
}

// NewLocal creates an unbooted local sandbox.
func NewLocal(opts ...LocalOption) *LocalSandbox {
	s := &LocalSandbox{
		id:    uuid.NewString(),
		shell: "sh",
		probe: DefaultRuntimeProbe,
		grace: DefaultKillGrace,
		procs: make(map[*localProcess]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the sandbox identifier.
func (s *LocalSandbox) ID() string {
	return s.id
}

// Root returns the sandbox directory, empty before Boot.
func (s *LocalSandbox) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// RuntimeVersion returns the version reported by the runtime probe.
func (s *LocalSandbox) RuntimeVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeVersion
}

// Boot creates the sandbox directory and runs the runtime probe.
func (s *LocalSandbox) Boot(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s is closed", s.id)
	}
	if s.root == "" {
		root, err := os.MkdirTemp(s.baseDir, "healloop-"+s.id[:8]+"-")
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to create sandbox directory: %w", err)
		}
		s.root = root
	}
	s.mu.Unlock()

	if s.probe == "" {
		return nil
	}

	res, err := s.Exec(ctx, s.probe)
	if err != nil {
		return fmt.Errorf("runtime probe failed: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("runtime probe %q exited with code %d: %s",
			s.probe, res.ExitCode, strings.TrimSpace(res.Output))
	}

	s.mu.Lock()
	s.runtimeVersion = strings.TrimSpace(res.Output)
	s.mu.Unlock()
	return nil
}

func (s *LocalSandbox) resolve(p string) (string, error) {
	root := s.Root()
	if root == "" {
		return "", ErrNotBooted
	}
	clean, err := cleanRelPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// WriteFile writes a file below the sandbox root.
func (s *LocalSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a file below the sandbox root.
func (s *LocalSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (s *LocalSandbox) command(command string, env map[string]string) (*exec.Cmd, error) {
	root := s.Root()
	if root == "" {
		return nil, ErrNotBooted
	}

	cmd := exec.Command(s.shell, "-c", command)
	cmd.Dir = root
	cmd.Env = os.Environ()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	setProcessGroup(cmd)
	cmd.WaitDelay = s.grace
	return cmd, nil
}

// Exec runs command to completion in the sandbox root. When ctx ends the
// whole process group is killed and the context error is returned.
func (s *LocalSandbox) Exec(ctx context.Context, command string) (ExecResult, error) {
	cmd, err := s.command(command, nil)
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	var out lockedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to start %q: %w", command, err)
	}

	proc := s.track(cmd)
	defer s.untrack(proc)

	select {
	case <-proc.done:
	case <-ctx.Done():
		_ = proc.Kill()
	}

	code, waitErr := proc.Wait()
	res := ExecResult{ExitCode: code, Output: out.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, fmt.Errorf("command %q: %w", command, ctx.Err())
	}
	if waitErr != nil {
		return res, waitErr
	}
	return res, nil
}

// Start spawns command in the background.
func (s *LocalSandbox) Start(ctx context.Context, command string, env map[string]string, stdout, stderr io.Writer) (Process, error) {
	cmd, err := s.command(command, env)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	proc := s.track(cmd)
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
		case <-proc.done:
		}
		s.untrack(proc)
	}()

	return proc, nil
}

// Close kills running processes and removes the sandbox directory.
func (s *LocalSandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := make([]*localProcess, 0, len(s.procs))
	for p := range s.procs {
		procs = append(procs, p)
	}
	root := s.root
	s.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}

	if root == "" {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove sandbox directory: %w", err)
	}
	return nil
}

func (s *LocalSandbox) track(cmd *exec.Cmd) *localProcess {
	p := &localProcess{cmd: cmd, grace: s.grace, done: make(chan struct{})}
	go p.wait()

	s.mu.Lock()
	s.procs[p] = struct{}{}
	s.mu.Unlock()
	return p
}

func (s *LocalSandbox) untrack(p *localProcess) {
	s.mu.Lock()
	delete(s.procs, p)
	s.mu.Unlock()
}

// localProcess is a started command and its process group.
type localProcess struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}

	code int
	err  error
	once sync.Once
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited, but a child held the output pipes open past WaitDelay
		p.code = p.cmd.ProcessState.ExitCode()
	default:
		p.code = -1
		p.err = err
	}
	close(p.done)
}

// Wait blocks until the process exits.
func (p *localProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

// Done is closed when the process exits.
func (p *localProcess) Done() <-chan struct{} {
	return p.done
}

// Kill sends SIGTERM to the process group, then SIGKILL after the grace
// period, and waits for the process to exit.
func (p *localProcess) Kill() error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		_ = terminateGroup(p.cmd)
		select {
		case <-p.done:
			return
		case <-time.After(p.grace):
		}

		_ = killGroup(p.cmd)
	})
	<-p.done
	return nil
}
