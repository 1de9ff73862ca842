package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healloop/healloop/pkg/transports/ssh"
)

// RemoteSandbox runs a project in a directory on an SSH host. Files move
// over SFTP and commands run through the host's shell.
type RemoteSandbox struct {
	id     string
	client *ssh.Client
	probe  string
	dir    string

	mu             sync.Mutex
	booted         bool
	runtimeVersion string
	procs          map[*ssh.Process]struct{}
	closed         bool
}

// NewRemote creates an unbooted sandbox on the host client is configured
// for. The sandbox directory is created under the config's RemoteRoot.
func NewRemote(client *ssh.Client) *RemoteSandbox {
	id := uuid.NewString()
	return &RemoteSandbox{
		id:     id,
		client: client,
		probe:  DefaultRuntimeProbe,
		dir:    path.Join(client.Config().RemoteRoot, id),
		procs:  make(map[*ssh.Process]struct{}),
	}
}

// SetRuntimeProbe replaces the runtime probe command. It must be called
// before Boot.
func (s *RemoteSandbox) SetRuntimeProbe(command string) {
	s.probe = command
}

// ID returns the sandbox identifier.
func (s *RemoteSandbox) ID() string {
	return s.id
}

// Dir returns the remote sandbox directory.
func (s *RemoteSandbox) Dir() string {
	return s.dir
}

// RuntimeVersion returns the version reported by the runtime probe.
func (s *RemoteSandbox) RuntimeVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeVersion
}

// Boot connects, creates the sandbox directory and runs the runtime probe.
func (s *RemoteSandbox) Boot(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to sandbox host: %w", err)
	}
	if err := s.client.MkdirAll(s.dir); err != nil {
		return fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	s.mu.Lock()
	s.booted = true
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

func (s *RemoteSandbox) checkBooted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.booted {
		return ErrNotBooted
	}
	return nil
}

func (s *RemoteSandbox) resolve(p string) (string, error) {
	if err := s.checkBooted(); err != nil {
		return "", err
	}
	clean, err := cleanRelPath(p)
	if err != nil {
		return "", err
	}
	return path.Join(s.dir, clean), nil
}

// WriteFile uploads a file below the sandbox directory.
func (s *RemoteSandbox) WriteFile(ctx context.Context, p string, data []byte) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	return s.client.WriteFile(ctx, full, data, 0644)
}

// ReadFile downloads a file below the sandbox directory.
func (s *RemoteSandbox) ReadFile(ctx context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return s.client.ReadFile(ctx, full)
}

// shellCommand prefixes command with a cd into the sandbox and env
// assignments.
func (s *RemoteSandbox) shellCommand(command string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(ssh.ShellQuote(s.dir))
	b.WriteString(" && ")

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(ssh.ShellQuote(env[k]))
		b.WriteString("; ")
	}

	b.WriteString(command)
	return b.String()
}

// Exec runs command to completion in the sandbox directory.
func (s *RemoteSandbox) Exec(ctx context.Context, command string) (ExecResult, error) {
	if err := s.checkBooted(); err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	var out lockedBuffer
	start := time.Now()
	code, err := s.client.Run(ctx, s.shellCommand(command, nil), &out, &out)
	res := ExecResult{ExitCode: code, Output: out.String(), Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("command %q: %w", command, err)
	}
	return res, nil
}

// Start spawns command in the background on the host.
func (s *RemoteSandbox) Start(ctx context.Context, command string, env map[string]string, stdout, stderr io.Writer) (Process, error) {
	if err := s.checkBooted(); err != nil {
		return nil, err
	}

	proc, err := s.client.Start(ctx, s.shellCommand(command, env), stdout, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	s.mu.Lock()
	s.procs[proc] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-proc.Done()
		s.mu.Lock()
		delete(s.procs, proc)
		s.mu.Unlock()
	}()

	return proc, nil
}

// Close kills remaining processes, removes the sandbox directory and
// disconnects.
func (s *RemoteSandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := make([]*ssh.Process, 0, len(s.procs))
	for p := range s.procs {
		procs = append(procs, p)
	}
	booted := s.booted
	s.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}

	var err error
	if booted && s.client.IsConnected() {
		err = s.client.RemoveAll(s.dir)
	}
	if derr := s.client.Disconnect(); err == nil {
		err = derr
	}
	return err
}
