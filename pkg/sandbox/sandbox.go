package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/healloop/healloop/pkg/project"
)

// ExecResult is the outcome of a command run to completion.
type ExecResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r ExecResult) Success() bool {
	return r.ExitCode == 0
}

// Process is a long-running command started in a sandbox.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Kill terminates the process and its children.
	Kill() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Sandbox is a disposable environment a project is materialized and run
// in. Paths are relative to the sandbox root.
type Sandbox interface {
	// ID identifies the sandbox instance.
	ID() string

	// Boot prepares the environment and verifies the runtime.
	Boot(ctx context.Context) error

	// RuntimeVersion returns the runtime version detected by Boot.
	RuntimeVersion() string

	// WriteFile writes a file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error

	// ReadFile reads a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Exec runs command to completion and captures combined output. A
	// non-zero exit is reported in the result; the error is non-nil only
	// when the command could not run or ctx ended it.
	Exec(ctx context.Context, command string) (ExecResult, error)

	// Start spawns command in the background, copying its output to stdout
	// and stderr. The process is killed when ctx is done.
	Start(ctx context.Context, command string, env map[string]string, stdout, stderr io.Writer) (Process, error)

	// Close kills remaining processes and removes the environment.
	Close() error
}

// VerificationMetadata records what was verified about the environment and
// its dependencies.
type VerificationMetadata struct {
	EnvironmentVerifiedAt *time.Time `json:"environment_verified_at"`
	RuntimeVersion        string     `json:"runtime_version"`
	ContainerHash         string     `json:"container_hash"`
	DependenciesLockedAt  *time.Time `json:"dependencies_locked_at"`
	DependencyCount       int        `json:"dependency_count"`
	LockfileHash          string     `json:"lockfile_hash"`
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// cleanRelPath normalizes p and rejects paths outside the sandbox root.
func cleanRelPath(p string) (string, error) {
	clean := project.NormalizePath(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, p)
	}
	return clean, nil
}
