package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// DefaultKillGrace is how long a remote process gets between SIGTERM and
// SIGKILL.
const DefaultKillGrace = 100 * time.Millisecond

// Run executes command and blocks until it exits or ctx is done. Output is
// copied to stdout and stderr; either may be nil. A non-zero exit is
// reported through the exit code, not the error.
func (c *Client) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	proc, err := c.Start(ctx, command, stdout, stderr)
	if err != nil {
		return -1, err
	}
	return proc.Wait()
}

// ExecuteCommand runs command and returns its trimmed output. A non-zero
// exit is returned as an error carrying stderr.
func (c *Client) ExecuteCommand(ctx context.Context, command string) (string, string, error) {
	var stdout, stderr bytes.Buffer

	code, err := c.Run(ctx, command, &stdout, &stderr)
	outStr := strings.TrimSpace(stdout.String())
	errStr := strings.TrimSpace(stderr.String())
	if err != nil {
		return outStr, errStr, err
	}
	if code != 0 {
		return outStr, errStr, fmt.Errorf("command exited with code %d: %s", code, errStr)
	}
	return outStr, errStr, nil
}

// Process is a remote command started with Start.
type Process struct {
	command string
	session *ssh.Session
	done    chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
	killed   bool
}

// Start launches command on the remote host without waiting for it. The
// process is terminated when ctx is done.
func (c *Client) Start(ctx context.Context, command string, stdout, stderr io.Writer) (*Process, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err}
	}

	session.Stdout = stdout
	session.Stderr = stderr

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("Starting remote command")

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, &TransportError{Op: "exec", Err: err}
	}
	c.touch()

	p := &Process{
		command: command,
		session: session,
		done:    make(chan struct{}),
	}

	go p.wait()
	go func() {
		select {
		case <-ctx.Done():
			p.terminate(DefaultKillGrace, ctx.Err())
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *Process) wait() {
	err := p.session.Wait()
	_ = p.session.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case p.err != nil:
		// terminate already recorded the cause
		p.exitCode = -1
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitStatus()
	case errors.As(err, &missing):
		p.exitCode = -1
		if !p.killed {
			p.err = &TransportError{Op: "exec", Err: err}
		}
	default:
		p.exitCode = -1
		p.err = &TransportError{Op: "exec", Err: err}
	}
	close(p.done)
}

// Wait blocks until the process exits and returns its exit code. The error
// is non-nil when the process was terminated or the session failed.
func (p *Process) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.err
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Kill terminates the process with SIGTERM followed by SIGKILL.
func (p *Process) Kill() error {
	p.terminate(DefaultKillGrace, nil)
	<-p.done
	return nil
}

// terminate signals the process and closes the session after grace. cause
// becomes the error returned by Wait.
func (p *Process) terminate(grace time.Duration, cause error) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	if cause != nil {
		p.err = cause
	}
	p.mu.Unlock()

	_ = p.session.Signal(ssh.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	_ = p.session.Signal(ssh.SIGKILL)
	_ = p.session.Close()
}

// ShellQuote quotes s for safe use as a single POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
