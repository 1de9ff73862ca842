// Package ssh is the transport behind remote sandboxes: one SSH connection
// per sandbox host, command execution with streamed output and SFTP file
// access rooted at the host's sandbox directory.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client manages one SSH connection and its lazily opened SFTP session.
type Client struct {
	config        *Config
	sshConfig     *ssh.ClientConfig
	client        *ssh.Client
	sftp          *sftp.Client
	mu            sync.RWMutex
	connected     bool
	lastActivity  time.Time
	stopKeepAlive chan struct{}
}

// ConnectionInfo describes the current connection.
type ConnectionInfo struct {
	Host          string
	Port          int
	User          string
	Connected     bool
	LastActivity  time.Time
	ServerVersion string
}

// NewClient validates the configuration and prepares a client. It does not
// dial; call Connect.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH config: %w", err)
	}

	sshConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build SSH client config: %w", err)
	}

	return &Client{
		config:    config,
		sshConfig: sshConfig,
	}, nil
}

// Config returns the client's configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Connect establishes the SSH connection. It is a no-op when already
// connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.client != nil {
		return nil
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("user", c.config.User).
		Msg("Connecting to SSH server")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), c.sshConfig)
		resultChan <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Close whatever the abandoned dial produces
			if res := <-resultChan; res.client != nil {
				res.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err()}
	case res := <-resultChan:
		if res.err != nil {
			return &TransportError{
				Op:          "connect",
				Err:         res.err,
				IsAuthError: isAuthError(res.err),
			}
		}
		c.client = res.client
	}

	c.connected = true
	c.lastActivity = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeepAlive)
	}

	log.Info().
		Str("host", c.config.Host).
		Str("server_version", string(c.client.ServerVersion())).
		Msg("SSH connection established")

	return nil
}

// Disconnect closes the SFTP session and the SSH connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}

	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	c.connected = false

	log.Debug().Str("host", c.config.Host).Msg("SSH connection closed")

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil
}

// HealthCheck runs a trivial command to verify the connection works.
func (c *Client) HealthCheck(ctx context.Context) error {
	code, err := c.Run(ctx, "true", nil, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("health check failed: exit code %d", code)
	}
	return nil
}

// GetConnectionInfo returns a snapshot of the connection state.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Connected:    c.connected,
		LastActivity: c.lastActivity,
	}
	if c.client != nil {
		info.ServerVersion = string(c.client.ServerVersion())
	}
	return info
}

// keepAlive sends keepalive requests until stop closes or too many fail.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				failures = 0
				c.touch()
				continue
			}

			failures++
			log.Warn().
				Err(err).
				Int("failures", failures).
				Str("host", c.config.Host).
				Msg("SSH keep-alive failed")

			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("SSH connection lost")
				c.mu.Lock()
				if c.client == client {
					c.connected = false
				}
				c.mu.Unlock()
				return
			}
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// getClient returns the live ssh.Client or a not-connected error.
func (c *Client) getClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, &TransportError{Op: "session", Err: ErrNotConnected}
	}
	return c.client, nil
}

// getSFTP returns the cached SFTP client, opening it on first use.
func (c *Client) getSFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil, &TransportError{Op: "sftp", Err: ErrNotConnected}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err}
	}
	c.sftp = client
	return client, nil
}

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("not connected")

// TransportError represents an SSH transport failure.
type TransportError struct {
	Op          string
	Err         error
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*ssh.ServerAuthError); ok {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
