package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/transports/ssh"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HEALLOOP_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	name  string
	apply func(c *Config, value string) error
}

var envBindings = []envBinding{
	{"DB", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"SERVER_ADDR", func(c *Config, v string) error { c.Server.Address = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = strings.ToLower(v); return nil }},
	{"SHELL", func(c *Config, v string) error { c.Sandbox.Shell = v; return nil }},
	{"SANDBOX_DIR", func(c *Config, v string) error { c.Sandbox.BaseDir = v; return nil }},
	{"RUNTIME_PROBE", func(c *Config, v string) error { c.Sandbox.RuntimeProbe = v; return nil }},
	{"INSTALL_TIMEOUT", durationEnv(func(c *Config) *time.Duration { return &c.Sandbox.InstallTimeout })},
	{"HEAL_COOLDOWN", durationEnv(func(c *Config) *time.Duration { return &c.Heal.Cooldown })},
	{"HEAL_MIN_SEVERITY", func(c *Config, v string) error { c.Heal.MinSeverity = strings.ToLower(v); return nil }},
	{"MAX_HEALS", intEnv(func(c *Config) *int { return &c.Heal.MaxHeals })},
	{"MAX_RETRIES", intEnv(func(c *Config) *int { return &c.Execution.MaxRetries })},
	{"AGENT_COMMAND", func(c *Config, v string) error { c.Execution.AgentCommand = strings.Fields(v); return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
	{"REMOTE_HOST", func(c *Config, v string) error {
		c.Remote.Enabled = true
		c.Remote.Host = v
		return nil
	}},
	{"REMOTE_PORT", intEnv(func(c *Config) *int { return &c.Remote.Port })},
	{"REMOTE_USER", func(c *Config, v string) error { c.Remote.User = v; return nil }},
	{"REMOTE_KEY", func(c *Config, v string) error {
		c.Remote.AuthMethod = ssh.AuthMethodKey
		c.Remote.PrivateKeyPath = v
		return nil
	}},
	{"REMOTE_PASSWORD", func(c *Config, v string) error {
		c.Remote.AuthMethod = ssh.AuthMethodPassword
		c.Remote.Password = v
		return nil
	}},
}

func durationEnv(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func intEnv(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// ApplyEnv applies HEALLOOP_* overrides to c. Empty values are ignored.
// HEALLOOP_AUTOHEAL_DISABLED turns auto-heal off.
func ApplyEnv(c *Config, lookup LookupFunc) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.name
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if v, ok := lookup(heal.DisableEnvVar); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			c.Heal.Enabled = false
		}
	}

	return nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}
