package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/telemetry"
	"github.com/healloop/healloop/pkg/transports/ssh"
)

// Config is the complete HealLoop configuration.
type Config struct {
	// Sandbox configures the local sandbox and the build pipeline.
	Sandbox SandboxConfig `yaml:"sandbox" json:"sandbox"`

	// Detector configures output analysis.
	Detector DetectorConfig `yaml:"detector" json:"detector"`

	// Heal configures the auto-heal coordinator.
	Heal HealConfig `yaml:"heal" json:"heal"`

	// Execution configures the agent retry engine.
	Execution ExecutionConfig `yaml:"execution" json:"execution"`

	// Store configures persistence.
	Store StoreConfig `yaml:"store" json:"store"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server" json:"server"`

	// Remote configures an SSH sandbox host.
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// SandboxConfig configures sandboxes and the build pipeline.
type SandboxConfig struct {
	// BaseDir is where local sandbox directories are created. Empty means
	// the system temp directory.
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// Shell runs sandbox commands.
	Shell string `yaml:"shell" json:"shell" validate:"required"`

	// RuntimeProbe prints the runtime version at boot. Empty skips the probe.
	RuntimeProbe string `yaml:"runtime_probe" json:"runtime_probe"`

	// InstallTimeout bounds each dependency install command.
	InstallTimeout time.Duration `yaml:"install_timeout" json:"install_timeout" validate:"gt=0"`

	// KillGrace is how long a stopped dev server gets before SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace" json:"kill_grace" validate:"gte=0"`
}

// DetectorConfig configures the pain detector.
type DetectorConfig struct {
	// DebounceWindow suppresses repeats of the same signal.
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window" validate:"gte=0"`

	// MinLineLength skips lines shorter than this.
	MinLineLength int `yaml:"min_line_length" json:"min_line_length" validate:"gte=0"`

	// Rules are appended after the built-in rules.
	Rules []detector.RuleSpec `yaml:"rules,omitempty" json:"rules,omitempty" validate:"dive"`

	// RuleScripts are Starlark files that define additional rules.
	RuleScripts []string `yaml:"rule_scripts,omitempty" json:"rule_scripts,omitempty"`
}

// HealConfig configures the auto-heal coordinator.
type HealConfig struct {
	// Enabled switches auto-heal on or off.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Cooldown is the minimum time between two triggered heals.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown" validate:"gt=0"`

	// MinSeverity is the lowest severity that may trigger a heal.
	MinSeverity string `yaml:"min_severity" json:"min_severity" validate:"oneof=critical warning info"`

	// MaxHeals caps heals per session; zero means unlimited.
	MaxHeals int `yaml:"max_heals" json:"max_heals" validate:"gte=0"`

	// PolicyPaths are Rego files or directories added to the built-in
	// heal policies.
	PolicyPaths []string `yaml:"policy_paths,omitempty" json:"policy_paths,omitempty"`

	// WatchPolicies reloads PolicyPaths when they change.
	WatchPolicies bool `yaml:"watch_policies" json:"watch_policies"`
}

// ExecutionConfig configures the agent retry engine.
type ExecutionConfig struct {
	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=10"`

	// AgentCommand is the agent executable and its arguments.
	AgentCommand []string `yaml:"agent_command,omitempty" json:"agent_command,omitempty"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file. ":memory:" keeps everything in memory.
	Path string `yaml:"path" json:"path" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address.
	Address string `yaml:"address" json:"address" validate:"required,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// RemoteConfig configures an SSH sandbox host.
type RemoteConfig struct {
	// Enabled makes run and watch use the remote host.
	Enabled bool `yaml:"enabled" json:"enabled"`

	ssh.Config `yaml:",inline"`
}

// SSH returns a copy of the SSH settings.
func (r RemoteConfig) SSH() *ssh.Config {
	cfg := r.Config
	return &cfg
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the error (e.g., "heal.cooldown").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration file fails its schema.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
