package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/telemetry"
	"github.com/healloop/healloop/pkg/transports/ssh"
)

// Defaults for settings that have no owning package.
const (
	DefaultDBPath          = "healloop.db"
	DefaultServerAddress   = "127.0.0.1:8787"
	DefaultShutdownTimeout = 10 * time.Second
)

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Shell:          "sh",
			RuntimeProbe:   sandbox.DefaultRuntimeProbe,
			InstallTimeout: sandbox.DefaultInstallTimeout,
			KillGrace:      sandbox.DefaultKillGrace,
		},
		Detector: DetectorConfig{
			DebounceWindow: detector.DefaultDebounceWindow,
			MinLineLength:  detector.DefaultMinLineLength,
		},
		Heal: HealConfig{
			Enabled:     true,
			Cooldown:    heal.DefaultCooldown,
			MinSeverity: string(detector.SeverityWarning),
		},
		Execution: ExecutionConfig{
			MaxRetries: execution.DefaultMaxRetries,
		},
		Store: StoreConfig{
			Path: DefaultDBPath,
		},
		Server: ServerConfig{
			Address:         DefaultServerAddress,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Remote: RemoteConfig{
			Config: *ssh.DefaultConfig("", ""),
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a configuration file on top of Default, applies HEALLOOP_*
// environment overrides and validates the result. An empty path loads
// only the defaults and the environment.
//
// YAML (.yaml, .yml), JSON (.json) and CUE (.cue) files are accepted. All
// of them are checked against the embedded schema first.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(path, data); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges a configuration file into c.
func (c *Config) decode(path string, data []byte) error {
	registry, err := DefaultSchemaRegistry()
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		if err := registry.ValidateAgainstSchema(context.Background(), SchemaConfig, raw); err != nil {
			return withFile(err, path)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}

	case ".cue", ".json":
		val, err := registry.Compile(path, string(data), SchemaConfig)
		if err != nil {
			return err
		}
		resolved, err := val.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", path, err)
		}
		// JSON is valid YAML; yaml.v3 parses duration strings.
		if err := yaml.Unmarshal(resolved, c); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}

	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}

	return nil
}

func withFile(err error, path string) error {
	if ves, ok := err.(ValidationErrors); ok {
		for i := range ves {
			if ves[i].File == "" {
				ves[i].File = path
			}
		}
		return ves
	}
	return err
}

// Validate checks struct constraints and the nested telemetry and remote
// settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	if c.Remote.Enabled {
		if c.Remote.Host == "" {
			return fmt.Errorf("invalid configuration: remote.host is required when remote is enabled")
		}
		if c.Remote.User == "" {
			return fmt.Errorf("invalid configuration: remote.user is required when remote is enabled")
		}
	}

	if _, err := detector.CompileRules(c.Detector.Rules); err != nil {
		return fmt.Errorf("invalid detector rules: %w", err)
	}

	return nil
}

// MinSeverity returns the parsed heal threshold.
func (c *Config) MinSeverity() detector.Severity {
	sev, err := detector.ParseSeverity(c.Heal.MinSeverity)
	if err != nil {
		return detector.SeverityWarning
	}
	return sev
}

// DetectorRules compiles the configured rules and evaluates the rule
// scripts. Relative script paths are resolved against baseDir.
func (c *Config) DetectorRules(ctx context.Context, baseDir string) ([]detector.Rule, error) {
	rules, err := detector.CompileRules(c.Detector.Rules)
	if err != nil {
		return nil, err
	}

	for _, script := range c.Detector.RuleScripts {
		if !filepath.IsAbs(script) && baseDir != "" {
			script = filepath.Join(baseDir, script)
		}
		scripted, err := LoadRuleScriptContext(ctx, script)
		if err != nil {
			return nil, err
		}
		rules = append(rules, scripted...)
	}

	return rules, nil
}

// DetectorOptions returns the detector options for this configuration.
func (c *Config) DetectorOptions(rules []detector.Rule) []detector.Option {
	opts := []detector.Option{
		detector.WithDebounceWindow(c.Detector.DebounceWindow),
		detector.WithMinLineLength(c.Detector.MinLineLength),
	}
	if len(rules) > 0 {
		opts = append(opts, detector.WithRules(append(detector.DefaultRules(), rules...)))
	}
	return opts
}

// LocalSandboxOptions returns the options for a local sandbox.
func (c *Config) LocalSandboxOptions() []sandbox.LocalOption {
	return []sandbox.LocalOption{
		sandbox.WithBaseDir(c.Sandbox.BaseDir),
		sandbox.WithShell(c.Sandbox.Shell),
		sandbox.WithRuntimeProbe(c.Sandbox.RuntimeProbe),
		sandbox.WithKillGrace(c.Sandbox.KillGrace),
	}
}

// HealOptions returns the coordinator options for this configuration.
// Heal.Enabled only forces the coordinator off; the environment switch
// still applies when it is on.
func (c *Config) HealOptions() []heal.Option {
	opts := []heal.Option{
		heal.WithCooldown(c.Heal.Cooldown),
		heal.WithMinSeverity(c.MinSeverity()),
		heal.WithMaxHeals(c.Heal.MaxHeals),
	}
	if !c.Heal.Enabled {
		opts = append(opts, heal.WithDisabled(true))
	}
	return opts
}
