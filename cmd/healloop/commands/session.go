package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/healloop/healloop/pkg/config"
	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/policy"
	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/stores"
	"github.com/healloop/healloop/pkg/telemetry"
	"github.com/healloop/healloop/pkg/transports/ssh"
)

const closeTimeout = 15 * time.Second

// session wires one sandbox run: telemetry, the session database, the
// detector, the heal coordinator and its policy engine.
type session struct {
	cfg         *config.Config
	tel         *telemetry.Telemetry
	store       *stores.SQLiteStore
	manager     *sandbox.Manager
	coordinator *heal.Coordinator
	policies    *policy.Engine
	loader      *policy.Loader
	recorded    bool
}

type sessionOptions struct {
	projectRoot string
	framework   string
	remote      bool

	// output receives raw process output lines; nil discards them.
	output io.Writer
}

// openSession builds the session components. The sandbox is not booted.
func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions) (_ *session, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &session{cfg: cfg, tel: tel}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.store, err = stores.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	s.store.Subscribe(tel.Events, nil)
	tel.Events.Subscribe(logEvent, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	rules, err := cfg.DetectorRules(ctx, configDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load detector rules: %w", err)
	}
	det := detector.New(cfg.DetectorOptions(rules)...)

	if err := s.initPolicies(ctx); err != nil {
		return nil, err
	}

	sb, err := newSandbox(cfg, opts.remote)
	if err != nil {
		return nil, err
	}

	managerOpts := []sandbox.Option{
		sandbox.WithTelemetry(tel),
		sandbox.WithDetector(det),
		sandbox.WithInstallTimeout(cfg.Sandbox.InstallTimeout),
		sandbox.WithSignalHandler(s.handleSignal),
	}
	if opts.output != nil {
		w := opts.output
		managerOpts = append(managerOpts, sandbox.WithOutputHandler(func(line sandbox.OutputLine) {
			if !line.Stale {
				fmt.Fprintf(w, "[%s] %s\n", line.Stream, line.Text)
			}
		}))
	}
	s.manager = sandbox.NewManager(sb, managerOpts...)
	sessionID := s.manager.SessionID()

	healOpts := []heal.Option{
		heal.WithSessionID(sessionID),
		heal.WithTelemetry(tel),
		heal.WithPolicy(s.policies),
		heal.WithOnRequest(func(req heal.PendingHealRequest) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.store.RecordHealRequest(ctx, sessionID, req); err != nil {
				log.Warn().Err(err).Msg("Failed to record heal request")
			}
		}),
	}
	s.coordinator = heal.New(s.manager, append(healOpts, cfg.HealOptions()...)...)

	root := opts.projectRoot
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if err := s.store.CreateSession(ctx, &stores.Session{
		ID:          sessionID,
		ProjectRoot: root,
		SandboxID:   sb.ID(),
		Framework:   opts.framework,
		Remote:      opts.remote,
	}); err != nil {
		return nil, err
	}
	s.recorded = true

	log.Debug().
		Str("session_id", sessionID).
		Str("sandbox_id", sb.ID()).
		Bool("remote", opts.remote).
		Msg("Session opened")

	return s, nil
}

// initPolicies loads the built-in heal policies plus the configured ones,
// and starts the hot-reload watcher when enabled.
func (s *session) initPolicies(ctx context.Context) error {
	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	s.policies = engine

	paths := s.cfg.Heal.PolicyPaths
	if len(paths) == 0 {
		return nil
	}
	if err := engine.LoadPolicies(ctx, paths); err != nil {
		return err
	}

	if s.cfg.Heal.WatchPolicies {
		s.loader = policy.NewLoader(log.Logger)
		err := s.loader.Watch(ctx, paths, func(policies []policy.Policy) error {
			return engine.ReplacePolicies(ctx, policies)
		})
		if err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return nil
}

// handleSignal persists a detected signal and hands it to the coordinator.
func (s *session) handleSignal(ctx context.Context, signal detector.PainSignal) {
	if err := s.store.RecordPainSignal(ctx, s.manager.SessionID(), signal); err != nil {
		log.Warn().Err(err).Str("signal_id", signal.ID).Msg("Failed to record pain signal")
	}
	s.coordinator.HandleSignal(ctx, signal)
}

// Close tears the sandbox down, stores the verification metadata and
// flushes telemetry before closing the database.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if s.manager != nil {
		if err := s.manager.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sandbox")
		}
		if s.recorded {
			if err := s.store.SaveVerification(ctx, s.manager.SessionID(), s.manager.Metadata()); err != nil {
				log.Warn().Err(err).Msg("Failed to save verification metadata")
			}
		}
	}
	if s.loader != nil {
		_ = s.loader.StopWatching()
	}
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// newSandbox creates a local sandbox, or an SSH one on the configured host.
func newSandbox(cfg *config.Config, remote bool) (sandbox.Sandbox, error) {
	if !remote {
		return sandbox.NewLocal(cfg.LocalSandboxOptions()...), nil
	}

	if cfg.Remote.Host == "" {
		return nil, fmt.Errorf("remote sandbox requires remote.host (or HEALLOOP_REMOTE_HOST)")
	}
	client, err := ssh.NewClient(cfg.Remote.SSH())
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh client: %w", err)
	}
	sb := sandbox.NewRemote(client)
	if cfg.Sandbox.RuntimeProbe != "" {
		sb.SetRuntimeProbe(cfg.Sandbox.RuntimeProbe)
	}
	return sb, nil
}

// configDir resolves relative rule script paths against the config file.
func configDir() string {
	if configPath == "" {
		return "."
	}
	return filepath.Dir(configPath)
}

func logEvent(event telemetry.Event) {
	entry := log.Warn()
	if event.Level == telemetry.EventLevelError {
		entry = log.Error()
	}
	entry.Str("event", event.Type).
		Str("session_id", event.SessionID).
		Msg(event.Message)
}
