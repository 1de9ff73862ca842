// Package sandbox owns the per-project execution sandbox: boot, file sync,
// dependency install with escalation, process start and output monitoring.
//
// A Manager drives one Sandbox through the lifecycle state machine:
//
//	Idle -> Booting -> Ready | BootFailed
//	Ready -> Syncing -> Installing -> Starting -> Running
//	Running -> Syncing (next generation)
//	any pipeline step -> Error
//
// Process output is pumped in the background into a detector.Detector.
// Output from a process started before the latest generation began is
// stale and only reaches the output handler.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/fingerprint"
	"github.com/healloop/healloop/pkg/install"
	"github.com/healloop/healloop/pkg/profile"
	"github.com/healloop/healloop/pkg/project"
	"github.com/healloop/healloop/pkg/telemetry"
)

const (
	// DefaultInstallTimeout caps a single install command.
	DefaultInstallTimeout = 90 * time.Second

	// LockfilePath is the lockfile hashed into verification metadata.
	LockfilePath = "package-lock.json"

	maxRecentSignals = 100
	maxOutputTail    = 4096
)

// SignalHandler receives pain signals detected in authoritative output.
type SignalHandler func(ctx context.Context, signal detector.PainSignal)

// OutputHandler receives every output line, stale or not.
type OutputHandler func(line OutputLine)

// Option configures a Manager.
type Option func(*Manager)

// WithSessionID sets the session identifier (default: random UUID).
func WithSessionID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.sessionID = id
		}
	}
}

// WithTelemetry sets the telemetry bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.tel = telemetry.OrNop(t)
	}
}

// WithDetector sets the detector process output is analyzed with.
func WithDetector(d *detector.Detector) Option {
	return func(m *Manager) {
		if d != nil {
			m.detector = d
		}
	}
}

// WithSignalHandler sets the callback for detected signals.
func WithSignalHandler(fn SignalHandler) Option {
	return func(m *Manager) {
		m.onSignal = fn
	}
}

// WithOutputHandler sets the callback for raw output lines.
func WithOutputHandler(fn OutputHandler) Option {
	return func(m *Manager) {
		m.onOutput = fn
	}
}

// WithInstallTimeout sets the per-command install timeout.
func WithInstallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.installTimeout = d
		}
	}
}

// WithClock sets the time source used for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// InstallOutcome is how an install stage ended.
type InstallOutcome string

const (
	// InstallSucceeded means an install command exited zero.
	InstallSucceeded InstallOutcome = "succeeded"

	// InstallTimedOut means a command hit the timeout and was killed.
	InstallTimedOut InstallOutcome = "timed_out"

	// InstallExhausted means every escalation failed to resolve
	// dependencies.
	InstallExhausted InstallOutcome = "exhausted"

	// InstallFailed means a failure the escalator does not handle.
	InstallFailed InstallOutcome = "failed"
)

// InstallReport describes an install stage. The pipeline proceeds after
// every outcome; anything but success leaves the sandbox degraded.
type InstallReport struct {
	Outcome  InstallOutcome `json:"outcome"`
	Commands []string       `json:"commands"`
	Output   string         `json:"output,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Degraded reports whether the install did not succeed.
func (r *InstallReport) Degraded() bool {
	return r.Outcome != InstallSucceeded
}

// Snapshot is a point-in-time view of a Manager.
type Snapshot struct {
	SessionID    string                 `json:"session_id"`
	SandboxID    string                 `json:"sandbox_id"`
	State        State                  `json:"state"`
	ServerURL    string                 `json:"server_url,omitempty"`
	Generating   bool                   `json:"generating"`
	BuildStarted bool                   `json:"build_started"`
	Degraded     bool                   `json:"degraded"`
	Fingerprint  string                 `json:"fingerprint,omitempty"`
	Profile      profile.RuntimeProfile `json:"profile"`
	Metadata     VerificationMetadata   `json:"metadata"`
	LastError    string                 `json:"last_error,omitempty"`
}

// Manager drives one sandbox through its lifecycle for a project session.
type Manager struct {
	sandbox        Sandbox
	sessionID      string
	tel            *telemetry.Telemetry
	logger         *telemetry.Logger
	detector       *detector.Detector
	tracker        *fingerprint.Tracker
	onSignal       SignalHandler
	onOutput       OutputHandler
	installTimeout time.Duration
	now            func() time.Time

	// baseCtx outlives individual calls; started processes and signal
	// handlers run under it until Close.
	baseCtx context.Context
	cancel  context.CancelFunc

	// runMu serializes pipeline runs.
	runMu sync.Mutex

	mu           sync.Mutex
	state        State
	generating   bool
	buildStarted bool
	epoch        uint64
	serverURL    string
	ready        chan struct{}
	degraded     bool
	fingerprint  fingerprint.Fingerprint
	profile      profile.RuntimeProfile
	files        project.Files
	metadata     VerificationMetadata
	lastErr      string
	signals      []detector.PainSignal
	proc         Process
	pumps        *errgroup.Group

	// pending holds state changes published by unlock, outside m.mu.
	pending []stateChange
}

type stateChange struct {
	from State
	to   State
}

// NewManager creates a Manager for sb in the Idle state.
func NewManager(sb Sandbox, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sandbox:        sb,
		sessionID:      uuid.NewString(),
		tel:            telemetry.NewNop(),
		detector:       detector.New(),
		tracker:        fingerprint.NewTracker(),
		installTimeout: DefaultInstallTimeout,
		now:            time.Now,
		baseCtx:        ctx,
		cancel:         cancel,
		state:          StateIdle,
		profile:        profile.Default(),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.tel.Logger.NewComponentLogger("sandbox").WithSessionID(m.sessionID)
	return m
}

// SessionID returns the session identifier.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Sandbox returns the managed sandbox.
func (m *Manager) Sandbox() Sandbox {
	return m.sandbox
}

// Detector returns the detector output is analyzed with.
func (m *Manager) Detector() *detector.Detector {
	return m.detector
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsGenerating reports whether a generation is in flight.
func (m *Manager) IsGenerating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generating
}

// SetGenerating records the generation-in-flight flag. A rising edge
// starts a new epoch: the build-started flag and server URL are cleared
// and output from the running process becomes stale. Running processes
// are left alone.
func (m *Manager) SetGenerating(generating bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.generating
	m.generating = generating

	switch {
	case generating && !prev:
		m.epoch++
		m.buildStarted = false
		m.serverURL = ""
		m.ready = make(chan struct{})
		m.logger.WithField("epoch", m.epoch).Debug("generation started")
	case !generating && prev:
		m.logger.Debug("generation finished")
	}
}

// Snapshot returns the current state of the manager.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		SessionID:    m.sessionID,
		SandboxID:    m.sandbox.ID(),
		State:        m.state,
		ServerURL:    m.serverURL,
		Generating:   m.generating,
		BuildStarted: m.buildStarted,
		Degraded:     m.degraded,
		Fingerprint:  m.fingerprint.String(),
		Profile:      m.profile,
		Metadata:     m.metadata,
		LastError:    m.lastErr,
	}
}

// Metadata returns the verification metadata recorded so far.
func (m *Manager) Metadata() VerificationMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata
}

// RecentSignals returns the most recent detected signals, oldest first.
func (m *Manager) RecentSignals() []detector.PainSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]detector.PainSignal, len(m.signals))
	copy(out, m.signals)
	return out
}

// Boot prepares the sandbox. A failure leaves the manager in BootFailed
// and is returned as a *SandboxError; it is not retried.
func (m *Manager) Boot(ctx context.Context) (err error) {
	ctx, finish := m.stage(ctx, StageBoot)
	defer func() { finish(err) }()

	if err := m.transition(StateBooting); err != nil {
		return err
	}

	if err := m.sandbox.Boot(ctx); err != nil {
		serr := newSandboxError(StageBoot, m.sessionID, "sandbox boot failed", err)

		m.mu.Lock()
		m.lastErr = serr.Error()
		_ = m.transitionLocked(StateBootFailed)
		m.unlock()

		m.logger.WithError(err).Error("sandbox boot failed")
		_ = m.tel.Events.PublishSandboxBootFailed(m.sessionID, err.Error())
		return serr
	}

	now := m.now()
	runtimeVersion := m.sandbox.RuntimeVersion()

	m.mu.Lock()
	m.metadata.EnvironmentVerifiedAt = &now
	m.metadata.RuntimeVersion = runtimeVersion
	m.metadata.ContainerHash = containerHash(m.sandbox.ID(), runtimeVersion)
	m.lastErr = ""
	err = m.transitionLocked(StateReady)
	m.unlock()
	if err != nil {
		return err
	}

	m.tel.Metrics.SandboxBooted()
	_ = m.tel.Events.PublishSandboxBooted(m.sessionID, runtimeVersion)
	m.logger.WithFields(map[string]interface{}{
		"sandbox_id":      m.sandbox.ID(),
		"runtime_version": runtimeVersion,
	}).Info("sandbox booted")
	return nil
}

// Run executes Sync, Install and Start for files. It returns
// ErrGenerationInFlight while a generation is in progress and ErrUpToDate
// when files match the running build.
func (m *Manager) Run(ctx context.Context, files project.Files) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	fp := fingerprint.Compute(files)

	m.mu.Lock()
	if m.generating {
		m.mu.Unlock()
		return ErrGenerationInFlight
	}
	if m.buildStarted && m.state == StateRunning && !m.tracker.Changed(fp) {
		m.mu.Unlock()
		return ErrUpToDate
	}
	m.buildStarted = true
	m.fingerprint = fp
	m.mu.Unlock()

	ctx, span := m.tel.Tracer.StartSpan(ctx, "sandbox.run",
		telemetry.AttrSessionID.String(m.sessionID),
		telemetry.AttrFingerprint.String(fp.Short()),
	)
	defer span.End()

	prof := profile.Resolve(files)
	span.SetAttributes(telemetry.AttrFramework.String(string(prof.Framework)))

	m.logger.WithFields(map[string]interface{}{
		"fingerprint": fp.Short(),
		"framework":   prof.Framework,
		"files":       len(files),
	}).Info("running pipeline")

	if err := m.Sync(ctx, files); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if _, err := m.Install(ctx, prof); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := m.Start(ctx, prof); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	m.tracker.MarkBuilt(fp)
	telemetry.RecordSuccess(span)
	return nil
}

// Sync writes files into the sandbox, followed by scaffold files for the
// resolved framework that files do not provide.
func (m *Manager) Sync(ctx context.Context, files project.Files) (err error) {
	ctx, finish := m.stage(ctx, StageSync)
	defer func() { finish(err) }()

	if err := m.transition(StateSyncing); err != nil {
		return err
	}

	for _, f := range files {
		if err := m.sandbox.WriteFile(ctx, f.Path, []byte(f.Content)); err != nil {
			return m.fail(StageSync, "failed to write "+f.Path, err)
		}
	}

	prof := profile.Resolve(files)
	scaffolds := ScaffoldFiles(prof.Framework, files)
	for _, f := range scaffolds {
		if err := m.sandbox.WriteFile(ctx, f.Path, []byte(f.Content)); err != nil {
			return m.fail(StageSync, "failed to write scaffold "+f.Path, err)
		}
	}

	synced := make(project.Files, 0, len(files)+len(scaffolds))
	synced = append(synced, files...)
	synced = append(synced, scaffolds...)

	m.mu.Lock()
	m.files = synced
	m.profile = prof
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"files":      len(files),
		"scaffolded": scaffolds.Paths(),
	}).Debug("files synced")
	return nil
}

// Install installs dependencies, escalating through the install commands
// on dependency-resolution failures. A timed-out command is killed and the
// pipeline proceeds degraded. Lock metadata is recorded for every outcome.
// An error is returned only when ctx ends or the state forbids installing.
func (m *Manager) Install(ctx context.Context, prof profile.RuntimeProfile) (_ *InstallReport, err error) {
	ctx, finish := m.stage(ctx, StageInstall)
	defer func() { finish(err) }()

	if err := m.transition(StateInstalling); err != nil {
		return nil, err
	}

	timer := telemetry.NewTimer()
	report := &InstallReport{}
	command := install.CommandPlain

	for {
		report.Commands = append(report.Commands, command)
		logger := m.logger.WithField("command", command)
		logger.Info("installing dependencies")

		ictx, cancel := context.WithTimeout(ctx, m.installTimeout)
		res, execErr := m.sandbox.Exec(ictx, command)
		timedOut := errors.Is(ictx.Err(), context.DeadlineExceeded)
		cancel()

		report.Output = tail(res.Output, maxOutputTail)

		if ctx.Err() != nil {
			m.tel.Metrics.RecordInstallAttempt(command, "canceled")
			return report, m.fail(StageInstall, "install canceled", ctx.Err())
		}

		if timedOut {
			m.tel.Metrics.RecordInstallAttempt(command, "timeout")
			report.Outcome = InstallTimedOut
			reason := fmt.Sprintf("%s timed out after %s", command, m.installTimeout)
			logger.Warn("install timed out, continuing degraded")
			_ = m.tel.Events.PublishInstallDegraded(m.sessionID, reason)
			break
		}

		if execErr != nil {
			m.tel.Metrics.RecordInstallAttempt(command, "failed")
			report.Outcome = InstallFailed
			logger.WithError(execErr).Warn("install could not run, continuing degraded")
			_ = m.tel.Events.PublishInstallDegraded(m.sessionID, execErr.Error())
			break
		}

		if res.Success() {
			m.tel.Metrics.RecordInstallAttempt(command, "success")
			report.Outcome = InstallSucceeded
			break
		}

		m.tel.Metrics.RecordInstallAttempt(command, "failed")

		next, ok := install.NextCommand(command, res.Output)
		if !ok {
			if install.IsDependencyResolutionFailure(res.Output) {
				report.Outcome = InstallExhausted
			} else {
				report.Outcome = InstallFailed
			}
			logger.WithField("exit_code", res.ExitCode).Warn("install failed, continuing degraded")
			_ = m.tel.Events.PublishInstallDegraded(m.sessionID,
				fmt.Sprintf("%s exited with code %d", command, res.ExitCode))
			break
		}

		logger.WithField("next", next).Info("dependency resolution failed, escalating install")
		_ = m.tel.Events.PublishInstallEscalated(m.sessionID, command, next)
		command = next
	}

	report.Duration = timer.Duration()
	m.lockDependencies(ctx, report.Degraded())
	return report, nil
}

// lockDependencies records dependency metadata after an install stage.
func (m *Manager) lockDependencies(ctx context.Context, degraded bool) {
	m.mu.Lock()
	files := m.files
	m.mu.Unlock()

	lock, err := m.sandbox.ReadFile(ctx, LockfilePath)
	if err != nil {
		// No lockfile; hash the manifest instead
		manifest, _ := files.Find(project.ManifestPath)
		lock = []byte(manifest.Content)
	}
	sum := sha256.Sum256(lock)
	now := m.now()

	m.mu.Lock()
	m.metadata.DependenciesLockedAt = &now
	m.metadata.DependencyCount = profile.DependencyCount(files)
	m.metadata.LockfileHash = hex.EncodeToString(sum[:])
	m.degraded = degraded
	m.mu.Unlock()
}

// Start spawns the profile's start command, replacing any process started
// earlier. Output is pumped in the background; Start does not wait for
// the server to become ready (see WaitReady).
func (m *Manager) Start(ctx context.Context, prof profile.RuntimeProfile) (err error) {
	_, finish := m.stage(ctx, StageStart)
	defer func() { finish(err) }()

	if err := m.transition(StateStarting); err != nil {
		return err
	}

	m.stopProcess()

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.serverURL = ""
	m.ready = make(chan struct{})
	m.profile = prof
	m.mu.Unlock()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	env := map[string]string{
		"PORT":    strconv.Itoa(prof.Port),
		"HOST":    "0.0.0.0",
		"BROWSER": "none",
	}

	m.logger.WithField("command", prof.StartCommand).Info("starting project")

	proc, err := m.sandbox.Start(m.baseCtx, prof.StartCommand, env, outW, errW)
	if err != nil {
		outW.Close()
		errW.Close()
		return m.fail(StageStart, "failed to start "+prof.StartCommand, err)
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		return m.pump(epoch, StreamStdout, outR, prof.Port)
	})
	g.Go(func() error {
		return m.pump(epoch, StreamStderr, errR, prof.Port)
	})
	g.Go(func() error {
		code, werr := proc.Wait()
		outW.Close()
		errW.Close()
		m.processExited(epoch, code, werr)
		return nil
	})

	m.mu.Lock()
	m.proc = proc
	m.pumps = g
	err = m.transitionLocked(StateRunning)
	m.unlock()
	return err
}

// WaitReady blocks until the running process reports a server address.
func (m *Manager) WaitReady(ctx context.Context) (string, error) {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()

	select {
	case <-ready:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.serverURL, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the running process and tears the sandbox down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	booted := m.state != StateIdle && m.state != StateBooting && m.state != StateBootFailed
	_ = m.transitionLocked(StateClosed)
	m.unlock()

	m.cancel()
	m.stopProcess()

	if booted {
		m.tel.Metrics.SandboxClosed()
	}

	if err := m.sandbox.Close(); err != nil {
		return fmt.Errorf("failed to close sandbox: %w", err)
	}
	m.logger.Debug("sandbox closed")
	return nil
}

// stopProcess kills the current process and waits for its pumps.
func (m *Manager) stopProcess() {
	m.mu.Lock()
	proc, pumps := m.proc, m.pumps
	m.proc, m.pumps = nil, nil
	m.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	if pumps != nil {
		_ = pumps.Wait()
	}
}

// processExited handles the exit of a started process. Only the current
// epoch's process moves a running sandbox to Error.
func (m *Manager) processExited(epoch uint64, code int, err error) {
	m.mu.Lock()
	defer m.unlock()

	if epoch != m.epoch || m.state != StateRunning {
		return
	}

	logger := m.logger.WithField("exit_code", code)
	if code == 0 && err == nil {
		logger.Info("project process exited")
		return
	}

	if err != nil {
		m.lastErr = fmt.Sprintf("process exited: %v", err)
	} else {
		m.lastErr = fmt.Sprintf("process exited with code %d", code)
	}
	logger.Warn("project process exited unexpectedly")
	_ = m.transitionLocked(StateError)
}

// fail moves the manager to Error and wraps err as a *SandboxError.
func (m *Manager) fail(stage, message string, err error) *SandboxError {
	serr := newSandboxError(stage, m.sessionID, message, err)

	m.mu.Lock()
	m.lastErr = serr.Error()
	_ = m.transitionLocked(StateError)
	m.unlock()

	m.logger.WithError(err).Error(message)
	return serr
}

func (m *Manager) transition(to State) error {
	m.mu.Lock()
	defer m.unlock()
	return m.transitionLocked(to)
}

// transitionLocked must be called with m.mu held, released with unlock.
func (m *Manager) transitionLocked(to State) error {
	from := m.state
	if !from.CanTransition(to) {
		return &TransitionError{From: from, To: to}
	}
	m.state = to
	m.pending = append(m.pending, stateChange{from: from, to: to})
	return nil
}

// unlock releases m.mu and then reports queued state changes, so event
// subscribers may call back into the Manager.
func (m *Manager) unlock() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		m.tel.Metrics.RecordTransition(string(c.from), string(c.to))
		_ = m.tel.Events.PublishStateChanged(m.sessionID, string(c.from), string(c.to))
		m.logger.WithFields(map[string]interface{}{
			"from": c.from,
			"to":   c.to,
		}).Debug("sandbox state changed")
	}
}

// stage opens a span for a pipeline stage. The returned function records
// the stage duration and closes the span.
func (m *Manager) stage(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := m.tel.Tracer.StartStageSpan(ctx, m.sessionID, name)
	timer := telemetry.NewTimer()

	return ctx, func(err error) {
		status := "success"
		if err != nil {
			status = "failed"
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		m.tel.Metrics.RecordStage(name, status, timer.Duration())
		span.End()
	}
}

func containerHash(id, runtimeVersion string) string {
	sum := sha256.Sum256([]byte(id + "\x00" + runtimeVersion))
	return hex.EncodeToString(sum[:])
}

// tail keeps the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
