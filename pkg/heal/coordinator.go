// Package heal turns qualifying pain signals into requests for a new
// generation cycle.
//
// The Coordinator is deliberately lossy: it emits at most one request per
// cooldown window and never while a generation is already running, so a
// failing build cannot start a storm of regenerations.
package heal

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/policy"
	"github.com/healloop/healloop/pkg/telemetry"
	"golang.org/x/time/rate"
)

// DisableEnvVar switches the coordinator off when set to a truthy value.
// Detection and logging keep running.
const DisableEnvVar = "HEALLOOP_AUTOHEAL_DISABLED"

const (
	// DefaultCooldown roughly matches one build cycle.
	DefaultCooldown  = 30 * time.Second
	defaultQueueSize = 8
)

// Decision records how a signal was handled.
type Decision string

const (
	DecisionTriggered      Decision = "triggered"
	DecisionDisabled       Decision = "disabled"
	DecisionGenerating     Decision = "generating"
	DecisionCooldown       Decision = "cooldown"
	DecisionBelowThreshold Decision = "below_threshold"
	DecisionDenied         Decision = "denied"
)

// PendingHealRequest is the input for the next generation cycle.
type PendingHealRequest struct {
	Error       string              `json:"error"`
	Suggestion  string              `json:"suggestion"`
	Signal      detector.PainSignal `json:"signal"`
	RequestedAt time.Time           `json:"requested_at"`
}

// Gate reports whether a generation is currently in flight.
type Gate interface {
	IsGenerating() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// IsGenerating implements Gate.
func (f GateFunc) IsGenerating() bool { return f() }

// Admitter decides whether policy allows a heal.
type Admitter interface {
	EvaluateHeal(ctx context.Context, input policy.HealInput) (*policy.Decision, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithCooldown sets the minimum time between two triggered heals.
func WithCooldown(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithMinSeverity sets the lowest severity that may trigger a heal.
func WithMinSeverity(s detector.Severity) Option {
	return func(c *Coordinator) { c.minSeverity = s }
}

// WithMaxHeals caps heals per session; zero means unlimited. The cap is
// enforced by the heal-budget policy.
func WithMaxHeals(n int) Option {
	return func(c *Coordinator) { c.maxHeals = n }
}

// WithPolicy installs a policy admitter consulted before triggering.
func WithPolicy(a Admitter) Option {
	return func(c *Coordinator) { c.policy = a }
}

// WithTelemetry sets the telemetry bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) { c.tel = telemetry.OrNop(t) }
}

// WithSessionID tags requests, logs and events with a session.
func WithSessionID(id string) Option {
	return func(c *Coordinator) { c.sessionID = id }
}

// WithOnRequest registers a callback invoked for every triggered request.
func WithOnRequest(fn func(PendingHealRequest)) Option {
	return func(c *Coordinator) { c.onRequest = fn }
}

// WithQueueSize sets the capacity of the Requests channel.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithDisabled forces the coordinator on or off regardless of the
// environment.
func WithDisabled(disabled bool) Option {
	return func(c *Coordinator) { c.disabled = disabled }
}

// Coordinator converts pain signals into pending heal requests.
type Coordinator struct {
	mu sync.Mutex

	gate        Gate
	policy      Admitter
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	now         func() time.Time
	cooldown    time.Duration
	minSeverity detector.Severity
	maxHeals    int
	sessionID   string
	onRequest   func(PendingHealRequest)
	queueSize   int
	disabled    bool

	limiter       *rate.Limiter
	requests      chan PendingHealRequest
	heals         int
	lastTriggered time.Time
	dropped       int
}

// New creates a coordinator. gate may be nil when no generation flag is
// tracked.
func New(gate Gate, opts ...Option) *Coordinator {
	c := &Coordinator{
		gate:        gate,
		tel:         telemetry.NewNop(),
		now:         time.Now,
		cooldown:    DefaultCooldown,
		minSeverity: detector.SeverityWarning,
		queueSize:   defaultQueueSize,
		disabled:    DisabledByEnv(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.tel.Logger.NewComponentLogger("heal")
	if c.sessionID != "" {
		c.logger = c.logger.WithSessionID(c.sessionID)
	}
	c.limiter = rate.NewLimiter(rate.Every(c.cooldown), 1)
	c.requests = make(chan PendingHealRequest, c.queueSize)

	return c
}

// DisabledByEnv reports whether DisableEnvVar holds a truthy value.
func DisabledByEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(DisableEnvVar))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Requests returns the channel triggered requests are delivered on. Sends
// never block; requests are dropped when the channel is full.
func (c *Coordinator) Requests() <-chan PendingHealRequest {
	return c.requests
}

// SetDisabled toggles the coordinator at runtime.
func (c *Coordinator) SetDisabled(disabled bool) {
	c.mu.Lock()
	c.disabled = disabled
	c.mu.Unlock()
}

// HandleSignal evaluates one signal. It returns the emitted request when
// the decision is DecisionTriggered, nil otherwise.
func (c *Coordinator) HandleSignal(ctx context.Context, signal detector.PainSignal) (*PendingHealRequest, Decision) {
	c.mu.Lock()
	req, decision := c.decide(ctx, signal)
	onRequest := c.onRequest
	c.mu.Unlock()

	c.tel.Metrics.RecordHealDecision(string(decision))

	if decision != DecisionTriggered {
		c.logger.WithSignal(string(signal.Type), string(signal.Severity)).
			WithField("decision", string(decision)).
			Debug("heal suppressed")
		_ = c.tel.Events.PublishHealSuppressed(c.sessionID, string(decision), signal.Summary())
		return nil, decision
	}

	c.logger.WithSignal(string(signal.Type), string(signal.Severity)).
		Infof("heal requested: %s", req.Error)
	_ = c.tel.Events.PublishHealRequested(c.sessionID, req.Error, req.Suggestion)

	select {
	case c.requests <- *req:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Warn("heal request queue full, dropping request")
	}

	if onRequest != nil {
		onRequest(*req)
	}

	return req, decision
}

// decide runs the admission checks in order. Callers hold c.mu.
func (c *Coordinator) decide(ctx context.Context, signal detector.PainSignal) (*PendingHealRequest, Decision) {
	if c.disabled {
		return nil, DecisionDisabled
	}
	if c.gate != nil && c.gate.IsGenerating() {
		return nil, DecisionGenerating
	}

	now := c.now()
	if c.limiter.TokensAt(now) < 1 {
		return nil, DecisionCooldown
	}
	if signal.Severity.Rank() < c.minSeverity.Rank() {
		return nil, DecisionBelowThreshold
	}

	if c.policy != nil {
		input := policy.NewHealInput(signal, c.sessionID, c.heals, c.maxHeals)
		result, err := c.policy.EvaluateHeal(ctx, input)
		switch {
		case err != nil:
			c.logger.WithError(err).Warn("heal policy evaluation failed, allowing heal")
		case !result.Allowed:
			c.logger.WithField("reasons", result.Reasons()).Debug("heal denied by policy")
			return nil, DecisionDenied
		}
	}

	if !c.limiter.AllowN(now, 1) {
		return nil, DecisionCooldown
	}

	c.heals++
	c.lastTriggered = now

	return &PendingHealRequest{
		Error:       signal.Summary(),
		Suggestion:  signal.Suggestion,
		Signal:      signal,
		RequestedAt: now,
	}, DecisionTriggered
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Heals         int       `json:"heals"`
	Dropped       int       `json:"dropped"`
	LastTriggered time.Time `json:"last_triggered,omitempty"`
	Disabled      bool      `json:"disabled"`
}

// Stats returns counters for display.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Heals:         c.heals,
		Dropped:       c.dropped,
		LastTriggered: c.lastTriggered,
		Disabled:      c.disabled,
	}
}

// Reset clears the cooldown and heal count, used when a new session starts.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter = rate.NewLimiter(rate.Every(c.cooldown), 1)
	c.heals = 0
	c.lastTriggered = time.Time{}
}
