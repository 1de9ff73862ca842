package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an audit record emitted by the heal loop.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// SessionID is the sandbox session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// ExecutionID is the agent execution, if applicable.
	ExecutionID string `json:"execution_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSandboxBooted       = "sandbox.booted"
	EventTypeSandboxBootFailed   = "sandbox.boot_failed"
	EventTypeSandboxStateChanged = "sandbox.state_changed"
	EventTypeInstallEscalated    = "install.escalated"
	EventTypeInstallDegraded     = "install.degraded"
	EventTypePainDetected        = "pain.detected"
	EventTypeHealRequested       = "heal.requested"
	EventTypeHealSuppressed      = "heal.suppressed"
	EventTypeExecutionRetry      = "execution.retry"
	EventTypeExecutionFailed     = "execution.failed"
	EventTypeExecutionCompleted  = "execution.completed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil or disabled
// publisher accepts and discards events.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSandboxBooted publishes a sandbox boot success.
func (ep *EventPublisher) PublishSandboxBooted(sessionID, runtimeVersion string) error {
	return ep.Publish(Event{
		Type:      EventTypeSandboxBooted,
		Source:    "sandbox",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Sandbox %s booted (%s)", sessionID, runtimeVersion),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"runtime_version": runtimeVersion,
		},
	})
}

// PublishSandboxBootFailed publishes a sandbox boot failure.
func (ep *EventPublisher) PublishSandboxBootFailed(sessionID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeSandboxBootFailed,
		Source:    "sandbox",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Sandbox %s failed to boot: %s", sessionID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStateChanged publishes a sandbox lifecycle transition.
func (ep *EventPublisher) PublishStateChanged(sessionID, from, to string) error {
	return ep.Publish(Event{
		Type:      EventTypeSandboxStateChanged,
		Source:    "sandbox",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Sandbox %s: %s -> %s", sessionID, from, to),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishInstallEscalated publishes an install escalation step.
func (ep *EventPublisher) PublishInstallEscalated(sessionID, from, to string) error {
	return ep.Publish(Event{
		Type:      EventTypeInstallEscalated,
		Source:    "sandbox",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Install escalated from %q to %q", from, to),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishInstallDegraded publishes an install that ended without success.
func (ep *EventPublisher) PublishInstallDegraded(sessionID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeInstallDegraded,
		Source:    "sandbox",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Install degraded: %s", reason),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPainDetected publishes a detected failure signal.
func (ep *EventPublisher) PublishPainDetected(sessionID string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:      EventTypePainDetected,
		Source:    "detector",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Pain detected: %v", data["message"]),
		Level:     EventLevelWarning,
		Data:      data,
	})
}

// PublishHealRequested publishes a triggered heal.
func (ep *EventPublisher) PublishHealRequested(sessionID, summary, suggestion string) error {
	return ep.Publish(Event{
		Type:      EventTypeHealRequested,
		Source:    "heal",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Heal requested: %s", summary),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"error":      summary,
			"suggestion": suggestion,
		},
	})
}

// PublishHealSuppressed publishes a signal the coordinator declined.
func (ep *EventPublisher) PublishHealSuppressed(sessionID, decision, summary string) error {
	return ep.Publish(Event{
		Type:      EventTypeHealSuppressed,
		Source:    "heal",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Heal suppressed (%s): %s", decision, summary),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"decision": decision,
		},
	})
}

// PublishExecutionRetry publishes a scheduled execution retry.
func (ep *EventPublisher) PublishExecutionRetry(executionID string, attempt int, kind string, delay time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionRetry,
		Source:      "execution",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Retrying execution %s (attempt %d, %s) in %s", executionID, attempt, kind, delay),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"attempt":  attempt,
			"kind":     kind,
			"delay_ms": delay.Milliseconds(),
		},
	})
}

// PublishExecutionFailed publishes a terminal execution failure.
func (ep *EventPublisher) PublishExecutionFailed(executionID, kind, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionFailed,
		Source:      "execution",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s failed (%s): %s", executionID, kind, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// PublishExecutionCompleted publishes a successful execution.
func (ep *EventPublisher) PublishExecutionCompleted(executionID string, attempts int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionCompleted,
		Source:      "execution",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s completed after %d attempt(s)", executionID, attempts),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"attempts": attempts,
			"duration": duration.Seconds(),
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Drain whatever else is already queued, up to the batch size
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers, in
// subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
