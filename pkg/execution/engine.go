// Package execution runs agent turns with classified, bounded retries and
// streams their progress as NDJSON.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/healloop/healloop/pkg/telemetry"
)

// DefaultMaxRetries bounds retries after the first attempt.
const DefaultMaxRetries = 2

// StrictExecutionDirective is appended to the instructions of every retry.
const StrictExecutionDirective = `STRICT EXECUTION MODE: The previous attempt did not complete.
Do not plan, summarize or ask questions. Use the file tools now to write
every required change, then stop.`

// Request is one execution.
type Request struct {
	ExecutionID  string                 `json:"executionId,omitempty"`
	AgentID      string                 `json:"agentId"`
	Task         string                 `json:"task"`
	Instructions string                 `json:"instructions,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`
	Checkpoint   *CheckpointReference   `json:"checkpoint,omitempty"`

	// AllowNoToolCalls disables the mutating tool call check for tasks
	// that look like they need file output.
	AllowNoToolCalls bool `json:"allowNoToolCalls,omitempty"`
}

// Result summarizes an execution.
type Result struct {
	ExecutionID string        `json:"executionId"`
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	ToolCalls   []ToolCall    `json:"toolCalls,omitempty"`
	Usage       Usage         `json:"usage"`
	Attempts    []Attempt     `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// AttemptRecorder persists attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, executionID string, attempt Attempt) error
}

// DelayFunc waits for d or until ctx is done.
type DelayFunc func(ctx context.Context, d time.Duration) error

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets the retry bound.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithDelay replaces the wait between attempts.
func WithDelay(fn DelayFunc) Option {
	return func(e *Engine) { e.delay = fn }
}

// WithClassifier replaces the error classifier.
func WithClassifier(c *Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithTelemetry sets the telemetry bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = telemetry.OrNop(t) }
}

// WithAttemptRecorder persists every attempt.
func WithAttemptRecorder(r AttemptRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine wraps an Agent with retries.
type Engine struct {
	agent      Agent
	maxRetries int
	delay      DelayFunc
	classifier *Classifier
	tel        *telemetry.Telemetry
	recorder   AttemptRecorder
}

// NewEngine creates an engine for agent.
func NewEngine(agent Agent, opts ...Option) *Engine {
	e := &Engine{
		agent:      agent,
		maxRetries: DefaultMaxRetries,
		delay:      sleepContext,
		classifier: NewClassifier(nil),
		tel:        telemetry.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries returns the configured retry bound.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Execute runs req, retrying classified transient failures. Progress is
// written to stream, which is always closed on return: normally on
// success, after exactly one error event on failure. A nil stream discards
// progress.
func (e *Engine) Execute(ctx context.Context, req Request, stream *Stream) (*Result, error) {
	if stream == nil {
		stream = NewStream(nil)
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}

	logger := e.tel.Logger.NewComponentLogger("execution").WithExecutionID(req.ExecutionID)
	start := time.Now()
	result := &Result{ExecutionID: req.ExecutionID}

	if cp := e.checkpoint(req); cp != nil {
		stream.Send(TextEvent(formatCheckpoint(cp)))
	}

	expectFiles := !req.AllowNoToolCalls && NeedsFileOutput(req.Task)

	for number := 1; ; number++ {
		attempt, agentResult, err := e.runAttempt(ctx, req, number, expectFiles, stream, result)
		result.Attempts = append(result.Attempts, attempt)
		e.record(ctx, req.ExecutionID, attempt)

		if attempt.Succeeded() {
			result.Success = true
			result.Output = agentResult.Output
			result.ToolCalls = agentResult.ToolCalls
			result.Duration = time.Since(start)

			stream.Send(ProofEvent(buildProof(req.ExecutionID, number, agentResult.ToolCalls)))
			_ = stream.Close()

			e.tel.Metrics.RecordExecutionEnd("succeeded", "")
			_ = e.tel.Events.PublishExecutionCompleted(req.ExecutionID, number, result.Duration)
			logger.WithField("attempts", number).Info("execution completed")
			return result, nil
		}

		if ctx.Err() != nil {
			attempt.Retryable = false
			attempt.RetryAfter = 0
		}

		if attempt.Retryable && number <= e.maxRetries {
			stream.Send(RetryEvent(attempt))
			e.tel.Metrics.RecordRetry(string(attempt.Kind))
			_ = e.tel.Events.PublishExecutionRetry(req.ExecutionID, number, string(attempt.Kind), attempt.RetryAfter)
			logger.WithField("attempt", number).
				WithField("kind", string(attempt.Kind)).
				WithField("delay", attempt.RetryAfter.String()).
				Warn("execution attempt failed, retrying")

			if delayErr := e.delay(ctx, attempt.RetryAfter); delayErr != nil {
				attempt.Retryable = false
				attempt.Error = fmt.Sprintf("%s (retry aborted: %v)", attempt.Error, delayErr)
				return e.fail(req, stream, result, attempt, delayErr, start)
			}
			continue
		}

		return e.fail(req, stream, result, attempt, err, start)
	}
}

// runAttempt runs one agent turn and classifies its outcome.
func (e *Engine) runAttempt(ctx context.Context, req Request, number int, expectFiles bool, stream *Stream, result *Result) (Attempt, *AgentResult, error) {
	attemptCtx, span := e.tel.Tracer.StartAttemptSpan(ctx, req.ExecutionID, number)
	defer span.End()

	started := time.Now()
	agentReq := AgentRequest{
		AgentID:      req.AgentID,
		Task:         req.Task,
		Instructions: req.Instructions,
		Options:      req.Options,
		Attempt:      number,
	}
	if number > 1 {
		agentReq.Strict = true
		agentReq.Instructions = withStrictDirective(req.Instructions)
	}

	cb := Callbacks{
		OnTextDelta:  func(s string) { stream.Send(TextEvent(s)) },
		OnToolCall:   func(c ToolCall) { stream.Send(ToolCallEvent(c)) },
		OnToolResult: func(r ToolResult) { stream.Send(ToolResultEvent(r)) },
		OnUsage: func(u Usage) {
			result.Usage.Add(u)
			stream.Send(UsageEvent(u))
		},
	}

	agentResult, err := e.agent.Execute(attemptCtx, agentReq, cb)
	if err == nil {
		switch {
		case agentResult == nil:
			err = ErrAgentFailed
		case !agentResult.Success:
			err = fmt.Errorf("%w: %s", ErrAgentFailed, strings.TrimSpace(agentResult.Output))
		case expectFiles && countMutating(agentResult.ToolCalls) == 0:
			err = ErrNoMutatingToolCalls
		}
	}

	attempt := e.classifier.Classify(number, err)
	attempt.Duration = time.Since(started)

	if err != nil {
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.AttrErrorKind.String(string(attempt.Kind)))
		e.tel.Metrics.RecordAttempt(string(attempt.Kind), attempt.Duration)
	} else {
		telemetry.RecordSuccess(span)
		e.tel.Metrics.RecordAttempt("success", attempt.Duration)
	}

	return attempt, agentResult, err
}

// fail emits the terminal error event and builds the returned error.
func (e *Engine) fail(req Request, stream *Stream, result *Result, attempt Attempt, cause error, start time.Time) (*Result, error) {
	result.Duration = time.Since(start)
	_ = stream.Fail(attempt)

	e.tel.Metrics.RecordExecutionEnd("failed", string(attempt.Kind))
	_ = e.tel.Events.PublishExecutionFailed(req.ExecutionID, string(attempt.Kind), attempt.Error)
	e.tel.Logger.NewComponentLogger("execution").
		WithExecutionID(req.ExecutionID).
		WithField("kind", string(attempt.Kind)).
		WithField("attempts", attempt.Number).
		Error("execution failed")

	return result, newExecutionError(req.ExecutionID, attempt, cause)
}

func (e *Engine) record(ctx context.Context, executionID string, a Attempt) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordAttempt(context.WithoutCancel(ctx), executionID, a); err != nil {
		e.tel.Logger.WithError(err).Warn("failed to record execution attempt")
	}
}

func (e *Engine) checkpoint(req Request) *CheckpointReference {
	if req.Checkpoint != nil {
		return req.Checkpoint
	}
	if p, ok := e.agent.(CheckpointProvider); ok {
		return p.LastCheckpoint()
	}
	return nil
}

func formatCheckpoint(cp *CheckpointReference) string {
	if len(cp.Scopes) == 0 {
		return fmt.Sprintf("Resuming from checkpoint %s\n", cp.ID)
	}
	return fmt.Sprintf("Resuming from checkpoint %s (scopes: %s)\n", cp.ID, strings.Join(cp.Scopes, ", "))
}

func withStrictDirective(instructions string) string {
	if strings.TrimSpace(instructions) == "" {
		return StrictExecutionDirective
	}
	return strings.TrimRight(instructions, "\n") + "\n\n" + StrictExecutionDirective
}

func buildProof(executionID string, attempts int, calls []ToolCall) Proof {
	seen := make(map[string]bool)
	var tools []string
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			tools = append(tools, c.Name)
		}
	}
	return Proof{
		ExecutionID:   executionID,
		Attempts:      attempts,
		ToolCalls:     len(calls),
		MutatingCalls: countMutating(calls),
		Tools:         tools,
		CompletedAt:   time.Now().UTC(),
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
