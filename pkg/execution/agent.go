package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"unicode/utf8"
)

// ToolCall is one tool invocation made by the agent.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// Callbacks receive streamed agent output.
type Callbacks struct {
	OnTextDelta  func(string)
	OnToolCall   func(ToolCall)
	OnToolResult func(ToolResult)
	OnUsage      func(Usage)
}

// AgentRequest is one agent turn.
type AgentRequest struct {
	AgentID      string                 `json:"agentId"`
	Task         string                 `json:"task"`
	Instructions string                 `json:"instructions,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`
	Attempt      int                    `json:"attempt"`
	Strict       bool                   `json:"strict"`
}

// AgentResult is what the agent returns from a turn.
type AgentResult struct {
	Success   bool       `json:"success"`
	Output    string     `json:"output"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Agent runs a single agent turn and streams its progress.
type Agent interface {
	Execute(ctx context.Context, req AgentRequest, cb Callbacks) (*AgentResult, error)
}

// CheckpointReference marks state an orchestrator resumed from.
type CheckpointReference struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes,omitempty"`
}

// CheckpointProvider is implemented by agents that resume from checkpoints.
type CheckpointProvider interface {
	LastCheckpoint() *CheckpointReference
}

// CommandAgent runs an external agent program. The request is written to
// its stdin as JSON; stdout is read as JSONL with lines of type text,
// tool-call, tool-result, usage, error, checkpoint and result. Non-JSON
// lines are treated as text.
type CommandAgent struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	mu         sync.Mutex
	checkpoint *CheckpointReference
}

// NewCommandAgent creates an agent backed by the program at path.
func NewCommandAgent(path string, args ...string) *CommandAgent {
	return &CommandAgent{Path: path, Args: args}
}

// agentLine is one line of agent output.
type agentLine struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Error      string          `json:"error,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Output     string          `json:"output,omitempty"`
	ID         string          `json:"id,omitempty"`
	Scopes     []string        `json:"scopes,omitempty"`
}

// Execute implements Agent.
func (a *CommandAgent) Execute(ctx context.Context, req AgentRequest, cb Callbacks) (*AgentResult, error) {
	if a.Path == "" {
		return nil, fmt.Errorf("agent command is required")
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Path, a.Args...)
	cmd.Dir = a.Dir
	if len(a.Env) > 0 {
		cmd.Env = a.Env
	}
	cmd.Stdin = bytes.NewReader(input)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	result, parseErr := a.consume(stdout, cb)
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("agent interrupted: %w", ctxErr)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(tail(stderr.String(), 2000))
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, fmt.Errorf("agent exited: %s: %w", msg, waitErr)
	}

	return result, nil
}

// consume reads agent output until EOF, dispatching callbacks.
func (a *CommandAgent) consume(r io.Reader, cb Callbacks) (*AgentResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	result := &AgentResult{Success: true}
	var output strings.Builder
	var agentErr error
	sawResult := false

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var line agentLine
		if err := json.Unmarshal(raw, &line); err != nil || line.Type == "" {
			text := string(raw) + "\n"
			output.WriteString(text)
			if cb.OnTextDelta != nil {
				cb.OnTextDelta(text)
			}
			continue
		}

		switch line.Type {
		case string(EventText):
			output.WriteString(line.Text)
			if cb.OnTextDelta != nil {
				cb.OnTextDelta(line.Text)
			}
		case string(EventToolCall):
			call := ToolCall{ID: line.ToolCallID, Name: line.ToolName, Args: line.Args}
			result.ToolCalls = append(result.ToolCalls, call)
			if cb.OnToolCall != nil {
				cb.OnToolCall(call)
			}
		case string(EventToolResult):
			if cb.OnToolResult != nil {
				cb.OnToolResult(ToolResult{ID: line.ToolCallID, Name: line.ToolName, Result: line.Result, IsError: line.IsError})
			}
		case string(EventUsage):
			if line.Usage != nil && cb.OnUsage != nil {
				cb.OnUsage(*line.Usage)
			}
		case "checkpoint":
			a.mu.Lock()
			a.checkpoint = &CheckpointReference{ID: line.ID, Scopes: line.Scopes}
			a.mu.Unlock()
		case string(EventError):
			agentErr = errors.New(line.Error)
		case "result":
			sawResult = true
			if line.Success != nil {
				result.Success = *line.Success
			}
			if line.Output != "" {
				output.Reset()
				output.WriteString(line.Output)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent output: %w", err)
	}
	if agentErr != nil {
		return nil, agentErr
	}
	if !sawResult && output.Len() == 0 && len(result.ToolCalls) == 0 {
		result.Success = false
	}

	result.Output = output.String()
	return result, nil
}

// LastCheckpoint implements CheckpointProvider.
func (a *CommandAgent) LastCheckpoint() *CheckpointReference {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkpoint
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
