package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/healloop/healloop/pkg/config"
	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/stores"
	"github.com/healloop/healloop/pkg/telemetry"
)

func newExecCommand() *cobra.Command {
	var (
		task         string
		agentID      string
		instructions string
		executionID  string
		allowNoTools bool
		noStore      bool
	)

	cmd := &cobra.Command{
		Use:   "exec [-- agent-command args...]",
		Short: "Run an agent task with classified retries",
		Long: `Run one agent task through the execution engine. Progress is written to
stdout as NDJSON: text, tool-call, tool-result, usage, retry and a final
proof or a single error event.

The agent is an external program speaking the JSONL agent protocol. It is
taken from the arguments after --, or from execution.agent_command in the
configuration. Transient failures (rate limits, timeouts, plans without
file changes) are retried up to execution.max_retries times.`,
		Example: `  # Use the configured agent
  healloop exec --task "add a contact page"

  # Explicit agent command
  healloop exec --task "fix the build" -- ./agent --model fast`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if task == "" {
				return fmt.Errorf("--task is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			command := args
			if len(command) == 0 {
				command = cfg.Execution.AgentCommand
			}
			if len(command) == 0 {
				return fmt.Errorf("no agent command: pass it after -- or set execution.agent_command")
			}

			tel, store, err := openTelemetryStore(ctx, cfg, !noStore)
			if err != nil {
				return err
			}
			defer closeTelemetryStore(tel, store)

			var recorder execution.AttemptRecorder
			if store != nil {
				recorder = store
			}
			engine := newEngine(cfg, tel, recorder, command)
			stream := execution.NewStream(cmd.OutOrStdout())

			result, err := engine.Execute(ctx, execution.Request{
				ExecutionID:      executionID,
				AgentID:          agentID,
				Task:             task,
				Instructions:     instructions,
				AllowNoToolCalls: allowNoTools,
			}, stream)
			if err != nil {
				return err
			}

			log.Info().
				Str("execution_id", result.ExecutionID).
				Int("attempts", len(result.Attempts)).
				Dur("duration", result.Duration).
				Msg("Execution completed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&task, "task", "t", "", "task for the agent")
	cmd.Flags().StringVar(&agentID, "agent-id", "coder", "agent identifier passed to the agent")
	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "additional instructions")
	cmd.Flags().StringVar(&executionID, "execution-id", "", "execution identifier (generated when empty)")
	cmd.Flags().BoolVar(&allowNoTools, "allow-no-tool-calls", false, "accept answers without file changes")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record attempts in the session database")

	return cmd
}

// newEngine builds an execution engine for the agent command. recorder may
// be nil.
func newEngine(cfg *config.Config, tel *telemetry.Telemetry, recorder execution.AttemptRecorder, command []string) *execution.Engine {
	agent := execution.NewCommandAgent(command[0], command[1:]...)
	agent.Env = os.Environ()

	opts := []execution.Option{
		execution.WithMaxRetries(cfg.Execution.MaxRetries),
		execution.WithTelemetry(tel),
	}
	if recorder != nil {
		opts = append(opts, execution.WithAttemptRecorder(recorder))
	}
	return execution.NewEngine(agent, opts...)
}

// openTelemetryStore initializes telemetry and, when withStore is set, the
// session database subscribed to its events.
func openTelemetryStore(ctx context.Context, cfg *config.Config, withStore bool) (*telemetry.Telemetry, *stores.SQLiteStore, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if !withStore {
		return tel, nil, nil
	}

	store, err := stores.Open(ctx, cfg.Store.Path)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, err
	}
	store.Subscribe(tel.Events, nil)
	return tel, store, nil
}

func closeTelemetryStore(tel *telemetry.Telemetry, store *stores.SQLiteStore) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if store != nil {
		_ = store.Close()
	}
}
