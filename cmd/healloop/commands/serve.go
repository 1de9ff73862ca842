package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/profile"
	"github.com/healloop/healloop/pkg/project"
	"github.com/healloop/healloop/pkg/server"
)

func newServeCommand() *cobra.Command {
	var (
		flags runFlags
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "serve [dir]",
		Short: "Serve the HealLoop HTTP API",
		Long: `Start the HTTP API. With <dir>, the project is also run in a sandbox
and the session routes expose its state and signals. Agent executions
are available when execution.agent_command is configured.

Routes: /healthz, /metrics, /v1/session, /v1/signals, /v1/executions,
/v1/sessions, /v1/events.`,
		Example: `  # History and metrics only
  healloop serve

  # Run a project and expose it
  healloop serve ./app --addr 127.0.0.1:9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			// Metrics are served on the API router instead of a separate
			// listener.
			cfg.Telemetry.Metrics.Enabled = true

			opts := server.Options{Quiet: !debug}

			if len(args) == 1 {
				dir := args[0]
				files, err := project.LoadDir(dir)
				if err != nil {
					return err
				}
				s, err := openSession(ctx, cfg, sessionOptions{
					projectRoot: dir,
					framework:   string(profile.Resolve(files).Framework),
					remote:      flags.remote,
					output:      flags.output(),
				})
				if err != nil {
					return err
				}
				defer s.Close()

				opts.Manager = s.manager
				opts.Store = s.store
				opts.Telemetry = s.tel

				go func() {
					if err := s.boot(ctx); err != nil {
						log.Error().Err(err).Msg("Sandbox boot failed")
						return
					}
					if err := s.run(ctx, files, flags.readyTimeout); err != nil {
						log.Error().Err(err).Msg("Pipeline failed")
					}
				}()
				go s.printHeals(ctx, cmd.OutOrStdout())
			} else {
				tel, store, err := openTelemetryStore(ctx, cfg, true)
				if err != nil {
					return err
				}
				defer closeTelemetryStore(tel, store)
				opts.Store = store
				opts.Telemetry = tel
			}

			if len(cfg.Execution.AgentCommand) > 0 {
				var recorder execution.AttemptRecorder = opts.Store
				opts.Engine = newEngine(cfg, opts.Telemetry, recorder, cfg.Execution.AgentCommand)
			}

			log.Info().Str("address", cfg.Server.Address).Msg("Starting HTTP server")
			return server.New(opts).Run(ctx, cfg.Server.Address, cfg.Server.ShutdownTimeout)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")

	return cmd
}
