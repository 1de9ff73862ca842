package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/profile"
	"github.com/healloop/healloop/pkg/project"
	"github.com/healloop/healloop/pkg/sandbox"
)

// runFlags are shared by run, watch and serve.
type runFlags struct {
	remote       bool
	quiet        bool
	readyTimeout time.Duration
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.remote, "remote", false, "run the sandbox on the configured SSH host")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not print process output")
	cmd.Flags().DurationVar(&f.readyTimeout, "ready-timeout", 2*time.Minute, "how long to wait for the dev server to report ready")
}

func (f *runFlags) output() io.Writer {
	if f.quiet {
		return nil
	}
	return os.Stderr
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <dir>",
		Short: "Run a project in a sandbox and report heal requests",
		Long: `Boot a sandbox, sync the project files of <dir> into it, install
dependencies and start the dev server. Output is monitored until
interrupted; every heal request the coordinator admits is printed.`,
		Example: `  # Run a project locally
  healloop run ./app

  # Run on the configured SSH host
  healloop run ./app --remote

  # Machine-readable heal requests
  healloop run ./app --json -q`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			files, err := project.LoadDir(dir)
			if err != nil {
				return err
			}
			prof := profile.Resolve(files)

			s, err := openSession(ctx, cfg, sessionOptions{
				projectRoot: dir,
				framework:   string(prof.Framework),
				remote:      flags.remote,
				output:      flags.output(),
			})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.boot(ctx); err != nil {
				return err
			}
			if err := s.run(ctx, files, flags.readyTimeout); err != nil {
				return err
			}

			s.printHeals(ctx, cmd.OutOrStdout())
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func (s *session) boot(ctx context.Context) error {
	log.Info().Str("session_id", s.manager.SessionID()).Msg("Booting sandbox")
	if err := s.manager.Boot(ctx); err != nil {
		return fmt.Errorf("sandbox boot failed: %w", err)
	}
	return nil
}

// run executes the pipeline and waits for readiness. A project that never
// reports ready is not an error; its output is still monitored.
func (s *session) run(ctx context.Context, files project.Files, readyTimeout time.Duration) error {
	started, err := s.runPipeline(ctx, files)
	if err != nil || !started {
		return err
	}
	s.awaitReady(ctx, readyTimeout)
	return nil
}

// runPipeline runs sync, install and start. It reports false when the
// manager skipped the run.
func (s *session) runPipeline(ctx context.Context, files project.Files) (bool, error) {
	err := s.manager.Run(ctx, files)
	switch {
	case errors.Is(err, sandbox.ErrUpToDate):
		log.Debug().Msg("Sandbox is up to date")
		return false, nil
	case errors.Is(err, sandbox.ErrGenerationInFlight):
		log.Debug().Msg("Generation in flight, run skipped")
		return false, nil
	case err != nil:
		return false, err
	}

	if s.manager.Snapshot().Degraded {
		log.Warn().Msg("Dependencies installed in degraded mode")
	}
	return true, nil
}

// awaitReady blocks until the dev server reports ready, readyTimeout
// passes or ctx ends.
func (s *session) awaitReady(ctx context.Context, readyTimeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	url, err := s.manager.WaitReady(waitCtx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Dur("timeout", readyTimeout).Msg("Dev server did not report ready")
		}
		return
	}
	log.Info().
		Str("url", url).
		Str("framework", string(s.manager.Snapshot().Profile.Framework)).
		Msg("Dev server ready")
}

// printHeals prints admitted heal requests until ctx ends.
func (s *session) printHeals(ctx context.Context, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.coordinator.Requests():
			printHeal(w, req)
		}
	}
}

func printHeal(w io.Writer, req heal.PendingHealRequest) {
	if jsonOutput {
		_ = printJSON(w, req)
		return
	}
	fmt.Fprintf(w, "HEAL %s\n", req.Error)
	if req.Suggestion != "" {
		fmt.Fprintf(w, "     suggestion: %s\n", req.Suggestion)
	}
}
