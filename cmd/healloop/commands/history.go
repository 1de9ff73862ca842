package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/healloop/healloop/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		sessionID   string
		executionID string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored sessions, signals, heals and attempts",
		Long: `List past sessions from the session database. With --session, show the
pain signals and heal requests of one session; with --execution, show
the attempts of one agent execution.`,
		Example: `  # Recent sessions
  healloop history

  # Signals and heals of one session
  healloop history --session 4f1c...

  # Attempts of an execution
  healloop history --execution exec-1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := stores.Open(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			switch {
			case executionID != "":
				attempts, err := store.ListAttempts(ctx, executionID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, attempts)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ATTEMPT\tKIND\tRETRYABLE\tDURATION\tERROR")
				for _, a := range attempts {
					kind := string(a.Kind)
					if a.Succeeded() {
						kind = "success"
					}
					fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", a.Number, kind, a.Retryable, a.Duration.Round(time.Millisecond), a.Error)
				}
				return tw.Flush()

			case sessionID != "":
				session, err := store.GetSession(ctx, sessionID)
				if err != nil {
					return err
				}
				signals, err := store.ListPainSignals(ctx, sessionID, limit)
				if err != nil {
					return err
				}
				heals, err := store.ListHealRequests(ctx, sessionID, limit)
				if err != nil {
					return err
				}
				verification, err := store.GetVerification(ctx, sessionID)
				if err != nil && !errors.Is(err, stores.ErrNotFound) {
					return err
				}

				if jsonOutput {
					return printJSON(out, map[string]interface{}{
						"session":      session,
						"verification": verification,
						"signals":      signals,
						"heals":        heals,
					})
				}
				printSession(out, session)
				if verification != nil {
					fmt.Fprintf(out, "Runtime:   %s (%d dependencies)\n", verification.RuntimeVersion, verification.DependencyCount)
				}

				fmt.Fprintf(out, "\nSignals (%d):\n", len(signals))
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, s := range signals {
					fmt.Fprintf(tw, "  %s\t%s\t%s\n", s.Timestamp.Format(time.RFC3339), s.Severity, s.Summary())
				}
				_ = tw.Flush()

				fmt.Fprintf(out, "\nHeal requests (%d):\n", len(heals))
				tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, h := range heals {
					fmt.Fprintf(tw, "  %s\t%s\n", h.RequestedAt.Format(time.RFC3339), h.Error)
				}
				return tw.Flush()

			default:
				sessions, err := store.ListSessions(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, sessions)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tSTATE\tFRAMEWORK\tREMOTE\tCREATED\tPROJECT")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
						s.ID, s.State, s.Framework, s.Remote, s.CreatedAt.Format(time.RFC3339), s.ProjectRoot)
				}
				return tw.Flush()
			}
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "show one session")
	cmd.Flags().StringVar(&executionID, "execution", "", "show the attempts of one execution")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")

	return cmd
}

func printSession(w io.Writer, s *stores.Session) {
	fmt.Fprintf(w, "Session:   %s\n", s.ID)
	fmt.Fprintf(w, "Project:   %s\n", s.ProjectRoot)
	fmt.Fprintf(w, "Framework: %s\n", s.Framework)
	fmt.Fprintf(w, "State:     %s\n", s.State)
	if s.LastError != nil {
		fmt.Fprintf(w, "Error:     %s\n", *s.LastError)
	}
	if s.ClosedAt != nil {
		fmt.Fprintf(w, "Closed:    %s\n", s.ClosedAt.Format(time.RFC3339))
	}
}
