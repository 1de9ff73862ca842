package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/fingerprint"
	"github.com/healloop/healloop/pkg/profile"
	"github.com/healloop/healloop/pkg/project"
)

func newDetectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [file]",
		Short: "Run the failure detector over a log",
		Long: `Feed a log file (or stdin) through the failure detector line by line and
print every pain signal it reports. Configured rules and rule scripts are
applied on top of the built-in rules.`,
		Example: `  # Check a saved dev server log
  healloop detect server.log

  # Pipe a build
  npm run build 2>&1 | healloop detect --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, err := cfg.DetectorRules(cmd.Context(), configDir())
			if err != nil {
				return err
			}
			det := detector.New(cfg.DetectorOptions(rules)...)

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			count, err := detect(det, in, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d signal(s)\n", count)
			}
			return nil
		},
	}
	return cmd
}

// detect analyzes each line of in and prints the signals found.
func detect(det *detector.Detector, in io.Reader, out io.Writer) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		signal, ok := det.Analyze(scanner.Text())
		if !ok {
			continue
		}
		count++
		if jsonOutput {
			if err := printJSON(out, signal); err != nil {
				return count, err
			}
			continue
		}
		fmt.Fprintf(out, "%-8s %s\n", signal.Severity, signal.Summary())
		if signal.Suggestion != "" {
			fmt.Fprintf(out, "         suggestion: %s\n", signal.Suggestion)
		}
	}
	return count, scanner.Err()
}

func newProfileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <dir>",
		Short: "Print the runtime profile resolved for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := project.LoadDir(args[0])
			if err != nil {
				return err
			}
			prof := profile.Resolve(files)

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), prof)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Framework:     %s\n", prof.Framework)
			fmt.Fprintf(out, "Start command: %s\n", prof.StartCommand)
			fmt.Fprintf(out, "Port:          %d\n", prof.Port)
			fmt.Fprintf(out, "Dependencies:  %d\n", profile.DependencyCount(files))
			return nil
		},
	}
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <dir>",
		Short: "Print the content fingerprint of a project",
		Long: `Print the fingerprint the sandbox uses to decide whether a project
changed since its last build. It covers file paths and contents.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := project.LoadDir(args[0])
			if err != nil {
				return err
			}
			fp := fingerprint.Compute(files)

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"fingerprint": fp.String(),
					"short":       fp.Short(),
					"files":       len(files),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp.String())
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and rule scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, err := cfg.DetectorRules(cmd.Context(), configDir())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid (%d custom rule(s))\n", len(rules))
			return nil
		},
	}
}
