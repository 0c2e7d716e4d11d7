package cli

import (
	"bytes"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemflow/pulse/internal/harness"
)

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	var golden string

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a recorded session scenario",
		Long: `Replay a scenario script against the in-memory backend with a fake
clock and print the final session snapshot. With --golden, compare the
snapshot against a golden file instead and fail on any difference.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd, args[0], golden)
		},
	}

	cmd.Flags().StringVar(&golden, "golden", "", "golden file to compare the snapshot against")
	return cmd
}

func runReplay(opts *RootOptions, cmd *cobra.Command, scenarioPath, goldenPath string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(scenarioPath)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "loading scenario", Err: err}
	}
	formatter.VerboseLog("Replaying scenario %s (%d steps)", scenario.Name, len(scenario.Steps))

	snapshot, err := harness.Run(scenario)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "running scenario", Err: err}
	}

	rendered := snapshot.Render()
	if goldenPath != "" {
		want, err := os.ReadFile(goldenPath)
		if err != nil {
			return &ExitError{Code: ExitCommandError, Message: "reading golden file", Err: err}
		}
		if !bytes.Equal(rendered, want) {
			formatter.VerboseLog("snapshot differs from %s", goldenPath)
			if err := formatter.Errors([]ErrorDetail{{
				Code:    "R001",
				Message: "snapshot does not match golden file " + goldenPath,
			}}); err != nil {
				return err
			}
			return &ExitError{Code: ExitFailure, Message: "snapshot mismatch"}
		}
		return formatter.Success("snapshot matches " + goldenPath)
	}

	return formatter.SuccessRaw(rendered, snapshot)
}
