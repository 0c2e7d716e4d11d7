package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/systemflow/pulse/internal/config"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-dir>",
		Short: "Validate a configuration directory",
		Long: `Load and validate the CUE configuration in a directory, reporting
every problem found with its error code and position.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command, dir string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, errs := config.Load(dir)
	if len(errs) > 0 {
		details := make([]ErrorDetail, 0, len(errs))
		for _, err := range errs {
			var loadErr *config.LoadError
			if errors.As(err, &loadErr) {
				details = append(details, ErrorDetail{Code: loadErr.Code, Message: loadErr.Error()})
				continue
			}
			details = append(details, ErrorDetail{Code: config.ErrCodeGeneric, Message: err.Error()})
		}
		if err := formatter.Errors(details); err != nil {
			return err
		}
		return &ExitError{Code: ExitFailure, Message: "configuration invalid"}
	}

	formatter.VerboseLog("Loaded configuration from %s", dir)
	if opts.Format == "json" {
		return formatter.Success(cfg)
	}
	return formatter.Success("configuration valid")
}
