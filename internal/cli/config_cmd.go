package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCommand prints the resolved configuration with secrets masked.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to render configuration", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
