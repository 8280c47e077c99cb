package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRevokeCommand authenticates and immediately revokes the new session.
// It is a cheap way to check that the token and NIP are accepted.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Authenticate, then revoke the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, rootOpts.logger(cfg))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to start", err)
			}
			defer app.Close(ctx)

			if _, err := app.Tokens.Credential(ctx); err != nil {
				return WrapExitError(ExitFailure, "authentication failed", err)
			}
			app.Tokens.Revoke(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "session revoked")
			return nil
		},
	}
}
