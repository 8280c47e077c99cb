package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const revokeTimeout = 10 * time.Second

// NewOnceCommand runs a single cycle and exits.
func NewOnceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run one polling cycle, revoke the session and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, rootOpts)
		},
	}
}

func runOnce(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cfg)

	ctx := cmd.Context()
	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer app.Close(ctx)

	runner, err := app.Runner(app.Engine())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid schedule", err)
	}
	report, cycleErr := runner.RunOnce(ctx)

	revokeCtx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	app.Tokens.Revoke(revokeCtx)

	if cycleErr != nil {
		return WrapExitError(ExitFailure, "cycle failed", cycleErr)
	}
	for _, c := range report.Categories {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: fetched=%d new=%d duplicates=%d\n", c.Category, c.Fetched, c.New, c.Duplicates)
	}
	return nil
}
