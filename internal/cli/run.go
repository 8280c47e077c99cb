package cli

import (
	"github.com/spf13/cobra"
)

// NewRunCommand creates the long-running monitor command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor KSeF on the configured schedule until interrupted",
		Long: `Run polling cycles whenever the schedule says so. On SIGINT or SIGTERM
the KSeF session is revoked, metrics are marked down and a stop
notification is sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, rootOpts)
		},
	}
}

func runMonitor(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cfg)
	opts.displayAppname(cmd.OutOrStdout())

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
	if app.Metrics != nil {
		if err := app.Metrics.Start(cfg.Prometheus.Host, cfg.Prometheus.Port); err != nil {
			return WrapExitError(ExitFailure, "failed to start metrics server", err)
		}
	}

	logger.Info().
		Str("nip", cfg.KSeF.NIP).
		Str("base_url", app.Client.BaseURL()).
		Strs("subject_types", cfg.Monitoring.SubjectTypes).
		Str("storage", cfg.Storage.Backend).
		Strs("channels", app.Notifier.Sinks()).
		Msg("monitor starting")

	if err := runner.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "monitor stopped", err)
	}
	logger.Info().Msg("monitor stopped")
	return nil
}
