// Package cli implements the ksefmon commands.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-ksef-monitor/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X .../internal/cli.version=...".
var version = "dev"

const appName = "KSeF Monitor"

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	SecretsDir string
	NoBanner   bool

	// LogWriter receives the process log. Defaults to stderr.
	LogWriter io.Writer
}

// NewRootCommand creates the ksefmon command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LogWriter: os.Stderr}

	cmd := &cobra.Command{
		Use:           "ksefmon",
		Short:         "Watch KSeF for new invoices",
		Long:          "Polls the Polish National e-Invoice System (KSeF) for invoices issued by or to a taxpayer and announces each new one exactly once.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.GetEnv("KSEF_MONITOR_CONFIG", ""), "path to a YAML or JSON config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment")
	cmd.PersistentFlags().StringVar(&opts.SecretsDir, "secrets-dir", config.DefaultSecretsDir, "directory holding docker secrets")
	cmd.PersistentFlags().BoolVar(&opts.NoBanner, "no-banner", false, "do not print the startup banner")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewOnceCommand(opts))
	cmd.AddCommand(NewRevokeCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath, config.WithEnvFile(o.EnvFile), config.WithSecretsDir(o.SecretsDir))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configuration error", err)
	}
	return cfg, nil
}

func (o *RootOptions) logger(cfg *config.Config) zerolog.Logger {
	return NewLogger(cfg.Log, cfg.Location(), o.LogWriter)
}

func (o *RootOptions) displayAppname(w io.Writer) {
	if o.NoBanner {
		return
	}
	myFigure := figure.NewFigure(appName, "cybermedium", true)
	fmt.Fprintln(w, myFigure.String())
}
