package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/token/jwt"
	"github.com/spf13/cobra"
)

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	*RootOptions
	JSON bool
}

// NewSessionsCommand lists the authentication sessions of the taxpayer.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active KSeF authentication sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print sessions as JSON")
	return cmd
}

func listSessions(cmd *cobra.Command, opts *SessionsOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app, err := NewApp(ctx, cfg, opts.logger(cfg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer app.Close(ctx)
	defer app.Tokens.Revoke(ctx)

	var list []ksef.AuthSession
	err = app.Tokens.Call(ctx, func(ctx context.Context, accessToken string) error {
		var err error
		list, err = app.Client.Sessions(ctx, accessToken)
		return err
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list sessions", err)
	}
	if err := printSessions(cmd, list, opts.JSON); err != nil {
		return err
	}
	if s := app.Tokens.Session(); s != nil && !opts.JSON {
		if info, err := jwt.Introspect(s.AccessToken, time.Now()); err == nil && info.Exp != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "\ncurrent access token expires %s\n", time.Unix(*info.Exp, 0).In(cfg.Location()).Format(time.RFC3339))
		}
	}
	return nil
}

func printSessions(cmd *cobra.Command, list []ksef.AuthSession, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no active sessions")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tSTARTED\tMETHOD\tCURRENT")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n",
			utils.OneLine(s.ReferenceNumber),
			formatTime(s.StartDate),
			utils.FirstNonEmpty(utils.OneLine(s.AuthenticationMethod), "-"),
			s.IsCurrent,
		)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
