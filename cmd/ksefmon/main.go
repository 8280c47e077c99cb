package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/jrsteele09/go-ksef-monitor/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			code = cli.ExitFailure
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			// cobra reports unknown commands and bad flags as plain errors
			return cli.ExitCommandError
		}
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
