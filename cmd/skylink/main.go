// Package main provides the skylink CLI entrypoint.
//
// Usage:
//
//	skylink <command> [subcommand] [options]
//
// `run` keeps a device session alive until interrupted. The one-shot
// commands (send, poll, firmware, sync-time, stats) bootstrap a session,
// perform one operation and exit. metrics, state, hash and version never
// contact the backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/skylink/cli/cmd"
	"github.com/pithecene-io/skylink/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "skylink",
		Usage:          "NB-IoT device cloud synchronisation agent",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands:       commands(),
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		cmd.RunCommand(),
		cmd.SendCommand(),
		cmd.PollCommand(),
		cmd.FirmwareCommand(),
		cmd.SyncTimeCommand(),
		cmd.StatsCommand(),
		cmd.MetricsCommand(),
		cmd.StateCommand(),
		cmd.HashCommand(),
		cmd.VersionCommand(commit),
	}
}

// exitErrHandler preserves exit codes from cli.Exit and prints everything
// else as a plain error.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() is "exit status N"; nothing to print.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
