package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0-dev"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "prefork-manager",
		Short: "Pre-forking master/worker process supervisor",
		Long: `prefork-manager keeps pools of worker processes at their configured size,
replaces workers that exit, and drives graceful quit and in-place restart
from a single-threaded master loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.AddCommand(
		newRunCommand(),
		newValidateCommand(),
		newEventsCommand(),
		newExampleConfigCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "prefork-manager version %s\n", Version)
			fmt.Fprintln(out, "https://github.com/cboxdk/prefork-manager")
		},
	}
}
