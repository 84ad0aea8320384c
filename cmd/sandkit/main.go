// Command sandkit drives the sandbox lifecycle engine from the command
// line: opening a sandbox, running a command or script inside it, and
// tearing it down again. It also re-execs itself as the `_sandbox_init`
// and `_nethelper` helpers the coordinator spawns internally.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandkit/sandkit/internal/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandkit",
		Short:         "run commands inside an isolated Linux sandbox",
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), sandboxInitCmd(), netHelperCmd())
	return root
}

func main() {
	// Initialized unconditionally, before dispatch: the hidden
	// _sandbox_init/_nethelper re-exec subcommands log through
	// internal/logger too, and never go through runSandbox's own init.
	if err := logger.Init("info", ""); err != nil {
		fmt.Fprintln(os.Stderr, "sandkit: init logger:", err)
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sandkit:", err)
		os.Exit(1)
	}
	if lastExitCode != 0 {
		os.Exit(lastExitCode)
	}
}
