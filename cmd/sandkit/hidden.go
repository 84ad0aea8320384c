package main

import (
	"github.com/spf13/cobra"

	"github.com/sandkit/sandkit/internal/netns"
	"github.com/sandkit/sandkit/internal/sandboxinit"
)

// sandboxInitCmd is the re-exec entrypoint the runner package invokes as
// `<sandkit-binary> _sandbox_init ...` from inside the namespaces it just
// created. Flag parsing is delegated entirely to sandboxinit.Main so its
// own flag.FlagSet sees the untouched argument list, "--" separator
// included.
func sandboxInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "_sandbox_init",
		Hidden:             true,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sandboxinit.Main(args)
		},
	}
}

// netHelperCmd is the re-exec entrypoint the network provisioner invokes
// as `<sandkit-binary> _nethelper ...` inside the sandbox's network
// namespace.
func netHelperCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "_nethelper",
		Hidden:             true,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return netns.RunHelper(args)
		},
	}
}
