// Package cmd holds the cobra command tree for unified-agent-gateway.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root command. Bare invocation behaves as "serve".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "unified-agent-gateway",
		Short: "One protocol for every agent CLI",
		Long: "The unified agent gateway brokers clients to claude, codex, gemini and mock\n" +
			"backends over a single versioned envelope protocol, with durable session\n" +
			"state, replay buffers and a canonical event log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newVersionCmd())
	return root
}
