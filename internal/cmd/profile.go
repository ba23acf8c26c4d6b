package cmd

import (
	"github.com/spf13/cobra"

	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/internal/profiles"
	"github.com/unified-agent/gateway/internal/wizard"
	"github.com/unified-agent/gateway/pkg/cli"
)

func newProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile [name]",
		Short: "Interactively create or edit an environment profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			m, err := profiles.NewManager(cfg.ProfilesPath())
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return wizard.New(cli.DefaultPrompter(), m).Run(name)
		},
	}
}
