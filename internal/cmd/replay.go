package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unified-agent/gateway/internal/eventlog"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session.jsonl>",
		Short: "Inspect a canonical session log and report on its ordering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := eventlog.Replay(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !report.DeterministicOrder {
				return fmt.Errorf("log %s is not deterministically ordered", args[0])
			}
			return nil
		},
	}
}
