package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/output"
)

var killCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a session's agent process",
	Long: `Terminate the agent process behind a session.

The process gets SIGTERM first and SIGKILL after a grace period. Killing a
session that already finished is a successful no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		if dryRun {
			ui.DryRunMsg("Would kill session %s", id)
			return nil
		}

		if err := getClient().Kill(cmd.Context(), id); err != nil {
			return err
		}
		ui.Success("Session %s killed", output.Cyan(id))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(killCmd)
}
