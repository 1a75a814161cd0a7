package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's reconciled status",
	Long: `Show detailed status for one session.

The daemon reconciles the stored status against actual process liveness
before answering, so a session whose process died is reported as finished
even if the exit was never observed live.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, id string) error {
	sess, err := getClient().Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	if sess.Stale {
		ui.Warning("Status could not be verified against the live process; showing last known state")
	}

	fmt.Fprintf(ui.Out, "Session:   %s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "Status:    %s\n", output.StatusColor(string(sess.Status)))
	if sess.ExitCode != nil {
		fmt.Fprintf(ui.Out, "Exit code: %d\n", *sess.ExitCode)
	}
	if entity, ok := getClient().EntityFor(sess); ok {
		fmt.Fprintf(ui.Out, "Entity:    %s #%d\n", entity.Kind, entity.Number)
	}
	if len(sess.Entities) > 1 {
		for _, e := range sess.Entities[1:] {
			fmt.Fprintf(ui.Out, "           %s #%d\n", e.Kind, e.Number)
		}
	}
	if sess.LineageRoot != sess.ID {
		fmt.Fprintf(ui.Out, "Continues: lineage root %s\n", sess.LineageRoot)
	}
	if sess.ResumeToken != "" {
		fmt.Fprintf(ui.Out, "Resumable: yes (crew start --resume %s)\n", sess.ID)
	}
	fmt.Fprintf(ui.Out, "Created:   %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if sess.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "Finished:  %s\n", sess.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return nil
}
