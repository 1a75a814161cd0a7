package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/apiclient"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
)

var (
	sessionsStatus string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Long: `List sessions tracked by the daemon, newest first.

Statuses are reconciled against process liveness before display.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsRun(cmd)
	},
}

func init() {
	sessionsCmd.Flags().StringVarP(&sessionsStatus, "status", "s", "", "Filter by status (running, completed, failed)")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 0, "Show at most N sessions (0 = all)")
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsRun(cmd *cobra.Command) error {
	list, err := getClient().List(cmd.Context(), models.SessionStatus(sessionsStatus), sessionsLimit)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No sessions. Use 'crew start' to launch one.")
		return nil
	}

	table := ui.Table([]string{"Session", "Status", "Entity", "Exit", "Created"})
	for _, sess := range list {
		table.Append([]string{
			output.Cyan(sess.ID),
			sessionStatusCell(sess),
			entityCell(sess),
			exitCell(sess),
			timeAgo(sess.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func sessionStatusCell(sess *apiclient.Session) string {
	s := output.StatusColor(string(sess.Status))
	if sess.Stale {
		s += output.Yellow(" (stale)")
	}
	return s
}

func entityCell(sess *apiclient.Session) string {
	entity, ok := getClient().EntityFor(sess)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%s #%d", entity.Kind, entity.Number)
}

func exitCell(sess *apiclient.Session) string {
	if sess.ExitCode == nil {
		return "-"
	}
	return strconv.Itoa(*sess.ExitCode)
}

// timeAgo renders a timestamp as a compact relative age.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
