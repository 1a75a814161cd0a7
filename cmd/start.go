package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
)

var (
	startEntity string
	startResume string
	startAttach bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new agent session",
	Long: `Start a new agent session under the daemon.

With --entity, the session is linked to an issue or PR from the moment it
is created. With --resume, a fresh session continues a finished one using
its captured resume token; the new session inherits the old one's lineage.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startRun(cmd)
	},
}

func init() {
	startCmd.Flags().StringVarP(&startEntity, "entity", "e", "", "Link to an entity, e.g. issue:42 or pr:7")
	startCmd.Flags().StringVarP(&startResume, "resume", "r", "", "Continue from a finished session id")
	startCmd.Flags().BoolVarP(&startAttach, "attach", "a", false, "Attach to the session after starting it")
	rootCmd.AddCommand(startCmd)
}

func startRun(cmd *cobra.Command) error {
	var entity *models.EntityRef
	if startEntity != "" {
		e, err := parseEntityRef(startEntity)
		if err != nil {
			return err
		}
		entity = &e
	}

	if dryRun {
		ui.DryRunMsg("Would start session (entity=%q resume=%q)", startEntity, startResume)
		return nil
	}

	sess, err := getClient().Start(cmd.Context(), entity, startResume)
	if err != nil {
		return err
	}

	ui.Success("Session %s started", output.Cyan(sess.ID))
	if entity != nil {
		ui.VerboseLog("linked to %s #%d", entity.Kind, entity.Number)
	}
	if startResume != "" {
		ui.VerboseLog("continues %s (lineage root %s)", startResume, sess.LineageRoot)
	}

	if startAttach {
		return attachRun(cmd.Context(), sess.ID)
	}
	return nil
}

// parseEntityRef parses "kind:number" into an EntityRef.
func parseEntityRef(s string) (models.EntityRef, error) {
	kindStr, numStr, ok := strings.Cut(s, ":")
	if !ok {
		return models.EntityRef{}, fmt.Errorf("invalid entity %q (expected kind:number, e.g. issue:42)", s)
	}

	kind := models.EntityKind(kindStr)
	if kind != models.EntityKindIssue && kind != models.EntityKindPR {
		return models.EntityRef{}, fmt.Errorf("unknown entity kind %q (expected issue or pr)", kindStr)
	}

	num, err := strconv.Atoi(numStr)
	if err != nil || num <= 0 {
		return models.EntityRef{}, fmt.Errorf("invalid entity number %q", numStr)
	}

	return models.EntityRef{Kind: kind, Number: num}, nil
}
