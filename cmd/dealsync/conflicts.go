package main

import (
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/dealsync/internal/models"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending conflicts, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a pending conflict and apply the winning value",
	Long: `Resolve picks a winner for a pending conflict. A remote winner is
patched back into the CRM; a local winner is pushed to the partner portal.
Resolutions are final and cannot be changed.`,
	Example: `  dealsync conflicts resolve 3f2a... --winner remote
  dealsync conflicts resolve 3f2a... --winner local --by alice`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

var (
	resolveWinner string
	resolveBy     string
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	conflictsResolveCmd.Flags().StringVarP(&resolveWinner, "winner", "w", "",
		"Winning side: local or remote (required)")
	conflictsResolveCmd.Flags().StringVar(&resolveBy, "by", "",
		"Who resolved the conflict (default: current OS user)")

	_ = conflictsResolveCmd.MarkFlagRequired("winner")
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	pending, err := svc.Resolver().Pending(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(pending)
		return nil
	}

	if len(pending) == 0 {
		printSuccess("No pending conflicts")
		return nil
	}

	for _, c := range pending {
		printWarning("%s  deal=%s partner=%s field=%s", c.ID, c.LocalID, c.Partner, c.Field)
		printInfo("    local:  %q (changed %s)", c.LocalValue,
			c.LocalChangedAt.Format("2006-01-02 15:04:05"))
		printInfo("    remote: %q (changed %s)", c.RemoteValue,
			c.RemoteChangedAt.Format("2006-01-02 15:04:05"))
	}
	printInfo("\n%d pending conflict(s)", len(pending))
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	winner := models.Side(resolveWinner)
	if !winner.Valid() {
		return fmt.Errorf("winner must be %q or %q", models.SideLocal, models.SideRemote)
	}

	if resolveBy == "" {
		if u, err := user.Current(); err == nil {
			resolveBy = u.Username
		} else {
			resolveBy = "cli"
		}
	}

	resolved, err := svc.Engine().ResolveConflict(cmd.Context(), args[0], winner, resolveBy)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(resolved)
		return nil
	}

	printSuccess("Conflict %s resolved: %s wins on %s",
		resolved.ID, resolved.Resolution.Winner, resolved.Field)
	printInfo("Applied value: %q", resolved.Resolution.Value)
	return nil
}
