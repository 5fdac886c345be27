package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/dealsync/internal/models"
)

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Inspect deal-to-partner sync links",
}

var linksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sync links",
	Args:  cobra.NoArgs,
	RunE:  runLinksList,
}

var linksShowCmd = &cobra.Command{
	Use:     "show <deal-id> <partner>",
	Short:   "Show one sync link",
	Example: `  dealsync links show 9001 aws`,
	Args:    cobra.ExactArgs(2),
	RunE:    runLinksShow,
}

func init() {
	rootCmd.AddCommand(linksCmd)
	linksCmd.AddCommand(linksListCmd)
	linksCmd.AddCommand(linksShowCmd)
}

func runLinksList(cmd *cobra.Command, args []string) error {
	links, err := svc.Tracker().Links(cmd.Context())
	if err != nil {
		return err
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].LocalID != links[j].LocalID {
			return links[i].LocalID < links[j].LocalID
		}
		return links[i].Partner < links[j].Partner
	})

	if jsonOut {
		printJSON(links)
		return nil
	}

	if len(links) == 0 {
		printInfo("No links recorded")
		return nil
	}

	fmt.Printf("%-12s %-10s %-24s %-10s %s\n",
		"DEAL", "PARTNER", "REMOTE", "STATUS", "LAST SYNCED")
	for _, l := range links {
		status := statusColor(l.Status).Sprintf("%-10s", l.Status)
		fmt.Printf("%-12s %-10s %-24s %s %s\n",
			l.LocalID, l.Partner, l.RemoteID, status,
			l.LastSyncedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runLinksShow(cmd *cobra.Command, args []string) error {
	p, err := models.ParsePartner(args[1])
	if err != nil {
		return err
	}

	link, err := svc.Tracker().Link(cmd.Context(), args[0], p)
	if errors.Is(err, models.ErrLinkNotFound) {
		return fmt.Errorf("no link for deal %s on %s", args[0], p)
	}
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(link)
		return nil
	}

	printInfo("Deal:           %s", link.LocalID)
	printInfo("Partner:        %s", link.Partner)
	printInfo("Remote ID:      %s", link.RemoteID)
	printInfo("Remote version: %s", link.RemoteVersion)
	printInfo("Local version:  %s", link.LocalVersion)
	printInfo("Status:         %s", statusColor(link.Status).Sprint(link.Status))
	if link.ReviewStatus != "" {
		printInfo("Review status:  %s", link.ReviewStatus)
	}
	printInfo("Last synced:    %s", link.LastSyncedAt.Format("2006-01-02 15:04:05 MST"))
	if link.LastError != "" {
		printInfo("Last error:     %s", link.LastError)
	}
	return nil
}

func statusColor(status models.SyncStatus) *color.Color {
	switch status {
	case models.SyncStatusSynced:
		return color.New(color.FgGreen)
	case models.SyncStatusConflict:
		return color.New(color.FgYellow)
	case models.SyncStatusError:
		return color.New(color.FgRed)
	default:
		return color.New(color.Faint)
	}
}
