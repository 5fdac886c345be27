package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
	syncsvc "github.com/TheMichaelB/dealsync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync <deal-id>",
	Short: "Synchronize one deal to its tagged partner portals",
	Long: `Sync pushes a single deal to every partner its title is tagged for.
Partners whose portal already reflects the deal are skipped.`,
	Example: `  dealsync sync 9001
  dealsync sync 9001 --fields dealstage,amount`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncOne,
}

var syncAllCmd = &cobra.Command{
	Use:   "sync-all",
	Short: "Synchronize every deal changed since a cutoff",
	Example: `  dealsync sync-all
  dealsync sync-all --since 2026-08-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runSyncAll,
}

var fromPartnerCmd = &cobra.Command{
	Use:   "from-partner <partner> <remote-id>",
	Short: "Pull one partner-side change back into the CRM",
	Long: `From-partner fetches a partner record by its remote id and patches
any drifted fields back into the linked CRM deal. Echoes of our own writes
are dropped.`,
	Example: `  dealsync from-partner aws OPP-12345`,
	Args:    cobra.ExactArgs(2),
	RunE:    runFromPartner,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the CRM for changes and sync continuously",
	Long: `Run polls the CRM change feed at a fixed interval and syncs each
changed deal as it appears. Stops on interrupt.`,
	Example: `  dealsync run --interval 1m`,
	Args:    cobra.NoArgs,
	RunE:    runPoll,
}

var (
	syncFields   []string
	syncSinceRaw string
	pollInterval time.Duration
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncAllCmd)
	rootCmd.AddCommand(fromPartnerCmd)
	rootCmd.AddCommand(runCmd)

	syncCmd.Flags().StringSliceVar(&syncFields, "fields", nil,
		"Changed field names (default: all mapped fields)")

	syncAllCmd.Flags().StringVar(&syncSinceRaw, "since", "",
		"RFC 3339 cutoff for the change query (default: 24h ago)")

	runCmd.Flags().DurationVar(&pollInterval, "interval", time.Minute,
		"Poll interval for the CRM change feed")
}

func runSyncOne(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ev := events.NewChangeEvent(args[0], syncFields, time.Now().UTC())
	results, err := svc.Engine().HandleEvent(ctx, ev)
	if err != nil {
		return err
	}

	reportResults(results)
	return firstFailure(results)
}

func runSyncAll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	since := time.Now().UTC().Add(-24 * time.Hour)
	if syncSinceRaw != "" {
		parsed, err := time.Parse(time.RFC3339, syncSinceRaw)
		if err != nil {
			return err
		}
		since = parsed
	}

	results, err := svc.Engine().SyncAll(ctx, since)
	if err != nil {
		return err
	}

	reportResults(results)
	return firstFailure(results)
}

func runFromPartner(cmd *cobra.Command, args []string) error {
	p, err := models.ParsePartner(args[0])
	if err != nil {
		return err
	}

	result, err := svc.Engine().SyncFromPartner(cmd.Context(), p, args[1])
	if err != nil {
		return err
	}

	reportResults([]syncsvc.RoundResult{*result})
	return result.Err
}

func runPoll(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nInterrupted, shutting down...")
		cancel()
	}()

	printInfo("Polling for deal changes every %s (Ctrl-C to stop)", pollInterval)
	source := svc.PollSource(pollInterval, time.Now().UTC())
	if err := svc.Engine().Run(ctx, source); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func reportResults(results []syncsvc.RoundResult) {
	if jsonOut {
		printJSON(results)
		return
	}

	for _, r := range results {
		line := actionColor(r.Action).Sprintf("%-8s", r.Action)
		printInfo("%s deal=%s partner=%s%s%s",
			line, r.LocalID, r.Partner, remoteSuffix(r), reasonSuffix(r))
	}
	if len(results) == 0 {
		printInfo("Nothing to sync")
	}
}

func remoteSuffix(r syncsvc.RoundResult) string {
	if r.RemoteID == "" {
		return ""
	}
	return " remote=" + r.RemoteID
}

func reasonSuffix(r syncsvc.RoundResult) string {
	if r.Err != nil {
		return " error=" + r.Err.Error()
	}
	if r.Reason == "" {
		return ""
	}
	return " (" + r.Reason + ")"
}

func actionColor(action models.SyncAction) *color.Color {
	switch action {
	case models.ActionCreate, models.ActionUpdate:
		return color.New(color.FgGreen)
	case models.ActionConflict, models.ActionBlocked:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Faint)
	}
}

func firstFailure(results []syncsvc.RoundResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
