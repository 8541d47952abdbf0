package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/store"
	"github.com/zcrmtools/crmdash/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show what the local cache holds",
	Long: `Show item counts, hydration progress and last sync time of each cached
collection, together with the cache file location and size. The CRM is not
contacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			fatal("%v", err)
		}
		var stats *store.Stats
		err = withStore(cfg, func(st *store.Store) error {
			stats, err = st.Stats(context.Background())
			return err
		})
		if err != nil {
			fatal("%v", err)
		}
		if jsonOut {
			if err := printJSON(stats); err != nil {
				fatal("%v", err)
			}
			return
		}

		now := time.Now()
		fmt.Printf("%s Cache for org %s\n", ui.RenderAccent("🗄"), ui.RenderBold(stats.OrgID))
		fmt.Printf("  %s %s (%s)\n\n", ui.RenderMuted("Location:"), stats.Path, ui.BytesToSize(stats.SizeBytes))
		for _, cs := range []store.CollectionStats{stats.Functions, stats.Scripts} {
			printCollectionStats(cs, now)
		}
		fmt.Printf("  %s %d pages, %d static resources\n", ui.RenderMuted("Script sources:"), stats.Pages, stats.StaticFiles)
	},
}

func printCollectionStats(cs store.CollectionStats, now time.Time) {
	icon := ui.RenderPass("✓")
	switch {
	case cs.LastUpdate.IsZero():
		icon = ui.RenderWarn("⚠")
	case cs.Hydrated < cs.Items:
		icon = ui.RenderAccent("◐")
	}
	fmt.Printf("%s %s\n", icon, ui.RenderBold(cs.Collection.String()))
	fmt.Printf("  Items:       %d (%d with source)\n", cs.Items, cs.Hydrated)
	if cs.LastUpdate.IsZero() {
		fmt.Printf("  Last sync:   never\n\n")
		return
	}
	fmt.Printf("  Last sync:   %s (%s)\n\n", ui.FormatTime(cs.LastUpdate), ui.FormatAgo(cs.LastUpdate, now))
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the statistics as JSON")

	rootCmd.AddCommand(statusCmd)
}
