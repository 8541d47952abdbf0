package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/store"
	"github.com/zcrmtools/crmdash/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "advanced",
	Short:   "Manage the local cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [functions|scripts|all]",
	Short: "Delete cached items and sync metadata",
	Long: `Delete the cached items and sync metadata of one or both collections for
the configured organization. The next sync downloads everything again.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		arg := ""
		if len(args) > 0 {
			arg = args[0]
		}
		collections, err := schema.ParseCollection(arg)
		if err != nil {
			fatal("%v", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			fatal("%v", err)
		}

		if !yes {
			ok, err := ui.Confirm(
				fmt.Sprintf("Clear cached %s for org %s?", collectionList(collections), cfg.OrgID),
				"Cached source code is deleted from "+cfg.DBPath,
			)
			if err != nil {
				fatal("%v", err)
			}
			if !ok {
				fmt.Println("Cancelled.")
				return
			}
		}

		err = withStore(cfg, func(st *store.Store) error {
			return st.Clear(context.Background(), collections...)
		})
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Cleared cached %s\n", ui.RenderPass("✓"), collectionList(collections))
	},
}

func init() {
	cacheClearCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
