// Command crmdash keeps a local cache of a CRM organization's functions and
// client scripts and lets you search, inspect and export them offline.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "crmdash",
	Short: "Local cache and browser for CRM functions and client scripts",
	Long: `crmdash mirrors the server-side functions and client scripts of a CRM
organization into a local SQLite cache, keeps it in sync incrementally and
lets you search, inspect and export the cached source.

Configuration is read from crmdash.yaml (see --config), CRMDASH_* environment
variables and flags, in increasing precedence. org_id and api_url are required.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "browse", Title: "Browse:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: search crmdash.yaml)")
	pf.String("org", "", "organization id")
	pf.String("api-url", "", "CRM API domain, e.g. https://www.zohoapis.com")
	pf.String("token", "", "OAuth access token")
	pf.String("db", "", "cache database path")
	pf.String("color", "", "color output: auto, always or never")
	pf.String("lang", "", "language for sorting names, e.g. en, de, sv")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")
	pf.BoolVarP(&verbose, "verbose", "v", false, "show component logs during interactive commands")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
