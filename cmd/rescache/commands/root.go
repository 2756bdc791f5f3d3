// Package commands implements the rescache CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cfgFile string

	buildVersion = "dev"
	buildCommit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "rescache",
	Short: "Lazy-fetching resource cache",
	Long: `rescache serves resource files listed in manifests, downloading each
one from its origin the first time it is read and keeping it in a local
content-addressed cache.

Paths have the form cache:/<resource>/<file> (blocking reads) or
cache_nb:/<resource>/<file> (reads return "not ready" while downloading).

Environment Variables:
  All configuration options can be overridden using environment variables.
  Format: RESCACHE_<SECTION>_<KEY>

  Examples:
    RESCACHE_LOGGING_LEVEL=DEBUG
    RESCACHE_FETCH_WORKERS=8
    RESCACHE_DEVICE_CONNECTION_TOKEN=secret`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rescache %s (commit %s)\n", buildVersion, buildCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")

	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(flagsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// SetVersion records build information shown by `rescache version`.
func SetVersion(version, commit string) {
	buildVersion = version
	buildCommit = commit
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
