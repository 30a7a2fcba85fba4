package commands

import (
	"fmt"

	"github.com/dyluth/warren/internal/config"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - distributed linear and ridge regression",
	Long: `Warren trains linear and ridge regression models over data that is
split across several processes.

Each process (rank) reduces its own CSV shard to sufficient statistics,
rank 0 gathers and merges them, and solves for the global coefficients.
Ranks find each other through a shared rendezvous address, which rank 0
can serve itself.`,
	Version: version,
	// Show help rather than silently succeeding on "warren --rank 1"
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "Path to warren.yml")
}
