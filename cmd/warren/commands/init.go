package commands

import (
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example warren.yml and data shard",
	Long: `Initialize a warren project with a default configuration and a small
example shard.

Creates:
  • warren.yml - configuration shared by every rank
  • data/shard-0.csv - example shard with features a, b and label y

The example is a single-rank group that hosts its own rendezvous service,
so 'warren train' works straight away.

Use --force to reinitialize an existing project (WARNING: overwrites warren.yml).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force reinitialization (replaces warren.yml and the example shard)")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to initialize")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return printer.Error("cannot initialize", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(initDir, forceInit); err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	scaffold.PrintSuccess()
	return nil
}
