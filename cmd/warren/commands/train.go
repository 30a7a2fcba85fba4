package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/dataset"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/rendezvous"
	"github.com/dyluth/warren/pkg/comm"
	"github.com/dyluth/warren/pkg/regression"
	"github.com/dyluth/warren/pkg/training"
	"github.com/spf13/cobra"
)

var (
	trainRank       int
	trainWorldSize  int
	trainRendezvous string
	trainData       string
	trainFamily     string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train on this rank's shard as one member of a group",
	Long: `Train joins the group described by warren.yml, computes the partial result of
this rank's CSV shard and takes part in the gather to rank 0.

Every rank of the group must run 'warren train' with the same world size,
group and rendezvous address, and its own rank. Rank 0 prints the merged
model; the other ranks exit once their partial result has been delivered.

The command waits for all ranks without a timeout. Interrupt it to give up.

Flags override warren.yml and WARREN_* environment variables. A relative
data.path in warren.yml is relative to the directory of warren.yml; a
relative --data or WARREN_DATA is relative to the working directory.`,
	Example: `  # Two ranks on one host, rank 0 serving the rendezvous service
  WARREN_RANK=0 WARREN_DATA=shard-0.csv warren train --world-size 2
  WARREN_RANK=1 WARREN_DATA=shard-1.csv warren train --world-size 2`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().IntVar(&trainRank, "rank", 0, "Rank of this process (overrides config)")
	trainCmd.Flags().IntVar(&trainWorldSize, "world-size", 0, "Number of ranks in the group (overrides config)")
	trainCmd.Flags().StringVar(&trainRendezvous, "rendezvous", "", "Rendezvous host:port (overrides config)")
	trainCmd.Flags().StringVar(&trainData, "data", "", "CSV shard of this rank (overrides config)")
	trainCmd.Flags().StringVar(&trainFamily, "family", "", "Model family: linear or ridge (overrides config)")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadTrainConfig(cmd)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Run 'warren init' to create an example %s", config.DefaultFileName)},
		)
	}

	if err := cfg.ExportEnvironment(); err != nil {
		return printer.Error("failed to export environment", err.Error(), nil)
	}

	shard, err := dataset.Load(cfg.Data.Path, cfg.Data.LabelColumn, cfg.Data.FeatureColumns)
	if err != nil {
		return printer.ErrorWithContext("failed to load shard", err.Error(),
			map[string]string{"Rank": strconv.Itoa(*cfg.Rank), "Data": cfg.Data.Path}, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Rendezvous.Host {
		srv, err := rendezvous.Start(cfg.Rendezvous.Address)
		if err != nil {
			return printer.Error("failed to start rendezvous service", err.Error(), []string{
				"Check that no other process listens on " + cfg.Rendezvous.Address,
			})
		}
		defer srv.Close()
	}

	printer.Step("Joining group '%s' as rank %d of %d via %s\n", cfg.Group, *cfg.Rank, cfg.WorldSize, cfg.Rendezvous.Address)
	c, err := comm.Init(ctx, cfg.CommOptions())
	if err != nil {
		return joinError(cfg, err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("[ERROR] Failed to close communicator: %v", err)
		}
	}()

	req := &regression.Request{
		Features:        shard.Features,
		Labels:          shard.Labels,
		FitIntercept:    cfg.Training.FitIntercept,
		RegParam:        cfg.Training.RegParam,
		ElasticNetParam: cfg.Training.ElasticNetParam,
		Threads:         cfg.Training.Threads,
	}
	result, err := training.Train(ctx, c, req, training.Options{Family: cfg.Family(), GroupSize: cfg.WorldSize})
	switch {
	case training.IsNoResult(err):
		printer.Success("Rank %d delivered the partial result of %d rows\n", c.Rank(), shard.Rows())
		return nil
	case err != nil:
		return trainError(err)
	}

	return printer.Model(printer.ModelSummary{
		Family:       result.Family.String(),
		FeatureNames: shard.FeatureNames,
		Coefficients: result.Coefficients,
		Intercept:    result.Intercept,
		HasIntercept: result.HasIntercept,
		Rows:         result.Rows,
	})
}

// loadTrainConfig loads warren.yml and applies the command's flags. A relative
// data path from warren.yml is resolved against the directory of the config
// file; one from --data or WARREN_DATA against the working directory.
func loadTrainConfig(cmd *cobra.Command) (*config.WarrenConfig, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Rendezvous == nil {
		cfg.Rendezvous = &config.RendezvousConfig{}
	}
	if cfg.Training == nil {
		cfg.Training = &config.TrainingConfig{}
	}
	if cfg.Data == nil {
		cfg.Data = &config.DataConfig{}
	}

	flags := cmd.Flags()
	if flags.Changed("rank") {
		cfg.Rank = &trainRank
	}
	if flags.Changed("world-size") {
		cfg.WorldSize = trainWorldSize
	}
	if flags.Changed("rendezvous") {
		cfg.Rendezvous.Address = trainRendezvous
	}
	_, fromEnv := os.LookupEnv(config.EnvData)
	switch {
	case flags.Changed("data"):
		cfg.Data.Path = trainData
	case !fromEnv:
		cfg.Data.Path = resolveConfigRelative(cfg.Data.Path)
	}
	if flags.Changed("family") {
		cfg.Training.Family = trainFamily
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigRelative(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(configPath), path)
}

func joinError(cfg *config.WarrenConfig, err error) error {
	details := map[string]string{
		"Group":      cfg.Group,
		"Rank":       strconv.Itoa(*cfg.Rank),
		"World size": strconv.Itoa(cfg.WorldSize),
		"Rendezvous": cfg.Rendezvous.Address,
	}
	switch {
	case errors.Is(err, context.Canceled):
		return printer.ErrorWithContext("interrupted while joining the group", err.Error(), details, nil)
	case comm.IsConfigError(err):
		return printer.ErrorWithContext("invalid group configuration", err.Error(), details, []string{
			"Give every rank a distinct rank in [0, world_size)",
			"Use an IP address of a local interface for local_ip",
		})
	default:
		return printer.ErrorWithContext("failed to join the group", err.Error(), details, nil)
	}
}

func trainError(err error) error {
	switch {
	case errors.Is(err, comm.ErrInconsistentShape), errors.Is(err, regression.ErrShapeMismatch):
		return printer.Error("ranks disagree on the model shape", err.Error(), []string{
			"Use the same feature columns and fit_intercept on every rank",
		})
	case errors.Is(err, regression.ErrSingular):
		return printer.Error("model cannot be solved", err.Error(), []string{
			"Remove constant or duplicated feature columns",
			"Use family: ridge with reg_param > 0",
		})
	default:
		return printer.Error("training failed", err.Error(), nil)
	}
}
