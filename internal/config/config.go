package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dyluth/warren/pkg/comm"
	"github.com/dyluth/warren/pkg/regression"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up by the CLI.
const DefaultFileName = "warren.yml"

// WarrenConfig represents the top-level warren.yml configuration of one rank
type WarrenConfig struct {
	Version    string            `yaml:"version"`
	Group      string            `yaml:"group,omitempty"`
	WorldSize  int               `yaml:"world_size"`
	Rank       *int              `yaml:"rank,omitempty"` // Usually supplied per process via WARREN_RANK
	LocalIP    string            `yaml:"local_ip,omitempty"`
	Rendezvous *RendezvousConfig `yaml:"rendezvous"`
	Training   *TrainingConfig   `yaml:"training,omitempty"`
	Data       *DataConfig       `yaml:"data"`

	// Environment is exported before the communicator starts.
	Environment          map[string]string `yaml:"environment,omitempty"`
	OverwriteEnvironment bool              `yaml:"overwrite_environment,omitempty"`
}

// RendezvousConfig locates the rendezvous service shared by all ranks
type RendezvousConfig struct {
	Address string `yaml:"address"`
	Host    bool   `yaml:"host,omitempty"` // Rank 0 serves the rendezvous service itself
}

// TrainingConfig selects the model and the local solver parallelism
type TrainingConfig struct {
	Family          string  `yaml:"family,omitempty"` // "linear" (default) or "ridge"
	FitIntercept    bool    `yaml:"fit_intercept,omitempty"`
	RegParam        float64 `yaml:"reg_param,omitempty"`
	ElasticNetParam float64 `yaml:"elastic_net_param,omitempty"`
	Threads         int     `yaml:"threads,omitempty"` // Default: number of CPUs
}

// DataConfig locates this rank's CSV shard
type DataConfig struct {
	Path           string   `yaml:"path"`
	LabelColumn    string   `yaml:"label_column"`
	FeatureColumns []string `yaml:"feature_columns,omitempty"` // Default: every column except the label
}

// Environment variables that override values read from the file.
const (
	EnvRank       = "WARREN_RANK"
	EnvWorldSize  = "WARREN_WORLD_SIZE"
	EnvRendezvous = "WARREN_RENDEZVOUS"
	EnvGroup      = "WARREN_GROUP"
	EnvLocalIP    = "WARREN_LOCAL_IP"
	EnvThreads    = "WARREN_THREADS"
	EnvData       = "WARREN_DATA"
)

// Validate performs strict validation on the configuration and applies defaults
func (c *WarrenConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.WorldSize < 1 {
		return fmt.Errorf("world_size must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank == nil {
		return fmt.Errorf("rank is required (set rank or %s)", EnvRank)
	}
	if *c.Rank < 0 || *c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d outside [0, %d)", *c.Rank, c.WorldSize)
	}

	if c.Group == "" {
		c.Group = comm.DefaultGroup
	}
	if !comm.GroupNamePattern.MatchString(c.Group) {
		return fmt.Errorf("invalid group name '%s': must be lowercase alphanumeric with hyphens", c.Group)
	}

	if c.LocalIP == "" {
		c.LocalIP = comm.DefaultListenIP
	}
	if net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("invalid local_ip: %s", c.LocalIP)
	}

	if c.Rendezvous == nil {
		return fmt.Errorf("rendezvous section is required")
	}
	if err := comm.ValidateRendezvousAddr(c.Rendezvous.Address); err != nil {
		return fmt.Errorf("rendezvous.address: %w", err)
	}
	if c.Rendezvous.Host && *c.Rank != comm.RootRank {
		return fmt.Errorf("rendezvous.host is only valid on rank %d, this is rank %d", comm.RootRank, *c.Rank)
	}

	if c.Training == nil {
		c.Training = &TrainingConfig{}
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}

	if c.Data == nil {
		return fmt.Errorf("data section is required")
	}
	if c.Data.Path == "" {
		return fmt.Errorf("data.path is required")
	}
	if c.Data.LabelColumn == "" {
		return fmt.Errorf("data.label_column is required")
	}
	for _, col := range c.Data.FeatureColumns {
		if col == c.Data.LabelColumn {
			return fmt.Errorf("data.feature_columns must not contain the label column '%s'", col)
		}
	}

	for key := range c.Environment {
		if key == "" || strings.Contains(key, "=") {
			return fmt.Errorf("invalid environment variable name '%s'", key)
		}
	}

	return nil
}

// Validate checks the training section and applies defaults
func (t *TrainingConfig) Validate() error {
	if t.Family == "" {
		t.Family = regression.FamilyLinear.String()
	}
	if _, err := regression.ParseFamily(t.Family); err != nil {
		return fmt.Errorf("training.family: %w", err)
	}

	if t.RegParam < 0 {
		return fmt.Errorf("training.reg_param must be >= 0, got %g", t.RegParam)
	}
	if t.ElasticNetParam < 0 || t.ElasticNetParam > 1 {
		return fmt.Errorf("training.elastic_net_param must be in [0, 1], got %g", t.ElasticNetParam)
	}

	if t.Threads == 0 {
		t.Threads = runtime.NumCPU()
	}
	if t.Threads < 1 {
		return fmt.Errorf("training.threads must be >= 1, got %d", t.Threads)
	}
	return nil
}

// ApplyEnvironment overrides file values from WARREN_* variables found by lookup.
func (c *WarrenConfig) ApplyEnvironment(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRank); ok {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", EnvRank, err)
		}
		c.Rank = &rank
	}
	if v, ok := lookup(EnvWorldSize); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", EnvWorldSize, err)
		}
		c.WorldSize = size
	}
	if v, ok := lookup(EnvRendezvous); ok {
		if c.Rendezvous == nil {
			c.Rendezvous = &RendezvousConfig{}
		}
		c.Rendezvous.Address = v
	}
	if v, ok := lookup(EnvGroup); ok {
		c.Group = v
	}
	if v, ok := lookup(EnvLocalIP); ok {
		c.LocalIP = v
	}
	if v, ok := lookup(EnvThreads); ok {
		threads, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", EnvThreads, err)
		}
		if c.Training == nil {
			c.Training = &TrainingConfig{}
		}
		c.Training.Threads = threads
	}
	if v, ok := lookup(EnvData); ok {
		if c.Data == nil {
			c.Data = &DataConfig{}
		}
		c.Data.Path = v
	}
	return nil
}

// CommOptions returns the communicator options of this rank.
// Only valid after Validate.
func (c *WarrenConfig) CommOptions() comm.Options {
	return comm.Options{
		GroupSize:      c.WorldSize,
		Rank:           *c.Rank,
		RendezvousAddr: c.Rendezvous.Address,
		Group:          c.Group,
		ListenIP:       c.LocalIP,
	}
}

// Family returns the configured model family. Only valid after Validate.
func (c *WarrenConfig) Family() regression.Family {
	f, _ := regression.ParseFamily(c.Training.Family)
	return f
}

// ExportEnvironment sets the configured environment variables in this process.
func (c *WarrenConfig) ExportEnvironment() error {
	for key, value := range c.Environment {
		if err := comm.SetEnv(key, value, c.OverwriteEnvironment); err != nil {
			return err
		}
	}
	return nil
}

// Load reads warren.yml from the specified path, applies WARREN_* overrides
// from the process environment and validates the result
func Load(path string) (*WarrenConfig, error) {
	config, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Read is Load without validation, for callers that apply further overrides.
func Read(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config WarrenConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.ApplyEnvironment(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	return &config, nil
}
