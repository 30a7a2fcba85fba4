package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/dyluth/warren/pkg/comm"
	"github.com/dyluth/warren/pkg/regression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "warren.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

// clearWarrenEnv keeps the process environment from leaking into Load.
func clearWarrenEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvRank, EnvWorldSize, EnvRendezvous, EnvGroup, EnvLocalIP, EnvThreads, EnvData} {
		if old, ok := os.LookupEnv(key); ok {
			t.Setenv(key, old)
			require.NoError(t, os.Unsetenv(key))
		}
	}
}

func intPtr(i int) *int { return &i }

func validConfig() *WarrenConfig {
	return &WarrenConfig{
		Version:    "1.0",
		WorldSize:  4,
		Rank:       intPtr(2),
		Rendezvous: &RendezvousConfig{Address: "10.0.0.1:3000"},
		Data:       &DataConfig{Path: "shard.csv", LabelColumn: "y"},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	clearWarrenEnv(t)

	configPath := writeConfig(t, `version: "1.0"
group: "housing"
world_size: 4
rank: 0
local_ip: "127.0.0.1"
rendezvous:
  address: "127.0.0.1:3000"
  host: true
training:
  family: ridge
  fit_intercept: true
  reg_param: 0.5
  threads: 2
data:
  path: "shard-0.csv"
  label_column: "price"
  feature_columns: ["rooms", "area"]
environment:
  WARREN_TEST_MARKER: "1"
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "housing", config.Group)
	assert.Equal(t, 4, config.WorldSize)
	assert.Equal(t, 0, *config.Rank)
	assert.True(t, config.Rendezvous.Host)
	assert.Equal(t, regression.FamilyRidge, config.Family())
	assert.True(t, config.Training.FitIntercept)
	assert.Equal(t, 0.5, config.Training.RegParam)
	assert.Equal(t, 2, config.Training.Threads)
	assert.Equal(t, []string{"rooms", "area"}, config.Data.FeatureColumns)
	assert.Equal(t, map[string]string{"WARREN_TEST_MARKER": "1"}, config.Environment)

	assert.Equal(t, comm.Options{
		GroupSize:      4,
		Rank:           0,
		RendezvousAddr: "127.0.0.1:3000",
		Group:          "housing",
		ListenIP:       "127.0.0.1",
	}, config.CommOptions())
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/warren.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
world_size:
  - this is invalid
    yaml syntax
`)

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearWarrenEnv(t)
	t.Setenv(EnvRank, "3")
	t.Setenv(EnvWorldSize, "8")
	t.Setenv(EnvRendezvous, "10.1.2.3:4000")
	t.Setenv(EnvThreads, "5")
	t.Setenv(EnvData, "/data/shard-3.csv")

	configPath := writeConfig(t, `version: "1.0"
world_size: 2
rendezvous:
  address: "127.0.0.1:3000"
data:
  path: "shard.csv"
  label_column: "y"
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 3, *config.Rank)
	assert.Equal(t, 8, config.WorldSize)
	assert.Equal(t, "10.1.2.3:4000", config.Rendezvous.Address)
	assert.Equal(t, 5, config.Training.Threads)
	assert.Equal(t, "/data/shard-3.csv", config.Data.Path)
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	clearWarrenEnv(t)
	t.Setenv(EnvRank, "first")

	configPath := writeConfig(t, `version: "1.0"
world_size: 1
`)
	_, err := Load(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), EnvRank)
}

func TestValidate_AppliesDefaults(t *testing.T) {
	config := validConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, comm.DefaultGroup, config.Group)
	assert.Equal(t, comm.DefaultListenIP, config.LocalIP)
	assert.Equal(t, "linear", config.Training.Family)
	assert.Equal(t, regression.FamilyLinear, config.Family())
	assert.Equal(t, runtime.NumCPU(), config.Training.Threads)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *WarrenConfig)
		errMsg string
	}{
		{"unsupported version", func(c *WarrenConfig) { c.Version = "2.0" }, "unsupported version"},
		{"zero world size", func(c *WarrenConfig) { c.WorldSize = 0 }, "world_size must be >= 1"},
		{"missing rank", func(c *WarrenConfig) { c.Rank = nil }, "rank is required"},
		{"rank out of range", func(c *WarrenConfig) { c.Rank = intPtr(4) }, "rank 4 outside"},
		{"negative rank", func(c *WarrenConfig) { c.Rank = intPtr(-1) }, "rank -1 outside"},
		{"invalid group", func(c *WarrenConfig) { c.Group = "My_Group" }, "invalid group name"},
		{"invalid local ip", func(c *WarrenConfig) { c.LocalIP = "localhost" }, "invalid local_ip"},
		{"missing rendezvous", func(c *WarrenConfig) { c.Rendezvous = nil }, "rendezvous section is required"},
		{"empty rendezvous address", func(c *WarrenConfig) { c.Rendezvous.Address = "" }, "rendezvous address is empty"},
		{"rendezvous without port", func(c *WarrenConfig) { c.Rendezvous.Address = "10.0.0.1" }, "rendezvous.address"},
		{"host on non-root rank", func(c *WarrenConfig) { c.Rendezvous.Host = true }, "rendezvous.host is only valid on rank 0"},
		{"unknown family", func(c *WarrenConfig) { c.Training = &TrainingConfig{Family: "lasso"} }, "training.family"},
		{"negative reg param", func(c *WarrenConfig) { c.Training = &TrainingConfig{RegParam: -1} }, "training.reg_param"},
		{"elastic net above one", func(c *WarrenConfig) { c.Training = &TrainingConfig{ElasticNetParam: 2} }, "training.elastic_net_param"},
		{"negative threads", func(c *WarrenConfig) { c.Training = &TrainingConfig{Threads: -2} }, "training.threads"},
		{"missing data", func(c *WarrenConfig) { c.Data = nil }, "data section is required"},
		{"missing data path", func(c *WarrenConfig) { c.Data.Path = "" }, "data.path is required"},
		{"missing label column", func(c *WarrenConfig) { c.Data.LabelColumn = "" }, "data.label_column is required"},
		{"label among features", func(c *WarrenConfig) { c.Data.FeatureColumns = []string{"a", "y"} }, "must not contain the label column"},
		{"bad environment name", func(c *WarrenConfig) { c.Environment = map[string]string{"A=B": "1"} }, "invalid environment variable name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestExportEnvironment(t *testing.T) {
	t.Setenv("WARREN_EXPORT_EXISTING", "kept")

	config := validConfig()
	config.Environment = map[string]string{
		"WARREN_EXPORT_EXISTING": "replaced",
		"WARREN_EXPORT_NEW":      "set",
	}
	t.Cleanup(func() { os.Unsetenv("WARREN_EXPORT_NEW") })

	require.NoError(t, config.ExportEnvironment())
	assert.Equal(t, "kept", os.Getenv("WARREN_EXPORT_EXISTING"))
	assert.Equal(t, "set", os.Getenv("WARREN_EXPORT_NEW"))

	config.OverwriteEnvironment = true
	require.NoError(t, config.ExportEnvironment())
	assert.Equal(t, "replaced", os.Getenv("WARREN_EXPORT_EXISTING"))
}

func TestRead_DoesNotValidate(t *testing.T) {
	clearWarrenEnv(t)
	configPath := writeConfig(t, `version: "1.0"
world_size: 2
`)

	config, err := Read(configPath)
	require.NoError(t, err)
	assert.Nil(t, config.Rank)

	_, err = Load(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rank is required")
}
