package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// DataDir holds the example shard written by Initialize.
const DataDir = "data"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes warren.yml and an example shard into dir.
// If force is true, existing files are replaced.
func Initialize(dir string, force bool) error {
	if force {
		if err := handleForce(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(dir, DataDir), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", DataDir, err)
	}

	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return validateCreatedConfig(filepath.Join(dir, config.DefaultFileName))
}

// handleForce removes files written by a previous Initialize
func handleForce(dir string) error {
	path := filepath.Join(dir, config.DefaultFileName)
	if _, err := os.Stat(path); err == nil {
		printer.Warning("Removing existing %s...\n", config.DefaultFileName)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", config.DefaultFileName, err)
		}
	}

	shard := filepath.Join(dir, exampleShard)
	if _, err := os.Stat(shard); err == nil {
		printer.Warning("Removing existing %s...\n", exampleShard)
		if err := os.Remove(shard); err != nil {
			return fmt.Errorf("failed to remove %s: %w", exampleShard, err)
		}
	}

	return nil
}

var exampleShard = filepath.Join(DataDir, "shard-0.csv")

func getTemplateFiles() ([]FileInfo, error) {
	warrenYml, err := templatesFS.ReadFile("templates/warren.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read warren.yml template: %w", err)
	}

	shard, err := templatesFS.ReadFile("templates/shard.csv.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read shard template: %w", err)
	}

	return []FileInfo{
		{Path: config.DefaultFileName, Content: warrenYml, Permissions: 0644},
		{Path: exampleShard, Content: shard, Permissions: 0644},
	}, nil
}

// validateCreatedConfig checks that the written warren.yml passes validation
func validateCreatedConfig(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", config.DefaultFileName, err)
	}

	var cfg config.WarrenConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return fmt.Errorf("created %s is not valid YAML: %w", config.DefaultFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultFileName, err)
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	printer.Success("Initialized warren project\n")
	printer.Println("\nCreated:")
	printer.Printf("  ✓ %s\n", config.DefaultFileName)
	printer.Printf("  ✓ %s\n", exampleShard)
	printer.Println("\nNext steps:")
	printer.Println("  1. Split your training set into one CSV shard per rank")
	printer.Printf("  2. Set world_size in %s and start one process per rank with WARREN_RANK and WARREN_DATA\n", config.DefaultFileName)
	printer.Println("  3. Run 'warren train' to try the example on a single rank")
}
