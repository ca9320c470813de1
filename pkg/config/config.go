// Package config provides configuration loading and management for tissuecomp.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tissuecomp/internal/models"
)

// ErrMissingInput is returned when an input or mask file does not exist
var ErrMissingInput = errors.New("input file does not exist")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Mask parameters
	Masks struct {
		// Dir is prepended to relative mask filenames
		Dir string `yaml:"dir"`

		// GrayMatter, WhiteMatter and CSF are the tissue mask filenames
		GrayMatter  string `yaml:"grayMatter"`
		WhiteMatter string `yaml:"whiteMatter"`
		CSF         string `yaml:"csf"`

		// Threshold binarizes probability maps; voxels strictly above it are kept
		Threshold float64 `yaml:"threshold"`

		// Resample allows masks on a different grid to be resampled to the data
		Resample bool `yaml:"resample"`
	} `yaml:"masks"`

	// Processing parameters
	Processing struct {
		// NumComponents is the number of principal components per compartment
		NumComponents int `yaml:"numComponents"`

		// NumWorkers bounds how many datasets are processed at once
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir is where tables, plots and previews are written
		Dir string `yaml:"dir"`

		// Format selects the table format: csv or json
		Format string `yaml:"format"`

		// Plot writes a PNG of each compartment's signals
		Plot bool `yaml:"plot"`

		// Preview writes JPEG mask overlays for quality control
		Preview bool `yaml:"preview"`

		// SaveMasks writes the binarized masks used for extraction
		SaveMasks bool `yaml:"saveMasks"`

		// SaveComponentMaps writes the voxel loadings of each component
		SaveComponentMaps bool `yaml:"saveComponentMaps"`

		// Database is an optional SQLite file receiving every result
		Database string `yaml:"database"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Masks.GrayMatter = models.GrayMatter.DefaultMaskFile()
	cfg.Masks.WhiteMatter = models.WhiteMatter.DefaultMaskFile()
	cfg.Masks.CSF = models.CSF.DefaultMaskFile()
	cfg.Masks.Threshold = 0.5
	cfg.Masks.Resample = true

	cfg.Processing.NumComponents = 5
	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.Dir = "."
	cfg.Output.Format = "csv"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Validate checks value ranges that YAML parsing cannot
func (c *Config) Validate() error {
	if c.Processing.NumComponents < 0 {
		return fmt.Errorf("numComponents must not be negative, got %d", c.Processing.NumComponents)
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	switch c.Output.Format {
	case "csv", "json":
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// MaskSet holds the resolved path of each tissue mask
type MaskSet map[models.Tissue]string

// MaskSet resolves the configured mask filenames against the mask directory
func (c *Config) MaskSet() MaskSet {
	files := map[models.Tissue]string{
		models.GrayMatter:  c.Masks.GrayMatter,
		models.WhiteMatter: c.Masks.WhiteMatter,
		models.CSF:         c.Masks.CSF,
	}
	set := make(MaskSet, len(files))
	for tissue, name := range files {
		if name == "" {
			name = tissue.DefaultMaskFile()
		}
		if !filepath.IsAbs(name) && c.Masks.Dir != "" {
			name = filepath.Join(c.Masks.Dir, name)
		}
		set[tissue] = name
	}
	return set
}

// CheckExists verifies that every mask file is present
func (m MaskSet) CheckExists() error {
	for _, tissue := range models.Tissues {
		path, ok := m[tissue]
		if !ok {
			return fmt.Errorf("%w: no mask configured for %s", ErrMissingInput, tissue)
		}
		if err := CheckFile(path); err != nil {
			return fmt.Errorf("%s mask: %w", tissue, err)
		}
	}
	return nil
}

// CheckFile returns ErrMissingInput when path does not exist or is a directory
func CheckFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingInput, path)
		}
		return fmt.Errorf("error checking %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingInput, path)
	}
	return nil
}
