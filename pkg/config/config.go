// Package config provides configuration loading and management for dwifit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Fitting parameters shared by the tensor and kurtosis models
	Fitting struct {
		// Method selects the per-voxel regression: "wls" or "ols"
		Method string `yaml:"method"`

		// B0Threshold classifies volumes with smaller b-values as b0 references
		B0Threshold float64 `yaml:"b0Threshold"`

		// MinSignal is the signal floor applied before the log transform
		MinSignal float64 `yaml:"minSignal"`

		// Workers is the number of goroutines fitting slices in parallel
		Workers int `yaml:"workers"`
	} `yaml:"fitting"`

	// Output parameters
	Output struct {
		// Compress writes .nii.gz regardless of the input extension
		Compress bool `yaml:"compress"`

		// SavePreviews writes mid-slice PNG previews next to each metric map
		SavePreviews bool `yaml:"savePreviews"`

		// Verbose enables debug-level logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Fitting.Method = "wls"
	cfg.Fitting.B0Threshold = 50.0
	cfg.Fitting.MinSignal = 1e-4
	cfg.Fitting.Workers = runtime.NumCPU()

	cfg.Output.Compress = false
	cfg.Output.SavePreviews = false
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
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

// CreateDefaultConfigFile creates a default configuration file at the specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
