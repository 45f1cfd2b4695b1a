package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/thermalign/config.json"
	configEnv         = "THERMALIGN_CONFIG"
)

// Config holds user-editable settings. Input and output directories are not
// part of it: every run names them explicitly.
type Config struct {
	Processing Processing   `json:"processing" yaml:"processing"`
	Logging    Logging      `json:"logging" yaml:"logging"`
	Storage    Storage      `json:"storage" yaml:"storage"`
	Alignment  Registration `json:"alignment" yaml:"alignment"`
	Server     Server       `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Storage configures the run ledger. An empty path disables it.
type Storage struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Registration tunes thermal-to-RGB homography estimation.
type Registration struct {
	// FallbackPairs lists pair IDs that always use centered composition.
	FallbackPairs   []string `json:"fallback_pairs" yaml:"fallback_pairs"`
	InvertThermal   bool     `json:"invert_thermal" yaml:"invert_thermal"`
	MaxFeatures     int      `json:"max_features" yaml:"max_features"`
	FlannTrees      int      `json:"flann_trees" yaml:"flann_trees"`
	FlannChecks     int      `json:"flann_checks" yaml:"flann_checks"`
	Ratio           float64  `json:"ratio" yaml:"ratio"`
	MinMatches      int      `json:"min_matches" yaml:"min_matches"`
	RansacThreshold float64  `json:"ransac_threshold" yaml:"ransac_threshold"`
	DetMin          float64  `json:"det_min" yaml:"det_min"`
	DetMax          float64  `json:"det_max" yaml:"det_max"`
	EstimateTimeout Duration `json:"estimate_timeout" yaml:"estimate_timeout"`
	JPEGQuality     int      `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Duration decodes "90s"-style strings from JSON and YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Path reports which config file Load reads.
func Path() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to defaults when the file
// does not exist. YAML is used for .yaml/.yml files, JSON otherwise.
func Load() (*Config, error) {
	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}
	return LoadFile(expanded)
}

// LoadFile reads a specific configuration file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: runtime.NumCPU(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Storage: Storage{
			DatabasePath: filepath.Join(os.TempDir(), "thermalign.db"),
		},
		Alignment: DefaultRegistration(),
		Server: Server{
			Addr: ":8080",
		},
	}
}

// DefaultRegistration returns the estimation parameters used by the aligner
// unless configured otherwise.
func DefaultRegistration() Registration {
	return Registration{
		InvertThermal:   true,
		MaxFeatures:     5000,
		FlannTrees:      5,
		FlannChecks:     50,
		Ratio:           0.7,
		MinMatches:      11,
		RansacThreshold: 5.0,
		DetMin:          0.001,
		DetMax:          1000,
		EstimateTimeout: Duration{60 * time.Second},
		JPEGQuality:     95,
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 0 {
		return fmt.Errorf("processing.parallel_jobs must be >= 0, got %d", c.Processing.ParallelJobs)
	}
	return c.Alignment.Validate()
}

// Validate checks estimation parameters.
func (r Registration) Validate() error {
	switch {
	case r.MaxFeatures < 1:
		return fmt.Errorf("alignment.max_features must be positive, got %d", r.MaxFeatures)
	case r.FlannTrees < 1:
		return fmt.Errorf("alignment.flann_trees must be positive, got %d", r.FlannTrees)
	case r.FlannChecks < 1:
		return fmt.Errorf("alignment.flann_checks must be positive, got %d", r.FlannChecks)
	case r.Ratio <= 0 || r.Ratio > 1:
		return fmt.Errorf("alignment.ratio must be in (0, 1], got %g", r.Ratio)
	case r.MinMatches < 4:
		return fmt.Errorf("alignment.min_matches must be at least 4, got %d", r.MinMatches)
	case r.RansacThreshold <= 0:
		return fmt.Errorf("alignment.ransac_threshold must be positive, got %g", r.RansacThreshold)
	case r.DetMin <= 0 || r.DetMax <= r.DetMin:
		return fmt.Errorf("alignment determinant bounds invalid: [%g, %g]", r.DetMin, r.DetMax)
	case r.EstimateTimeout.Duration < 0:
		return fmt.Errorf("alignment.estimate_timeout must not be negative")
	case r.JPEGQuality < 1 || r.JPEGQuality > 100:
		return fmt.Errorf("alignment.jpeg_quality must be in [1, 100], got %d", r.JPEGQuality)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
