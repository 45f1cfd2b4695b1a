package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(configEnv, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Alignment.MaxFeatures != 5000 || cfg.Alignment.FlannTrees != 5 || cfg.Alignment.FlannChecks != 50 {
		t.Fatalf("unexpected feature defaults %+v", cfg.Alignment)
	}
	if cfg.Alignment.Ratio != 0.7 || cfg.Alignment.MinMatches != 11 || cfg.Alignment.RansacThreshold != 5.0 {
		t.Fatalf("unexpected matching defaults %+v", cfg.Alignment)
	}
	if cfg.Alignment.DetMin != 0.001 || cfg.Alignment.DetMax != 1000 {
		t.Fatalf("unexpected determinant bounds %+v", cfg.Alignment)
	}
	if len(cfg.Alignment.FallbackPairs) != 0 {
		t.Fatalf("override set should be empty by default")
	}
	if cfg.Processing.ParallelJobs < 1 {
		t.Fatalf("expected parallel jobs to default to CPU count")
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "processing": {"parallel_jobs": 3},
  "alignment": {
    "fallback_pairs": ["DJI_20250530121639_0003"],
    "estimate_timeout": "15s",
    "ratio": 0.75
  }
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configEnv, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Processing.ParallelJobs != 3 {
		t.Fatalf("expected 3 parallel jobs, got %d", cfg.Processing.ParallelJobs)
	}
	if cfg.Alignment.EstimateTimeout.Duration != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %v", cfg.Alignment.EstimateTimeout)
	}
	if cfg.Alignment.Ratio != 0.75 {
		t.Fatalf("expected ratio override, got %g", cfg.Alignment.Ratio)
	}
	// untouched fields keep their defaults
	if cfg.Alignment.MinMatches != 11 {
		t.Fatalf("expected default min matches, got %d", cfg.Alignment.MinMatches)
	}
	if len(cfg.Alignment.FallbackPairs) != 1 {
		t.Fatalf("expected one fallback pair, got %v", cfg.Alignment.FallbackPairs)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `logging:
  level: debug
alignment:
  fallback_pairs:
    - DJI_20250530121639_0003
    - DJI_20250530121724_0004
  flann_checks: 64
  estimate_timeout: 2m
storage:
  database_path: ""
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Logging.Level)
	}
	if len(cfg.Alignment.FallbackPairs) != 2 {
		t.Fatalf("expected two fallback pairs, got %v", cfg.Alignment.FallbackPairs)
	}
	if cfg.Alignment.FlannChecks != 64 {
		t.Fatalf("expected 64 checks, got %d", cfg.Alignment.FlannChecks)
	}
	if cfg.Alignment.EstimateTimeout.Duration != 2*time.Minute {
		t.Fatalf("expected 2m timeout, got %v", cfg.Alignment.EstimateTimeout)
	}
	if cfg.Storage.DatabasePath != "" {
		t.Fatalf("expected ledger disabled, got %q", cfg.Storage.DatabasePath)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"ratio":    `{"alignment": {"ratio": 1.5}}`,
		"det":      `{"alignment": {"det_min": 10, "det_max": 1}}`,
		"matches":  `{"alignment": {"min_matches": 2}}`,
		"duration": `{"alignment": {"estimate_timeout": "soon"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Fatalf("expected error for %s", body)
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/.config/thermalign/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, home) {
		t.Fatalf("expected %q under %q", got, home)
	}
	if same, _ := expandUser("/etc/x.json"); same != "/etc/x.json" {
		t.Fatalf("absolute paths must be unchanged, got %q", same)
	}
}
