package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sanonone/kektoropf/pkg/core/distance"
	"github.com/sanonone/kektoropf/pkg/opf"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kektoropf.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\"): %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	opts := cfg.Options(nil)
	if opts.Threads != opf.DefaultThreads() || opts.Metric != distance.Euclidean {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
metric: log_euclidean
precision: float16
threads: 3
seed: 42
learn_iterations: 4
split_ratio: 0.8
precompute_distances: true
metrics_addr: ":9095"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Metric != "log_euclidean" || cfg.Threads != 3 || cfg.SplitRatio != 0.8 || cfg.MetricsAddr != ":9095" {
		t.Errorf("unexpected config %+v", cfg)
	}
	// Keys absent from the file keep their defaults.
	if cfg.PruneIterations != DefaultConfig().PruneIterations || cfg.ModelPath != "model.kopf" {
		t.Errorf("defaults lost: %+v", cfg)
	}

	opts := cfg.Options(nil)
	if opts.Threads != 3 || opts.Seed != 42 || !opts.Precompute || opts.Precision != distance.Float16 {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "metric: euclidean\nthreadz: 4\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "threadz") {
		t.Errorf("LoadConfig = %v, want an error naming the unknown key", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"Metric":     func(c *Config) { c.Metric = "hamming" },
		"Precision":  func(c *Config) { c.Precision = "int4" },
		"CosineHalf": func(c *Config) { c.Metric, c.Precision = "cosine", "float16" },
		"Threads":    func(c *Config) { c.Threads = -1 },
		"Learn":      func(c *Config) { c.LearnIterations = 0 },
		"Prune":      func(c *Config) { c.PruneIterations = -2 },
		"Split":      func(c *Config) { c.SplitRatio = 1 },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mut(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}
