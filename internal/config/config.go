// Package config loads the command line tool configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sanonone/kektoropf/pkg/core/distance"
	"github.com/sanonone/kektoropf/pkg/opf"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every tunable of a training or prediction run.
type Config struct {
	Metric    string `yaml:"metric"`
	Precision string `yaml:"precision"`

	// Threads is the number of forest growth workers. 0 means
	// opf.DefaultThreads.
	Threads int   `yaml:"threads"`
	Seed    int64 `yaml:"seed"`

	LearnIterations int     `yaml:"learn_iterations"`
	PruneIterations int     `yaml:"prune_iterations"`
	SplitRatio      float64 `yaml:"split_ratio"`

	PrecomputeDistances bool `yaml:"precompute_distances"`

	// MetricsAddr enables a Prometheus endpoint when not empty (e.g. ":9095").
	MetricsAddr string `yaml:"metrics_addr"`
	ModelPath   string `yaml:"model_path"`
}

// DefaultConfig returns a configuration that trains with squared Euclidean
// distances on half the logical cores.
func DefaultConfig() Config {
	return Config{
		Metric:          string(distance.Euclidean),
		Precision:       string(distance.Float32),
		Threads:         0,
		LearnIterations: 10,
		PruneIterations: 10,
		SplitRatio:      0.5,
		ModelPath:       "model.kopf",
	}
}

// LoadConfig reads the YAML configuration file using strict parsing. An empty
// path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	metric, err := distance.ParseMetric(c.Metric)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	precision, err := distance.ParsePrecision(c.Precision)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !distance.Supports(metric, precision) {
		return fmt.Errorf("%w: metric %s has no %s implementation", ErrInvalid, metric, precision)
	}
	switch {
	case c.Threads < 0:
		return fmt.Errorf("%w: threads must not be negative", ErrInvalid)
	case c.LearnIterations <= 0:
		return fmt.Errorf("%w: learn_iterations must be greater than 0", ErrInvalid)
	case c.PruneIterations <= 0:
		return fmt.Errorf("%w: prune_iterations must be greater than 0", ErrInvalid)
	case c.SplitRatio <= 0 || c.SplitRatio >= 1:
		return fmt.Errorf("%w: split_ratio must be in (0, 1)", ErrInvalid)
	}
	return nil
}

// Options converts the configuration into classifier options.
func (c Config) Options(logger *slog.Logger) opf.Options {
	opts := opf.DefaultOptions()
	opts.Metric = distance.Metric(c.Metric)
	opts.Precision = distance.Precision(c.Precision)
	if c.Threads > 0 {
		opts.Threads = c.Threads
	}
	opts.Seed = c.Seed
	opts.Precompute = c.PrecomputeDistances
	opts.Logger = logger
	return opts
}
