// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/contrastive"
	"github.com/chithram/fedsync/lib/freeze"
	"github.com/chithram/fedsync/lib/paramname"
	"github.com/chithram/fedsync/lib/sqlitepool"
)

// EnvironmentVariable names the config file when no flag is given.
const EnvironmentVariable = "FEDSYNC_CONFIG"

// Config is the complete fedsync configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Naming    NamingConfig    `yaml:"naming" json:"naming"`
	Freeze    FreezeConfig    `yaml:"freeze" json:"freeze"`
	Training  TrainingConfig  `yaml:"training" json:"training"`
	Injection InjectionConfig `yaml:"injection" json:"injection"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Round     RoundConfig     `yaml:"round" json:"round"`
}

// PathsConfig holds directory locations.
type PathsConfig struct {
	// Root is the base for the other relative locations.
	Root string `yaml:"root" json:"root"`

	// Cache holds downloaded images referenced by cloud_<id> paths.
	Cache string `yaml:"cache" json:"cache"`
}

// NamingConfig configures parameter name normalization.
type NamingConfig struct {
	Prefixes       []string `yaml:"prefixes" json:"prefixes"`
	WrapperMarkers []string `yaml:"wrapper_markers" json:"wrapper_markers"`
	Suffixes       []string `yaml:"suffixes" json:"suffixes"`
}

// FreezeConfig lists the parameter groups kept frozen during training.
type FreezeConfig struct {
	Groups []string `yaml:"groups" json:"groups"`
}

// TrainingConfig holds training hyperparameters.
type TrainingConfig struct {
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Beta1        float64 `yaml:"beta1" json:"beta1"`
	Beta2        float64 `yaml:"beta2" json:"beta2"`
	Epsilon      float64 `yaml:"epsilon" json:"epsilon"`
	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	Epochs       int     `yaml:"epochs" json:"epochs"`

	// RecordLimit caps the records selected per session.
	RecordLimit int `yaml:"record_limit" json:"record_limit"`

	// Seed drives shuffling and augmentation. Zero picks a seed from
	// the clock at startup.
	Seed uint64 `yaml:"seed" json:"seed"`

	// ImageSize is the view edge length in pixels.
	ImageSize int `yaml:"image_size" json:"image_size"`
}

// InjectionConfig configures weight injection.
type InjectionConfig struct {
	// MinMatches is the updated-initializer count below which a
	// diagnostic is reported.
	MinMatches int `yaml:"min_matches" json:"min_matches"`
}

// StoreConfig configures access to the face database.
type StoreConfig struct {
	BusyTimeout Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// StorageConfig configures graph files written by fedsync.
type StorageConfig struct {
	// Compression is one of none, lz4, zstd, bg4_lz4.
	Compression string `yaml:"compression" json:"compression"`
}

// RoundConfig configures the server-side aggregation round.
type RoundConfig struct {
	PendingDir string   `yaml:"pending_dir" json:"pending_dir"`
	ModelsDir  string   `yaml:"models_dir" json:"models_dir"`
	LiveModel  string   `yaml:"live_model" json:"live_model"`
	MinUpdates int      `yaml:"min_updates" json:"min_updates"`
	Interval   Duration `yaml:"interval" json:"interval"`

	// IdentityFile is an age identity file for opening sealed
	// updates. Empty means sealed updates are skipped.
	IdentityFile string `yaml:"identity_file" json:"identity_file"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "fedsync")
	training := contrastive.DefaultConfig()
	naming := paramname.Default()

	return &Config{
		Paths: PathsConfig{
			Root:  root,
			Cache: "${FEDSYNC_ROOT}/cache",
		},
		Naming: NamingConfig{
			Prefixes:       naming.Prefixes,
			WrapperMarkers: naming.WrapperMarkers,
			Suffixes:       naming.Suffixes,
		},
		Freeze: FreezeConfig{Groups: slices.Clone(freeze.DefaultGroups)},
		Training: TrainingConfig{
			Temperature:  training.Temperature,
			LearningRate: training.LearningRate,
			Beta1:        training.Beta1,
			Beta2:        training.Beta2,
			Epsilon:      training.Epsilon,
			BatchSize:    training.BatchSize,
			Epochs:       training.Epochs,
			RecordLimit:  40,
			ImageSize:    64,
		},
		Injection: InjectionConfig{MinMatches: 10},
		Store:     StoreConfig{BusyTimeout: Duration(sqlitepool.DefaultBusyTimeout)},
		Storage:   StorageConfig{Compression: compress.BG4LZ4.String()},
		Round: RoundConfig{
			PendingDir: "${FEDSYNC_ROOT}/pending",
			ModelsDir:  "${FEDSYNC_ROOT}/models",
			LiveModel:  "${FEDSYNC_ROOT}/models/live.fsg",
			MinUpdates: 2,
			Interval:   Duration(time.Minute),
		},
	}
}

// Load loads the file at path, or the file named by FEDSYNC_CONFIG
// when path is empty. With neither, it returns Default with variables
// expanded.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".jsonc") {
		return json.Unmarshal(jsonc.ToJSON(data), c)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["FEDSYNC_ROOT"] = c.Paths.Root

	c.Paths.Cache = expandVars(c.Paths.Cache, vars)
	c.Round.PendingDir = expandVars(c.Round.PendingDir, vars)
	c.Round.ModelsDir = expandVars(c.Round.ModelsDir, vars)
	c.Round.LiveModel = expandVars(c.Round.LiveModel, vars)
	c.Round.IdentityFile = expandVars(c.Round.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Training.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("training.temperature must be positive, got %v", c.Training.Temperature))
	}
	if c.Training.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be positive, got %v", c.Training.LearningRate))
	}
	if c.Training.Beta1 < 0 || c.Training.Beta1 >= 1 || c.Training.Beta2 < 0 || c.Training.Beta2 >= 1 {
		errs = append(errs, fmt.Errorf("training.beta1 and training.beta2 must be in [0, 1)"))
	}
	if c.Training.BatchSize < 2 {
		errs = append(errs, fmt.Errorf("training.batch_size must be at least 2, got %d", c.Training.BatchSize))
	}
	if c.Training.Epochs < 1 {
		errs = append(errs, fmt.Errorf("training.epochs must be at least 1, got %d", c.Training.Epochs))
	}
	if c.Training.RecordLimit < 2 {
		errs = append(errs, fmt.Errorf("training.record_limit must be at least 2, got %d", c.Training.RecordLimit))
	}
	if c.Training.ImageSize < 1 {
		errs = append(errs, fmt.Errorf("training.image_size must be positive, got %d", c.Training.ImageSize))
	}
	if c.Injection.MinMatches < 0 {
		errs = append(errs, fmt.Errorf("injection.min_matches must not be negative"))
	}
	if c.Store.BusyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store.busy_timeout must be positive"))
	}
	if _, err := compress.Parse(c.Storage.Compression); err != nil {
		errs = append(errs, fmt.Errorf("storage.compression: %w", err))
	}
	if c.Round.MinUpdates < 1 {
		errs = append(errs, fmt.Errorf("round.min_updates must be at least 1, got %d", c.Round.MinUpdates))
	}
	if c.Round.Interval <= 0 {
		errs = append(errs, fmt.Errorf("round.interval must be positive"))
	}

	return errors.Join(errs...)
}

// Normalizer returns the configured name normalizer.
func (c *Config) Normalizer() paramname.Normalizer {
	return paramname.Normalizer{
		Prefixes:       c.Naming.Prefixes,
		WrapperMarkers: c.Naming.WrapperMarkers,
		Suffixes:       c.Naming.Suffixes,
	}
}

// FreezePolicy returns the configured freeze policy. An empty group
// list freezes nothing.
func (c *Config) FreezePolicy() freeze.Policy {
	groups := c.Freeze.Groups
	if groups == nil {
		groups = []string{}
	}
	return freeze.Policy{Groups: groups}
}

// TrainingConfig returns the trainer configuration. Seed zero is
// replaced by one derived from now.
func (c *Config) TrainingConfig(now time.Time) contrastive.Config {
	seed := c.Training.Seed
	if seed == 0 {
		seed = uint64(now.UnixNano())
	}
	return contrastive.Config{
		Temperature:  c.Training.Temperature,
		LearningRate: c.Training.LearningRate,
		Beta1:        c.Training.Beta1,
		Beta2:        c.Training.Beta2,
		Epsilon:      c.Training.Epsilon,
		BatchSize:    c.Training.BatchSize,
		Epochs:       c.Training.Epochs,
		Seed:         seed,
	}
}

// Compression returns the configured compression tag.
func (c *Config) Compression() (compress.Tag, error) {
	return compress.Parse(c.Storage.Compression)
}

// EnsureRoundPaths creates the round directories.
func (c *Config) EnsureRoundPaths() error {
	for _, path := range []string{c.Round.PendingDir, c.Round.ModelsDir, filepath.Dir(c.Round.LiveModel)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
