// Package config loads and checks the settings of an estimation run.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/orijitghosh/flydream/behavr"
	"gopkg.in/yaml.v2"
)

// ErrInvalid is returned by Validate and Load for unusable settings.
var ErrInvalid = errors.New("invalid configuration")

// Database selects an optional SQL result store.
type Database struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// Config holds the settings of one run.  Keys missing from a YAML file keep
// their defaults.
type Config struct {
	Input       string   `yaml:"input,omitempty"`
	Output      string   `yaml:"output,omitempty"`
	Iterations  int      `yaml:"iterations,omitempty"`
	LightHours  float64  `yaml:"light-phase-hours,omitempty"`
	Workers     int      `yaml:"workers,omitempty"`
	MaxAttempts int      `yaml:"max-attempts,omitempty"`
	MaxEMIter   int      `yaml:"max-em-iterations,omitempty"`
	Seed        uint64   `yaml:"seed,omitempty"`
	Subprocess  bool     `yaml:"subprocess,omitempty"`
	Database    Database `yaml:"database,omitempty"`
}

// Default returns the default settings.  Individuals are fitted in worker
// processes unless Subprocess is turned off.
func Default() *Config {
	p := behavr.DefaultParams()
	return &Config{
		Output:      "results",
		Iterations:  p.Iterations,
		LightHours:  p.LightHours,
		Workers:     1,
		MaxAttempts: p.MaxAttempts,
		MaxEMIter:   p.MaxEMIter,
		Seed:        p.Seed,
		Subprocess:  true,
	}
}

// Parse reads YAML settings on top of the defaults.  Unknown keys are an
// error.
func Parse(data []byte) (*Config, error) {

	cfg := Default()

	// Explicit zeros and negative values must reach Validate, so decode
	// into pointers first.
	var raw struct {
		Input      *string   `yaml:"input"`
		Output     *string   `yaml:"output"`
		Iterations *int      `yaml:"iterations"`
		LightHours *float64  `yaml:"light-phase-hours"`
		Workers    *int      `yaml:"workers"`
		MaxAttempt *int      `yaml:"max-attempts"`
		MaxEMIter  *int      `yaml:"max-em-iterations"`
		Seed       *uint64   `yaml:"seed"`
		Subprocess *bool     `yaml:"subprocess"`
		Database   *Database `yaml:"database"`
	}
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if raw.Input != nil {
		cfg.Input = *raw.Input
	}
	if raw.Output != nil {
		cfg.Output = *raw.Output
	}
	if raw.Iterations != nil {
		cfg.Iterations = *raw.Iterations
	}
	if raw.LightHours != nil {
		cfg.LightHours = *raw.LightHours
	}
	if raw.Workers != nil {
		cfg.Workers = *raw.Workers
	}
	if raw.MaxAttempt != nil {
		cfg.MaxAttempts = *raw.MaxAttempt
	}
	if raw.MaxEMIter != nil {
		cfg.MaxEMIter = *raw.MaxEMIter
	}
	if raw.Seed != nil {
		cfg.Seed = *raw.Seed
	}
	if raw.Subprocess != nil {
		cfg.Subprocess = *raw.Subprocess
	}
	if raw.Database != nil {
		cfg.Database = *raw.Database
	}

	return cfg, nil
}

// Load reads a YAML settings file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Params returns the fitting parameters.
func (c *Config) Params() behavr.Params {
	return behavr.Params{
		Iterations:  c.Iterations,
		LightHours:  c.LightHours,
		MaxAttempts: c.MaxAttempts,
		MaxEMIter:   c.MaxEMIter,
		Seed:        c.Seed,
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {

	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalid)
	}

	switch c.Database.Driver {
	case "":
		if c.Database.DSN != "" {
			return fmt.Errorf("%w: database dsn given without a driver", ErrInvalid)
		}
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database driver %s needs a dsn", ErrInvalid, c.Database.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.Database.Driver)
	}

	return nil
}
