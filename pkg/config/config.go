// Package config holds the deploy-time constants shared by the wall server and its clients.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Palette is the set of base colors offered to participants. Arbitrary color strings are also accepted.
var Palette = []string{
	"#000000",
	"#FF0000",
	"#00FF00",
	"#0000FF",
	"#FFFF00",
}

// Config is fixed at deploy time and never negotiated at runtime.
type Config struct {
	GridSize      int           `env:"INKWALL_GRID_SIZE" envDefault:"100"`
	Scale         int           `env:"INKWALL_SCALE" envDefault:"5"`
	MaxInk        int           `env:"INKWALL_MAX_INK" envDefault:"200"`
	RegenInterval time.Duration `env:"INKWALL_REGEN_INTERVAL" envDefault:"5s"`
	RegenAmount   int           `env:"INKWALL_REGEN_AMOUNT" envDefault:"1"`
	BatchDelay    time.Duration `env:"INKWALL_BATCH_DELAY" envDefault:"100ms"`
	PaintCost     int           `env:"INKWALL_PAINT_COST" envDefault:"1"`
}

// Default returns the configuration used when no environment overrides are present.
func Default() Config {
	return Config{
		GridSize:      100,
		Scale:         5,
		MaxInk:        200,
		RegenInterval: 5 * time.Second,
		RegenAmount:   1,
		BatchDelay:    100 * time.Millisecond,
		PaintCost:     1,
	}
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.GridSize <= 0 {
		errs = append(errs, fmt.Errorf("grid size must be positive, got %d", c.GridSize))
	}
	if c.Scale <= 0 {
		errs = append(errs, fmt.Errorf("scale must be positive, got %d", c.Scale))
	}
	if c.MaxInk < 0 {
		errs = append(errs, fmt.Errorf("max ink must not be negative, got %d", c.MaxInk))
	}
	if c.RegenInterval <= 0 {
		errs = append(errs, fmt.Errorf("regeneration interval must be positive, got %s", c.RegenInterval))
	}
	if c.RegenAmount < 0 {
		errs = append(errs, fmt.Errorf("regeneration amount must not be negative, got %d", c.RegenAmount))
	}
	if c.BatchDelay < 0 {
		errs = append(errs, fmt.Errorf("batch delay must not be negative, got %s", c.BatchDelay))
	}
	if c.PaintCost < 0 {
		errs = append(errs, fmt.Errorf("paint cost must not be negative, got %d", c.PaintCost))
	}
	return errors.Join(errs...)
}
