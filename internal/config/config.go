// Package config holds the run configuration for the training driver.
//
// A Config is built once at startup (from flags) and passed by pointer into the
// trainer and data loaders; it is never mutated after that.
package config

import (
	"github.com/pkg/errors"
)

// Config are the scalar parameters of one training run.
type Config struct {
	// ModelName is used to name the monitoring log directory.
	ModelName string

	// Width of the (square) input images, in pixels. Samples are resized to Width x Width.
	Width int

	BatchSize int

	// Workers is the number of parallel data-loading workers per loader.
	Workers int

	// Epochs to run in this invocation, on top of any resumed epochs.
	Epochs int

	LearnRate float64

	// Accel requests the accelerated (PJRT/XLA) backend. The effective value also
	// requires the backend to be available at runtime.
	Accel bool

	// CheckpointEvery saves a checkpoint after every n-th epoch.
	CheckpointEvery int

	// PrintEvery prints a progress line every n-th batch of an epoch, batch 0 included.
	PrintEvery int

	// ValidFraction of the dataset held out for cross-validation.
	ValidFraction float64

	// Seed for the dataset split and the per-epoch batch shuffling.
	Seed int64

	DataDir       string
	CheckpointDir string
	LogDir        string

	// DumpGraph enables the off-by-default model graph dump on a fresh run.
	DumpGraph bool
}

// Default returns the configuration used when no flag overrides it.
func Default() Config {
	return Config{
		ModelName:       "unet",
		Width:           256,
		BatchSize:       10,
		Workers:         4,
		Epochs:          30,
		LearnRate:       1e-4,
		Accel:           true,
		CheckpointEvery: 10,
		PrintEvery:      10,
		ValidFraction:   0.1,
		Seed:            42,
		DataDir:         "data/stage1_train",
		CheckpointDir:   "checkpoint",
		LogDir:          "logs",
	}
}

// Validate returns an error for impossible runs, before any expensive setup.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("number of epochs must be > 0, got %d", c.Epochs)
	}
	if c.Width <= 0 {
		return errors.Errorf("width must be > 0, got %d", c.Width)
	}
	if c.Workers < 1 {
		return errors.Errorf("at least one data-loading worker is required, got %d", c.Workers)
	}
	if c.CheckpointEvery <= 0 {
		return errors.Errorf("checkpoint interval must be > 0, got %d", c.CheckpointEvery)
	}
	if c.PrintEvery <= 0 {
		return errors.Errorf("print frequency must be > 0, got %d", c.PrintEvery)
	}
	if c.ValidFraction <= 0 || c.ValidFraction >= 1 {
		return errors.Errorf("validation fraction must be in (0, 1), got %g", c.ValidFraction)
	}
	return nil
}
