// Package config defines the configuration of a whole reconstruction run and reads it from disk.
package config

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/reconstruct/fusion"
	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/registration"
	"go.viam.com/reconstruct/rimage"
	"go.viam.com/reconstruct/rimage/transform"
	"go.viam.com/reconstruct/surface"
	"go.viam.com/reconstruct/utils"
)

// Config aggregates the configuration of every stage of a run.
type Config struct {
	Build rimage.BuildConfig `json:"build"`
	// Intrinsics are the camera parameters shared by every frame of the sequence, if known.
	Intrinsics   *transform.PinholeCameraIntrinsics `json:"intrinsics,omitempty"`
	Registration registration.Config                `json:"registration"`
	Fusion       fusion.Config                      `json:"fusion"`
	Surface      surface.Config                     `json:"surface"`

	// Workers bounds the frames built concurrently. Zero uses utils.ParallelFactor.
	Workers  int    `json:"workers"`
	LogLevel string `json:"log_level"`
	// LogFile, when set, receives a copy of every log line in a size rotated file.
	LogFile string `json:"log_file,omitempty"`
}

// Default returns the configuration every file is decoded over.
func Default() Config {
	return Config{
		Build:        rimage.DefaultBuildConfig(),
		Registration: registration.DefaultConfig(),
		Fusion:       fusion.DefaultConfig(),
		Surface:      surface.DefaultConfig(),
		LogLevel:     "info",
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	var errs []error
	if err := cfg.Build.Validate(); err != nil {
		errs = append(errs, errors.Wrap(err, "build"))
	}
	if cfg.Intrinsics != nil {
		if err := cfg.Intrinsics.CheckValid(); err != nil {
			errs = append(errs, errors.Wrap(err, "intrinsics"))
		}
	}
	// fusion validates the registration settings it carries
	if err := cfg.FusionConfig().Validate(); err != nil {
		errs = append(errs, errors.Wrap(err, "fusion"))
	}
	if err := cfg.Surface.Validate(); err != nil {
		errs = append(errs, errors.Wrap(err, "surface"))
	}
	if cfg.Workers < 0 {
		errs = append(errs, errors.Errorf("workers must not be negative, got %d", cfg.Workers))
	}
	if _, err := cfg.Level(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// FusionConfig returns the fusion settings with the top level registration settings in place.
func (cfg *Config) FusionConfig() fusion.Config {
	out := cfg.Fusion
	out.Registration = cfg.Registration
	return out
}

// WorkerCount resolves Workers to a positive number.
func (cfg *Config) WorkerCount() int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return utils.ParallelFactor
}

// Level parses LogLevel. An empty level is INFO.
func (cfg *Config) Level() (logging.Level, error) {
	if cfg.LogLevel == "" {
		return logging.INFO, nil
	}
	return logging.LevelFromString(cfg.LogLevel)
}

// NewLogger returns a logger named name at the configured level. The returned function closes
// the log file, if any, and must be called once the logger is no longer used.
func (cfg *Config) NewLogger(name string) (logging.Logger, func() error) {
	logger := logging.NewLogger(name)
	if level, err := cfg.Level(); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFile == "" {
		return logger, func() error { return nil }
	}
	appender := logging.NewFileAppender(cfg.LogFile)
	logger.AddAppender(appender)
	return logger, func() error {
		return multierr.Combine(logger.Sync(), appender.Close())
	}
}
