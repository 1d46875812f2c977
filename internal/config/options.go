package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default pipeline option values. These match the thresholds the weed
// dashboard team has run in production; override via .cams.yaml or ENV.
const (
	DefaultBatchSize                      = 250
	DefaultFullReprocessPercentage        = 25.0
	DefaultIncrementalThresholdPercentage = 1.0
	DefaultMaxIncrementalRecords          = 1000
	DefaultRollbackThreshold              = 0.5
	DefaultSuccessThreshold               = 0.95
	DefaultStoreTimeout                   = 30 * time.Second

	// MinBatchSize and MaxBatchSize bound the records-per-batch option.
	MinBatchSize = 1
	MaxBatchSize = 5000
)

// DefaultOptionsPath is the default location of the options file.
// Hidden-file convention, same as other per-project tool configs.
const DefaultOptionsPath = ".cams.yaml"

// OptionsPathEnvVar overrides the options file location.
const OptionsPathEnvVar = "CAMS_CONFIG_PATH"

// Sentinel errors for option validation.
var (
	// ErrBatchSizeOutOfRange is returned when batch_size is outside [1, 5000].
	ErrBatchSizeOutOfRange = errors.New("batch_size must be between 1 and 5000")

	// ErrPercentageOutOfRange is returned when a percentage option is outside [0, 100].
	ErrPercentageOutOfRange = errors.New("percentage option must be between 0 and 100")

	// ErrRatioOutOfRange is returned when a ratio option is outside [0, 1].
	ErrRatioOutOfRange = errors.New("ratio option must be between 0 and 1")

	// ErrMaxIncrementalNotPositive is returned when max_incremental_records is < 1.
	ErrMaxIncrementalNotPositive = errors.New("max_incremental_records must be positive")
)

// Options holds the pipeline tuning surface: batching, change-detection
// thresholds, rollback policy, and the fail-safe metadata write gate.
//
// Precedence: defaults < .cams.yaml < environment variables.
type Options struct {
	// BatchSize is the number of records per spatial/update batch (1-5000).
	BatchSize int `yaml:"batch_size"`

	// FullReprocessPercentage forces full reprocessing when the change
	// percentage meets or exceeds it.
	FullReprocessPercentage float64 `yaml:"full_reprocess_percentage"`

	// IncrementalThresholdPercentage is the minimum change percentage that
	// triggers incremental processing.
	IncrementalThresholdPercentage float64 `yaml:"incremental_threshold_percentage"`

	// MaxIncrementalRecords caps incremental mode; more modified records than
	// this forces full reprocessing regardless of percentage.
	MaxIncrementalRecords int `yaml:"max_incremental_records"`

	// RollbackOnPartialFailure enables automatic rollback of partially failed
	// update batches.
	RollbackOnPartialFailure bool `yaml:"rollback_on_partial_failure"`

	// RollbackThreshold is the success-rate floor below which rollback triggers.
	RollbackThreshold float64 `yaml:"rollback_threshold"`

	// SuccessThreshold is the minimum run success rate required before run
	// metadata is persisted (the fail-safe write gate).
	SuccessThreshold float64 `yaml:"success_threshold"`

	// StoreTimeout bounds every feature store call (count, query, batch write).
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultOptions returns Options populated with production defaults.
func DefaultOptions() *Options {
	return &Options{
		BatchSize:                      DefaultBatchSize,
		FullReprocessPercentage:        DefaultFullReprocessPercentage,
		IncrementalThresholdPercentage: DefaultIncrementalThresholdPercentage,
		MaxIncrementalRecords:          DefaultMaxIncrementalRecords,
		RollbackOnPartialFailure:       false,
		RollbackThreshold:              DefaultRollbackThreshold,
		SuccessThreshold:               DefaultSuccessThreshold,
		StoreTimeout:                   DefaultStoreTimeout,
	}
}

// LoadOptions loads pipeline options from a YAML file at the given path, then
// applies environment variable overrides.
//
// Behavior:
//   - Missing file is fine: defaults + ENV apply (the file is optional)
//   - Invalid YAML logs a warning and continues with defaults + ENV
//   - Validation failures are returned to the caller (bad explicit settings
//     should stop a run, not silently fall back)
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read options file, continuing with defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, opts); err != nil {
			slog.Warn("Failed to parse options file, continuing with defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))

			opts = DefaultOptions()
		}
	}

	opts.applyEnvOverrides()

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// LoadOptionsFromEnv loads options from the path in CAMS_CONFIG_PATH, falling
// back to ".cams.yaml" in the working directory.
func LoadOptionsFromEnv() (*Options, error) {
	return LoadOptions(GetEnvStr(OptionsPathEnvVar, DefaultOptionsPath))
}

// applyEnvOverrides lets environment variables win over file values, so
// operators can tune a single run without editing the options file.
func (o *Options) applyEnvOverrides() {
	o.BatchSize = GetEnvInt("CAMS_BATCH_SIZE", o.BatchSize)
	o.FullReprocessPercentage = GetEnvFloat64("CAMS_FULL_REPROCESS_PERCENTAGE", o.FullReprocessPercentage)
	o.IncrementalThresholdPercentage = GetEnvFloat64(
		"CAMS_INCREMENTAL_THRESHOLD_PERCENTAGE", o.IncrementalThresholdPercentage,
	)
	o.MaxIncrementalRecords = GetEnvInt("CAMS_MAX_INCREMENTAL_RECORDS", o.MaxIncrementalRecords)
	o.RollbackOnPartialFailure = GetEnvBool("CAMS_ROLLBACK_ON_PARTIAL_FAILURE", o.RollbackOnPartialFailure)
	o.RollbackThreshold = GetEnvFloat64("CAMS_ROLLBACK_THRESHOLD", o.RollbackThreshold)
	o.SuccessThreshold = GetEnvFloat64("CAMS_SUCCESS_THRESHOLD", o.SuccessThreshold)
	o.StoreTimeout = GetEnvDuration("CAMS_STORE_TIMEOUT", o.StoreTimeout)
}

// Validate checks every option against its documented range.
func (o *Options) Validate() error {
	if o.BatchSize < MinBatchSize || o.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: got %d", ErrBatchSizeOutOfRange, o.BatchSize)
	}

	if o.FullReprocessPercentage < 0 || o.FullReprocessPercentage > 100 {
		return fmt.Errorf("%w: full_reprocess_percentage %.2f", ErrPercentageOutOfRange, o.FullReprocessPercentage)
	}

	if o.IncrementalThresholdPercentage < 0 || o.IncrementalThresholdPercentage > 100 {
		return fmt.Errorf(
			"%w: incremental_threshold_percentage %.2f", ErrPercentageOutOfRange, o.IncrementalThresholdPercentage,
		)
	}

	if o.MaxIncrementalRecords < 1 {
		return fmt.Errorf("%w: got %d", ErrMaxIncrementalNotPositive, o.MaxIncrementalRecords)
	}

	if o.RollbackThreshold < 0 || o.RollbackThreshold > 1 {
		return fmt.Errorf("%w: rollback_threshold %.2f", ErrRatioOutOfRange, o.RollbackThreshold)
	}

	if o.SuccessThreshold < 0 || o.SuccessThreshold > 1 {
		return fmt.Errorf("%w: success_threshold %.2f", ErrRatioOutOfRange, o.SuccessThreshold)
	}

	return nil
}
