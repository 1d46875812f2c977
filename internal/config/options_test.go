package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	opts := DefaultOptions()

	assert.Equal(t, 250, opts.BatchSize)
	assert.InDelta(t, 25.0, opts.FullReprocessPercentage, 0.001)
	assert.InDelta(t, 1.0, opts.IncrementalThresholdPercentage, 0.001)
	assert.Equal(t, 1000, opts.MaxIncrementalRecords)
	assert.False(t, opts.RollbackOnPartialFailure)
	assert.InDelta(t, 0.5, opts.RollbackThreshold, 0.001)
	assert.InDelta(t, 0.95, opts.SuccessThreshold, 0.001)
	assert.Equal(t, 30*time.Second, opts.StoreTimeout)
	require.NoError(t, opts.Validate())
}

func TestLoadOptions_MissingFileUsesDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	opts, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestLoadOptions_FileOverridesDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), ".cams.yaml")
	content := []byte("batch_size: 500\nfull_reprocess_percentage: 40\nrollback_on_partial_failure: true\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	opts, err := LoadOptions(path)

	require.NoError(t, err)
	assert.Equal(t, 500, opts.BatchSize)
	assert.InDelta(t, 40.0, opts.FullReprocessPercentage, 0.001)
	assert.True(t, opts.RollbackOnPartialFailure)
	// Untouched fields keep defaults
	assert.Equal(t, 1000, opts.MaxIncrementalRecords)
}

func TestLoadOptions_InvalidYAMLFallsBackToDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), ".cams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: [not, a, number"), 0o600))

	opts, err := LoadOptions(path)

	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestLoadOptions_EnvOverridesFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), ".cams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 500\n"), 0o600))

	t.Setenv("CAMS_BATCH_SIZE", "750")
	t.Setenv("CAMS_SUCCESS_THRESHOLD", "0.9")

	opts, err := LoadOptions(path)

	require.NoError(t, err)
	assert.Equal(t, 750, opts.BatchSize)
	assert.InDelta(t, 0.9, opts.SuccessThreshold, 0.001)
}

func TestLoadOptions_ValidationFailureReturned(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), ".cams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 50000\n"), 0o600))

	_, err := LoadOptions(path)

	assert.ErrorIs(t, err, ErrBatchSizeOutOfRange)
}

func TestOptions_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr error
	}{
		{"batch size zero", func(o *Options) { o.BatchSize = 0 }, ErrBatchSizeOutOfRange},
		{"batch size above max", func(o *Options) { o.BatchSize = MaxBatchSize + 1 }, ErrBatchSizeOutOfRange},
		{"full reprocess percentage negative", func(o *Options) { o.FullReprocessPercentage = -1 }, ErrPercentageOutOfRange},
		{"incremental percentage above 100", func(o *Options) { o.IncrementalThresholdPercentage = 101 }, ErrPercentageOutOfRange},
		{"max incremental zero", func(o *Options) { o.MaxIncrementalRecords = 0 }, ErrMaxIncrementalNotPositive},
		{"rollback threshold above one", func(o *Options) { o.RollbackThreshold = 1.5 }, ErrRatioOutOfRange},
		{"success threshold negative", func(o *Options) { o.SuccessThreshold = -0.1 }, ErrRatioOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(opts)

			assert.ErrorIs(t, opts.Validate(), tt.wantErr)
		})
	}
}

func TestLoadOptionsFromEnv_PathOverride(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 123\n"), 0o600))

	t.Setenv(OptionsPathEnvVar, path)

	opts, err := LoadOptionsFromEnv()

	require.NoError(t, err)
	assert.Equal(t, 123, opts.BatchSize)
}
