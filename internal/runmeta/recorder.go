package runmeta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
)

// Sentinel errors for recorder construction and writes.
var (
	// ErrNilStore is returned when the recorder is built without a store.
	ErrNilStore = errors.New("metadata store cannot be nil")

	// ErrMetadataWriteFailed wraps store failures during a gated write.
	ErrMetadataWriteFailed = errors.New("process metadata write failed")
)

// DefaultRetainedRuns is how many metadata rows are kept per
// process/environment after a successful write.
const DefaultRetainedRuns = 50

type (
	// Recorder validates run metadata and persists it through the fail-safe
	// write gate. It also answers the change detector's baseline query,
	// closing the loop between runs.
	Recorder struct {
		store        Store
		processName  string
		environment  string
		threshold    float64
		retainedRuns int
		logger       *slog.Logger
	}

	// RecorderOption configures optional Recorder behavior.
	RecorderOption func(*Recorder)
)

// WithRetainedRuns overrides how many metadata rows pruning keeps.
func WithRetainedRuns(keep int) RecorderOption {
	return func(r *Recorder) {
		if keep > 0 {
			r.retainedRuns = keep
		}
	}
}

// NewRecorder creates a recorder for one process/environment series.
// threshold is the minimum run success rate required before metadata is
// persisted (spec default 0.95).
func NewRecorder(
	store Store,
	processName, environment string,
	threshold float64,
	opts ...RecorderOption,
) (*Recorder, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if processName == "" {
		return nil, ErrProcessNameEmpty
	}

	recorder := &Recorder{
		store:        store,
		processName:  processName,
		environment:  environment,
		threshold:    threshold,
		retainedRuns: DefaultRetainedRuns,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(recorder)
	}

	return recorder, nil
}

// Create assembles a ProcessMetadata record for the run. The record is not
// persisted; pass it to WriteOnSuccess.
func (r *Recorder) Create(
	runID string,
	started time.Time,
	status ProcessStatus,
	recordsProcessed, recordsUpdated int,
	errorMessage string,
	details map[string]interface{},
) *ProcessMetadata {
	if details == nil {
		details = make(map[string]interface{})
	}

	return &ProcessMetadata{
		ProcessName:        r.processName,
		Environment:        r.environment,
		RunID:              runID,
		ProcessTimestamp:   started,
		ProcessStatus:      status,
		RecordsProcessed:   recordsProcessed,
		RecordsUpdated:     recordsUpdated,
		ProcessingDuration: time.Since(started),
		ErrorMessage:       errorMessage,
		Details:            details,
	}
}

// WriteOnSuccess persists the metadata only when the run met the success
// threshold. Returns written=true when the record was persisted.
//
// Below-threshold runs are logged and skipped: persisting them would advance
// the change-detection baseline past records the failed run never updated.
// Validation violations block the write the same way.
func (r *Recorder) WriteOnSuccess(ctx context.Context, metadata *ProcessMetadata) (bool, error) {
	if metadata == nil {
		return false, ErrNilMetadata
	}

	if err := metadata.Validate(); err != nil {
		r.logger.Warn("Process metadata failed validation, write skipped",
			slog.String("process", r.processName),
			slog.String("run_id", metadata.RunID),
			slog.String("error", err.Error()),
		)

		return false, err
	}

	successRate := metadata.SuccessRate()
	if successRate < r.threshold {
		r.logger.Warn("Run below success threshold, metadata write skipped",
			slog.String("process", r.processName),
			slog.String("run_id", metadata.RunID),
			slog.Float64("success_rate", successRate),
			slog.Float64("threshold", r.threshold),
			slog.Int("records_processed", metadata.RecordsProcessed),
			slog.Int("records_updated", metadata.RecordsUpdated),
		)

		return false, nil
	}

	if err := r.store.Save(ctx, metadata); err != nil {
		return false, fmt.Errorf("%w: %w", ErrMetadataWriteFailed, err)
	}

	r.logger.Info("Process metadata recorded",
		slog.String("process", r.processName),
		slog.String("run_id", metadata.RunID),
		slog.Time("process_timestamp", metadata.ProcessTimestamp),
		slog.Float64("success_rate", successRate),
	)

	// Retention is best effort: a failed prune never fails the run.
	if removed, err := r.store.Prune(ctx, r.processName, r.environment, r.retainedRuns); err != nil {
		r.logger.Warn("Metadata pruning failed",
			slog.String("process", r.processName),
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		r.logger.Debug("Pruned old metadata records",
			slog.String("process", r.processName),
			slog.Int("removed", removed),
		)
	}

	return true, nil
}

// ProcessName returns the metadata series' process name.
func (r *Recorder) ProcessName() string {
	return r.processName
}

// Environment returns the metadata series' environment.
func (r *Recorder) Environment() string {
	return r.environment
}

// LastSuccessfulRun returns the baseline timestamp for change detection: the
// process timestamp of the most recent successful metadata record. Satisfies
// detection.BaselineSource.
func (r *Recorder) LastSuccessfulRun(ctx context.Context) (time.Time, bool, error) {
	metadata, found, err := r.store.Latest(ctx, r.processName, r.environment)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest metadata lookup: %w", err)
	}

	if !found {
		return time.Time{}, false, nil
	}

	return metadata.ProcessTimestamp, true, nil
}
