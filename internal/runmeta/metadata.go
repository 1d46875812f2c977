// Package runmeta provides the durable run record and the fail-safe recorder
// that persists it only when a run met the success threshold.
//
// The recorded process timestamp is the baseline the change detector reads on
// the next invocation, which is why persistence is gated: a mostly-failed run
// must not establish a baseline that would cause genuinely-changed records to
// be skipped.
package runmeta

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// ProcessStatus is the terminal status of one pipeline run.
	ProcessStatus string

	// ProcessMetadata is the durable record of one run. The pipeline owns its
	// lifecycle exclusively (create/read/prune); nothing else writes it.
	ProcessMetadata struct {
		// ProcessName and Environment key the metadata series ("most recent
		// run of process X in environment Y").
		ProcessName string
		Environment string

		// RunID is the pipeline run's UUID.
		RunID string

		// ProcessTimestamp is when the run started. It becomes the next run's
		// change-detection baseline.
		ProcessTimestamp time.Time

		// RegionDataset/DistrictDataset identify the boundary datasets used,
		// with their last-modified stamps for audit.
		RegionDataset          string
		RegionDatasetModified  *time.Time
		DistrictDataset        string
		DistrictDatasetModified *time.Time

		// ProcessStatus is Success or Error.
		ProcessStatus ProcessStatus

		// RecordsProcessed and RecordsUpdated drive the fail-safe write gate.
		RecordsProcessed int
		RecordsUpdated   int

		// ProcessingDuration is the run's total wall time.
		ProcessingDuration time.Duration

		// ErrorMessage is non-empty only when ProcessStatus is Error.
		ErrorMessage string

		// Details carries free-form run diagnostics (processing type, cache
		// hit rate, rollback notices).
		Details map[string]interface{}
	}

	// Store is the persistence interface for process metadata. The Postgres
	// implementation lives in internal/storage; a memory implementation in
	// this package serves tests.
	Store interface {
		// Save persists one metadata record.
		Save(ctx context.Context, metadata *ProcessMetadata) error

		// Latest returns the most recent Success-status record for a
		// process/environment, with found=false when none exists.
		Latest(ctx context.Context, processName, environment string) (*ProcessMetadata, bool, error)

		// Prune deletes all but the newest keep records for a
		// process/environment, returning how many were removed.
		Prune(ctx context.Context, processName, environment string, keep int) (int, error)
	}
)

const (
	// StatusSuccess marks a run that completed and met the success threshold.
	StatusSuccess ProcessStatus = "Success"

	// StatusError marks a run that failed.
	StatusError ProcessStatus = "Error"
)

// futureTolerance is how far ahead of the wall clock a process timestamp may
// sit before validation rejects it (clock skew allowance).
const futureTolerance = 5 * time.Minute

// Sentinel errors for metadata validation.
var (
	// ErrNilMetadata indicates a nil metadata record.
	ErrNilMetadata = errors.New("process metadata cannot be nil")

	// ErrProcessNameEmpty indicates a missing process name.
	ErrProcessNameEmpty = errors.New("process name cannot be empty")

	// ErrTimestampZero indicates a missing process timestamp.
	ErrTimestampZero = errors.New("process timestamp cannot be zero")

	// ErrTimestampInFuture indicates a process timestamp beyond the skew tolerance.
	ErrTimestampInFuture = errors.New("process timestamp cannot be in the future")

	// ErrNegativeCount indicates a negative records count.
	ErrNegativeCount = errors.New("record counts cannot be negative")

	// ErrUpdatedExceedsProcessed indicates records_updated > records_processed.
	ErrUpdatedExceedsProcessed = errors.New("records updated cannot exceed records processed")

	// ErrNegativeDuration indicates a negative processing duration.
	ErrNegativeDuration = errors.New("processing duration cannot be negative")

	// ErrStatusInvalid indicates an unknown process status.
	ErrStatusInvalid = errors.New("process status must be Success or Error")

	// ErrErrorMessageWithoutError indicates an error message on a successful run.
	ErrErrorMessageWithoutError = errors.New("error message requires Error status")
)

// IsValid checks if the ProcessStatus is a known value.
func (s ProcessStatus) IsValid() bool {
	return s == StatusSuccess || s == StatusError
}

// String returns the string representation of the process status.
func (s ProcessStatus) String() string {
	return string(s)
}

// Validate performs structural validation before any write:
// non-negative counts, updated <= processed, non-negative duration, timestamp
// sanity, and the error-message/status invariant.
func (m *ProcessMetadata) Validate() error {
	if m == nil {
		return ErrNilMetadata
	}

	if m.ProcessName == "" {
		return ErrProcessNameEmpty
	}

	if m.ProcessTimestamp.IsZero() {
		return ErrTimestampZero
	}

	if m.ProcessTimestamp.After(time.Now().Add(futureTolerance)) {
		return fmt.Errorf("%w: %s", ErrTimestampInFuture, m.ProcessTimestamp.Format(time.RFC3339))
	}

	if m.RecordsProcessed < 0 || m.RecordsUpdated < 0 {
		return fmt.Errorf("%w: processed=%d updated=%d", ErrNegativeCount, m.RecordsProcessed, m.RecordsUpdated)
	}

	if m.RecordsUpdated > m.RecordsProcessed {
		return fmt.Errorf("%w: updated=%d processed=%d", ErrUpdatedExceedsProcessed, m.RecordsUpdated, m.RecordsProcessed)
	}

	if m.ProcessingDuration < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeDuration, m.ProcessingDuration)
	}

	if !m.ProcessStatus.IsValid() {
		return fmt.Errorf("%w: got %q", ErrStatusInvalid, m.ProcessStatus)
	}

	if m.ErrorMessage != "" && m.ProcessStatus != StatusError {
		return ErrErrorMessageWithoutError
	}

	return nil
}

// SuccessRate returns updated/processed, 1 when nothing was processed (an
// empty run is not a failed run).
func (m *ProcessMetadata) SuccessRate() float64 {
	if m.RecordsProcessed == 0 {
		return 1
	}

	return float64(m.RecordsUpdated) / float64(m.RecordsProcessed)
}
