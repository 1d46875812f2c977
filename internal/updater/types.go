// Package updater provides the batch update coordinator that writes computed
// spatial assignments back to the weed store, with partial-failure rollback.
package updater

import (
	"time"
)

type (
	// BatchState tracks one batch through its lifecycle:
	//
	//	PENDING → VALIDATED → FETCHED → WRITTEN → {COMMITTED | ROLLED_BACK}
	//
	// A batch that fails validation, fetch, or write transitions directly to
	// FAILED without entering WRITTEN or ROLLED_BACK.
	BatchState string

	// BatchUpdateResult is the outcome of one update batch.
	BatchUpdateResult struct {
		// BatchNumber is the 1-based batch index within the run.
		BatchNumber int

		// State is the batch's terminal lifecycle state.
		State BatchState

		// UpdatedCount and FailedCount partition the batch's attempted
		// assignments. Their sum always equals the attempted count.
		UpdatedCount int
		FailedCount  int

		// SuccessfulObjectIDs and FailedObjectIDs identify the records behind
		// the two counts.
		SuccessfulObjectIDs []int64
		FailedObjectIDs     []int64

		// Errors lists per-record and batch-level error messages, each
		// carrying the responsible object id where one exists.
		Errors []string

		// UpdateDuration is the wall time for this batch including any
		// rollback.
		UpdateDuration time.Duration

		// Rollback is set when the rollback policy fired for this batch.
		Rollback *RollbackResult
	}

	// RollbackResult reports the single rollback attempt for a batch whose
	// success rate fell below the rollback threshold.
	RollbackResult struct {
		// Success is true when every rolled-back record was reset.
		Success bool

		// RollbackCount is the number of records whose assignment fields were
		// reset to null.
		RollbackCount int

		// FailedRollbackCount is the number of records the rollback could not
		// reset. These require manual reconciliation; rollback is never
		// retried.
		FailedRollbackCount int

		// Errors lists rollback failures.
		Errors []string
	}

	// SpatialUpdateResult aggregates all batches of one run.
	SpatialUpdateResult struct {
		// TotalAttempted is the number of assignments handed to Apply.
		TotalAttempted int

		// TotalUpdated and TotalFailed sum the per-batch partitions. A rolled
		// back batch contributes zero to TotalUpdated.
		TotalUpdated int
		TotalFailed  int

		// Batches holds every batch outcome in processing order.
		Batches []BatchUpdateResult

		// RollbackOccurred is true when any batch was rolled back.
		RollbackOccurred bool

		// Errors aggregates batch-level errors for the run summary.
		Errors []string

		// Duration is the total write-back wall time.
		Duration time.Duration
	}
)

// Batch lifecycle states.
const (
	BatchPending    BatchState = "PENDING"
	BatchValidated  BatchState = "VALIDATED"
	BatchFetched    BatchState = "FETCHED"
	BatchWritten    BatchState = "WRITTEN"
	BatchCommitted  BatchState = "COMMITTED"
	BatchRolledBack BatchState = "ROLLED_BACK"
	BatchFailed     BatchState = "FAILED"
)

// String returns the string representation of the batch state.
func (s BatchState) String() string {
	return string(s)
}

// IsTerminal reports whether the state ends a batch's lifecycle.
func (s BatchState) IsTerminal() bool {
	return s == BatchCommitted || s == BatchRolledBack || s == BatchFailed
}

// SuccessRate returns updated/(updated+failed) for one batch, 0 when nothing
// was attempted.
func (r *BatchUpdateResult) SuccessRate() float64 {
	attempted := r.UpdatedCount + r.FailedCount
	if attempted == 0 {
		return 0
	}

	return float64(r.UpdatedCount) / float64(attempted)
}
