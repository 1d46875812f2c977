package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/assignment"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
)

// ErrNilStoreClient is returned when the coordinator is built without a store client.
var ErrNilStoreClient = errors.New("feature store client cannot be nil")

type (
	// Coordinator applies computed assignments to the store in batches.
	//
	// Design: one bulk IN-fetch and one batched write per batch, never one
	// round trip per record. Individual record failures never abort a batch;
	// whole-batch failures never abort the run — best effort across batches,
	// not all-or-nothing.
	Coordinator struct {
		client   featurestore.Client
		dataset  string
		opts     *config.Options
		validate bool
		metrics  *assignment.Metrics
		logger   *slog.Logger
	}

	// CoordinatorOption configures optional Coordinator behavior.
	CoordinatorOption func(*Coordinator)
)

// WithoutValidationGate disables the structural validation pass that runs
// before each batch's fetch. Enabled by default.
func WithoutValidationGate() CoordinatorOption {
	return func(c *Coordinator) {
		c.validate = false
	}
}

// WithMetrics attaches the run's assignment metrics so write-back wall time
// is accumulated alongside lookup time.
func WithMetrics(m *assignment.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a batch update coordinator for the target dataset.
func NewCoordinator(
	client featurestore.Client,
	dataset string,
	opts *config.Options,
	coordinatorOpts ...CoordinatorOption,
) (*Coordinator, error) {
	if client == nil {
		return nil, ErrNilStoreClient
	}

	if opts == nil {
		opts = config.DefaultOptions()
	}

	coordinator := &Coordinator{
		client:   client,
		dataset:  dataset,
		opts:     opts,
		validate: true,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range coordinatorOpts {
		opt(coordinator)
	}

	return coordinator, nil
}

// Apply writes the assignments back to the store in batch-size groups and
// returns the aggregated result. It never returns an error: every failure is
// recorded in the result, and processing continues with the next batch.
// Cancellation is honored at batch boundaries.
func (c *Coordinator) Apply(ctx context.Context, assignments []cams.SpatialAssignment) SpatialUpdateResult {
	start := time.Now()

	result := SpatialUpdateResult{TotalAttempted: len(assignments)}

	batchNumber := 0

	for offset := 0; offset < len(assignments); offset += c.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("run cancelled before batch %d: %v", batchNumber+1, err))

			break
		}

		end := offset + c.opts.BatchSize
		if end > len(assignments) {
			end = len(assignments)
		}

		batchNumber++

		batch := c.applyBatch(ctx, batchNumber, assignments[offset:end])
		result.Batches = append(result.Batches, batch)
		result.TotalUpdated += batch.UpdatedCount
		result.TotalFailed += batch.FailedCount
		result.Errors = append(result.Errors, batch.Errors...)

		if batch.State == BatchRolledBack {
			result.RollbackOccurred = true
		}
	}

	result.Duration = time.Since(start)

	if c.metrics != nil {
		c.metrics.AddUpdateTime(result.Duration)
	}

	c.logger.Info("Batch update complete",
		slog.Int("attempted", result.TotalAttempted),
		slog.Int("updated", result.TotalUpdated),
		slog.Int("failed", result.TotalFailed),
		slog.Int("batches", len(result.Batches)),
		slog.Bool("rollback_occurred", result.RollbackOccurred),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// applyBatch runs one batch through the lifecycle state machine.
func (c *Coordinator) applyBatch(
	ctx context.Context,
	batchNumber int,
	assignments []cams.SpatialAssignment,
) BatchUpdateResult {
	start := time.Now()

	batch := BatchUpdateResult{BatchNumber: batchNumber, State: BatchPending}

	// Validation gate: a structurally invalid batch is fully failed before
	// any store round trip.
	if c.validate {
		if validationErrors := validateAssignments(assignments); len(validationErrors) > 0 {
			return c.failWholeBatch(batch, assignments, validationErrors, start)
		}
	}

	batch.State = BatchValidated

	// Assignments with no codes are failed without a write attempt.
	writable := make([]cams.SpatialAssignment, 0, len(assignments))

	for i := range assignments {
		if assignments[i].IsSuccessful() {
			writable = append(writable, assignments[i])
		} else {
			batch.FailedCount++
			batch.FailedObjectIDs = append(batch.FailedObjectIDs, assignments[i].ObjectID)
			batch.Errors = append(batch.Errors,
				fmt.Sprintf("object %d: no codes assigned, skipping write", assignments[i].ObjectID))
		}
	}

	if len(writable) == 0 {
		batch.State = BatchFailed
		batch.UpdateDuration = time.Since(start)

		return batch
	}

	// One bulk fetch for the whole batch: a single IN-style query, not one
	// query per record.
	fetched, err := c.fetchCurrent(ctx, writable)
	if err != nil {
		return c.failWholeBatch(batch, assignments, []string{
			fmt.Sprintf("bulk fetch failed: %v", err),
		}, start)
	}

	batch.State = BatchFetched

	updates, missing := mergeAssignments(writable, fetched)

	for _, objectID := range missing {
		batch.FailedCount++
		batch.FailedObjectIDs = append(batch.FailedObjectIDs, objectID)
		batch.Errors = append(batch.Errors,
			fmt.Sprintf("object %d: not returned by bulk fetch, write not attempted", objectID))
	}

	if len(updates) == 0 {
		batch.State = BatchFailed
		batch.UpdateDuration = time.Since(start)

		return batch
	}

	writeResults, err := c.client.BatchWrite(ctx, c.dataset, updates)
	if err != nil {
		// Whole-call failure: nothing committed, so no rollback is needed.
		for _, update := range updates {
			batch.FailedCount++
			batch.FailedObjectIDs = append(batch.FailedObjectIDs, update.ObjectID)
		}

		batch.Errors = append(batch.Errors, fmt.Sprintf("batch write failed: %v", err))
		batch.State = BatchFailed
		batch.UpdateDuration = time.Since(start)

		return batch
	}

	batch.State = BatchWritten

	for _, writeResult := range writeResults {
		if writeResult.Success {
			batch.UpdatedCount++
			batch.SuccessfulObjectIDs = append(batch.SuccessfulObjectIDs, writeResult.ObjectID)
		} else {
			batch.FailedCount++
			batch.FailedObjectIDs = append(batch.FailedObjectIDs, writeResult.ObjectID)
			batch.Errors = append(batch.Errors,
				fmt.Sprintf("object %d: write failed: %s", writeResult.ObjectID, writeResult.Message))
		}
	}

	c.evaluateRollback(ctx, &batch)

	batch.UpdateDuration = time.Since(start)

	return batch
}

// evaluateRollback applies the rollback policy to a written batch:
// rollback fires iff rollback is enabled, at least one record failed, and the
// success rate fell below the configured threshold.
func (c *Coordinator) evaluateRollback(ctx context.Context, batch *BatchUpdateResult) {
	if !c.opts.RollbackOnPartialFailure ||
		batch.FailedCount == 0 ||
		batch.SuccessRate() >= c.opts.RollbackThreshold {
		batch.State = BatchCommitted

		return
	}

	c.logger.Warn("Batch success rate below rollback threshold, reverting updates",
		slog.Int("batch", batch.BatchNumber),
		slog.Float64("success_rate", batch.SuccessRate()),
		slog.Float64("rollback_threshold", c.opts.RollbackThreshold),
		slog.Int("records_to_revert", len(batch.SuccessfulObjectIDs)),
	)

	rollback := c.rollback(ctx, batch.SuccessfulObjectIDs)
	batch.Rollback = &rollback
	batch.State = BatchRolledBack
	batch.Errors = append(batch.Errors, fmt.Sprintf(
		"batch %d rolled back: success rate %.2f below threshold %.2f",
		batch.BatchNumber, batch.SuccessRate(), c.opts.RollbackThreshold,
	))

	// A rolled-back batch contributes no updates; the reverted records are
	// re-counted as failed so the updated+failed invariant holds.
	if rollback.Success {
		batch.FailedCount += batch.UpdatedCount
		batch.FailedObjectIDs = append(batch.FailedObjectIDs, batch.SuccessfulObjectIDs...)
		batch.UpdatedCount = 0
		batch.SuccessfulObjectIDs = nil
	}
}

// rollback resets both assignment fields to null for the given records in one
// batched write. Single attempt: a partial rollback failure is reported for
// manual reconciliation, never retried.
func (c *Coordinator) rollback(ctx context.Context, objectIDs []int64) RollbackResult {
	result := RollbackResult{}

	updates := make([]featurestore.FieldUpdate, len(objectIDs))
	for i, objectID := range objectIDs {
		updates[i] = featurestore.FieldUpdate{
			ObjectID:    objectID,
			SetRegion:   true,
			SetDistrict: true,
		}
	}

	writeResults, err := c.client.BatchWrite(ctx, c.dataset, updates)
	if err != nil {
		result.FailedRollbackCount = len(objectIDs)
		result.Errors = append(result.Errors, fmt.Sprintf("rollback write failed: %v", err))

		return result
	}

	for _, writeResult := range writeResults {
		if writeResult.Success {
			result.RollbackCount++
		} else {
			result.FailedRollbackCount++
			result.Errors = append(result.Errors,
				fmt.Sprintf("object %d: rollback failed: %s", writeResult.ObjectID, writeResult.Message))
		}
	}

	result.Success = result.FailedRollbackCount == 0

	return result
}

// fetchCurrent retrieves the batch's current records with one IN-style query.
func (c *Coordinator) fetchCurrent(
	ctx context.Context,
	writable []cams.SpatialAssignment,
) (map[int64]cams.TargetRecord, error) {
	objectIDs := make([]int64, len(writable))
	for i := range writable {
		objectIDs[i] = writable[i].ObjectID
	}

	records, err := c.client.Query(ctx, featurestore.QuerySpec{
		Dataset:   c.dataset,
		Predicate: featurestore.Predicate{ObjectIDs: objectIDs},
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]cams.TargetRecord, len(records))
	for i := range records {
		byID[records[i].ObjectID] = records[i]
	}

	return byID, nil
}

// failWholeBatch marks every assignment in the batch failed without a write
// attempt (validation gate or fetch failure).
func (c *Coordinator) failWholeBatch(
	batch BatchUpdateResult,
	assignments []cams.SpatialAssignment,
	errs []string,
	start time.Time,
) BatchUpdateResult {
	batch.State = BatchFailed
	batch.UpdatedCount = 0
	batch.FailedCount = len(assignments)
	batch.FailedObjectIDs = batch.FailedObjectIDs[:0]

	for i := range assignments {
		batch.FailedObjectIDs = append(batch.FailedObjectIDs, assignments[i].ObjectID)
	}

	batch.Errors = append(batch.Errors, errs...)
	batch.UpdateDuration = time.Since(start)

	return batch
}

// mergeAssignments builds field updates for fetched records, setting only the
// codes each assignment actually provides (partial updates allowed). Returns
// the updates plus the object ids that were not fetched.
func mergeAssignments(
	writable []cams.SpatialAssignment,
	fetched map[int64]cams.TargetRecord,
) ([]featurestore.FieldUpdate, []int64) {
	updates := make([]featurestore.FieldUpdate, 0, len(writable))

	var missing []int64

	for i := range writable {
		a := &writable[i]

		if _, ok := fetched[a.ObjectID]; !ok {
			missing = append(missing, a.ObjectID)

			continue
		}

		update := featurestore.FieldUpdate{ObjectID: a.ObjectID}

		if a.RegionCode != "" {
			update.SetRegion = true
			update.RegionCode = a.RegionCode
		}

		if a.DistrictCode != "" {
			update.SetDistrict = true
			update.DistrictCode = a.DistrictCode
		}

		updates = append(updates, update)
	}

	return updates, missing
}

// validateAssignments runs the structural validation pass: object ids present,
// quality scores in range, codes well-formed. Returns one message per
// violation.
func validateAssignments(assignments []cams.SpatialAssignment) []string {
	var violations []string

	for i := range assignments {
		if err := assignments[i].Validate(); err != nil {
			violations = append(violations,
				fmt.Sprintf("assignment %d (object %d): %v", i, assignments[i].ObjectID, err))
		}
	}

	return violations
}
