package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/detection"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
)

// Sentinel errors for engine construction and processing.
var (
	// ErrNilStoreClient is returned when the engine is built without a store client.
	ErrNilStoreClient = errors.New("feature store client cannot be nil")

	// ErrNilRunContext is returned when Process is called without a run context.
	ErrNilRunContext = errors.New("run context cannot be nil")

	// ErrStoreUnavailable is returned when consecutive batch fetches fail and
	// the run aborts rather than paging against a down store indefinitely.
	ErrStoreUnavailable = errors.New("feature store unavailable")
)

// maxConsecutiveFetchFailures bounds how many batch fetches may fail in a row
// before the run aborts. A single failed page is skipped and reported; a store
// that keeps failing is down, and the run surfaces that as a run-level error.
const maxConsecutiveFetchFailures = 3

type (
	// BatchResult summarises one processed batch independent of write-back
	// (write-back outcomes belong to the update coordinator).
	BatchResult struct {
		// BatchNumber is the 1-based batch index within the run.
		BatchNumber int

		// RecordsProcessed is how many records this batch attempted.
		RecordsProcessed int

		// SuccessCount and ErrorCount partition the batch by whether an
		// assignment with at least one code was produced.
		SuccessCount int
		ErrorCount   int

		// Errors lists per-record error messages (lookup failures, fetch
		// failures) without aborting the batch.
		Errors []string

		// MethodTally counts assignments by processing method.
		MethodTally map[cams.ProcessingMethod]int
	}

	// Engine computes region/district membership per record. Batching is
	// purely a memory/network bound: batches run sequentially in a fixed
	// deterministic order (ascending object id).
	Engine struct {
		client        featurestore.Client
		targetDataset string
		opts          *config.Options
		logger        *slog.Logger
	}
)

// NewEngine creates a spatial assignment engine over the target dataset.
func NewEngine(client featurestore.Client, targetDataset string, opts *config.Options) (*Engine, error) {
	if client == nil {
		return nil, ErrNilStoreClient
	}

	if opts == nil {
		opts = config.DefaultOptions()
	}

	return &Engine{
		client:        client,
		targetDataset: targetDataset,
		opts:          opts,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Process computes assignments for the records named by the decision: all
// records for full/forced runs, the decision's target ids for incremental
// runs.
//
// A lookup failure for one record never aborts its batch; the record's code is
// left unset and the error is appended to the batch's error list. Batch fetch
// failures are skipped, but maxConsecutiveFetchFailures in a row aborts the
// run with ErrStoreUnavailable and the work completed so far. Cancellation is
// honored at batch boundaries, returning the work completed so far together
// with the context error.
func (e *Engine) Process(
	ctx context.Context,
	runCtx *RunContext,
	decision detection.ProcessingDecision,
) ([]cams.SpatialAssignment, *Metrics, []BatchResult, error) {
	if runCtx == nil {
		return nil, nil, nil, ErrNilRunContext
	}

	metrics := NewMetrics()

	var (
		assignments []cams.SpatialAssignment
		batches     []BatchResult
		err         error
	)

	switch decision.ProcessingType {
	case detection.IncrementalUpdate:
		assignments, batches, err = e.processIncremental(ctx, runCtx, metrics, decision.TargetRecords)
	case detection.FullReprocessing, detection.ForceFullUpdate:
		assignments, batches, err = e.processAll(ctx, runCtx, metrics)
	case detection.NoProcessingNeeded:
		return nil, metrics, nil, nil
	default:
		return nil, metrics, nil, nil
	}

	e.logger.Info("Spatial assignment complete",
		slog.String("run_id", runCtx.RunID),
		slog.Int("assignments", len(assignments)),
		slog.Int("batches", len(batches)),
		slog.Int("cache_entries", runCtx.CacheSize()),
		slog.Float64("cache_hit_rate", metrics.CacheHitRate()),
	)

	return assignments, metrics, batches, err
}

// processAll pages through the whole dataset in batch-size pages.
func (e *Engine) processAll(
	ctx context.Context,
	runCtx *RunContext,
	metrics *Metrics,
) ([]cams.SpatialAssignment, []BatchResult, error) {
	var (
		assignments []cams.SpatialAssignment
		batches     []BatchResult
	)

	offset := 0
	batchNumber := 0
	consecutiveFailures := 0

	for {
		if err := ctx.Err(); err != nil {
			return assignments, batches, fmt.Errorf("cancelled at batch boundary: %w", err)
		}

		records, err := e.client.Query(ctx, featurestore.QuerySpec{
			Dataset:         e.targetDataset,
			IncludeGeometry: true,
			Offset:          offset,
			Limit:           e.opts.BatchSize,
		})

		batchNumber++

		if err != nil {
			// A failed page is reported and skipped, but only up to the cap:
			// a store failing every fetch is down, not flaky.
			batches = append(batches, BatchResult{
				BatchNumber: batchNumber,
				ErrorCount:  1,
				Errors:      []string{fmt.Sprintf("batch fetch failed: %v", err)},
				MethodTally: make(map[cams.ProcessingMethod]int),
			})

			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFetchFailures {
				return assignments, batches, fmt.Errorf(
					"%w: %d consecutive batch fetches failed: %w",
					ErrStoreUnavailable, consecutiveFailures, err)
			}

			offset += e.opts.BatchSize

			continue
		}

		consecutiveFailures = 0

		if len(records) == 0 {
			break
		}

		batchAssignments, batchResult := e.processBatch(ctx, runCtx, metrics, batchNumber, records)
		assignments = append(assignments, batchAssignments...)
		batches = append(batches, batchResult)

		if len(records) < e.opts.BatchSize {
			break
		}

		offset += e.opts.BatchSize
	}

	return assignments, batches, nil
}

// processIncremental fetches the target ids in batch-size chunks.
func (e *Engine) processIncremental(
	ctx context.Context,
	runCtx *RunContext,
	metrics *Metrics,
	targetIDs []int64,
) ([]cams.SpatialAssignment, []BatchResult, error) {
	var (
		assignments []cams.SpatialAssignment
		batches     []BatchResult
	)

	batchNumber := 0
	consecutiveFailures := 0

	for start := 0; start < len(targetIDs); start += e.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return assignments, batches, fmt.Errorf("cancelled at batch boundary: %w", err)
		}

		end := start + e.opts.BatchSize
		if end > len(targetIDs) {
			end = len(targetIDs)
		}

		batchNumber++

		records, err := e.client.Query(ctx, featurestore.QuerySpec{
			Dataset:         e.targetDataset,
			Predicate:       featurestore.Predicate{ObjectIDs: targetIDs[start:end]},
			IncludeGeometry: true,
		})
		if err != nil {
			batches = append(batches, BatchResult{
				BatchNumber: batchNumber,
				ErrorCount:  end - start,
				Errors:      []string{fmt.Sprintf("batch fetch failed: %v", err)},
				MethodTally: make(map[cams.ProcessingMethod]int),
			})

			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFetchFailures {
				return assignments, batches, fmt.Errorf(
					"%w: %d consecutive batch fetches failed: %w",
					ErrStoreUnavailable, consecutiveFailures, err)
			}

			continue
		}

		consecutiveFailures = 0

		batchAssignments, batchResult := e.processBatch(ctx, runCtx, metrics, batchNumber, records)
		assignments = append(assignments, batchAssignments...)
		batches = append(batches, batchResult)
	}

	return assignments, batches, nil
}

// processBatch produces one assignment per record.
func (e *Engine) processBatch(
	ctx context.Context,
	runCtx *RunContext,
	metrics *Metrics,
	batchNumber int,
	records []cams.TargetRecord,
) ([]cams.SpatialAssignment, BatchResult) {
	result := BatchResult{
		BatchNumber: batchNumber,
		MethodTally: make(map[cams.ProcessingMethod]int),
	}

	assignments := make([]cams.SpatialAssignment, 0, len(records))

	for i := range records {
		assignment := e.processRecord(ctx, runCtx, metrics, &records[i], &result)
		assignments = append(assignments, assignment)

		result.RecordsProcessed++
		result.MethodTally[assignment.ProcessingMethod]++

		if assignment.IsSuccessful() {
			result.SuccessCount++
		} else {
			result.ErrorCount++
		}

		metrics.recordAssignment(&assignment)
	}

	return assignments, result
}

// processRecord runs the per-record algorithm: validate geometry, consult the
// cache, perform the two boundary lookups, score, and cache the outcome.
func (e *Engine) processRecord(
	ctx context.Context,
	runCtx *RunContext,
	metrics *Metrics,
	record *cams.TargetRecord,
	batch *BatchResult,
) cams.SpatialAssignment {
	start := time.Now()

	validationStart := time.Now()
	valid := record.Geometry.IsValid()
	metrics.addValidationTime(time.Since(validationStart))

	if !valid {
		return cams.SpatialAssignment{
			ObjectID:            record.ObjectID,
			IntersectionQuality: 0.0,
			ProcessingMethod:    cams.MethodGeometryRepair,
			GeometryValid:       false,
			ProcessingDuration:  time.Since(start),
		}
	}

	// Many records share exact capture coordinates (bulk imports, repeat
	// visits); the cache turns those into a single pair of lookups per run.
	cacheKey, cacheable := record.Geometry.CacheKey()
	if cacheable {
		if codes, hit := runCtx.lookupCache(cacheKey); hit {
			return cams.SpatialAssignment{
				ObjectID:            record.ObjectID,
				RegionCode:          codes.regionCode,
				DistrictCode:        codes.districtCode,
				IntersectionQuality: cams.QualityScore(codes.regionCode, codes.districtCode),
				ProcessingMethod:    cams.MethodCachedIntersection,
				GeometryValid:       true,
				ProcessingDuration:  time.Since(start),
			}
		}
	}

	lookupStart := time.Now()
	regionCode := e.lookupCode(ctx, runCtx.Regions, record, batch, "region")
	districtCode := e.lookupCode(ctx, runCtx.Districts, record, batch, "district")
	metrics.addIntersectionTime(time.Since(lookupStart))
	metrics.addLookups(2)

	method := cams.MethodFullIntersection
	if regionCode == "" && districtCode == "" {
		method = cams.MethodFallbackAssignment
	}

	if cacheable {
		runCtx.storeCache(cacheKey, cachedCodes{regionCode: regionCode, districtCode: districtCode})
	}

	return cams.SpatialAssignment{
		ObjectID:            record.ObjectID,
		RegionCode:          regionCode,
		DistrictCode:        districtCode,
		IntersectionQuality: cams.QualityScore(regionCode, districtCode),
		ProcessingMethod:    method,
		GeometryValid:       true,
		ProcessingDuration:  time.Since(start),
	}
}

// lookupCode performs one intersects query against a boundary dataset and
// returns the first matching feature's code, or "" when nothing intersects or
// the query fails. A failed query is recorded in the batch error list and
// treated as "no intersection" for this record.
func (e *Engine) lookupCode(
	ctx context.Context,
	handle BoundaryHandle,
	record *cams.TargetRecord,
	batch *BatchResult,
	kind string,
) string {
	features, err := e.client.SpatialQuery(ctx, handle.Dataset, record.Geometry, handle.CodeField)
	if err != nil {
		batch.Errors = append(batch.Errors,
			fmt.Sprintf("object %d: %s lookup failed: %v", record.ObjectID, kind, err))

		return ""
	}

	if len(features) == 0 {
		return ""
	}

	return features[0].Code
}
