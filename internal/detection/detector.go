package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
)

// Sentinel errors for detector construction.
var (
	// ErrNilClient is returned when the detector is built without a store client.
	ErrNilClient = errors.New("feature store client cannot be nil")

	// ErrNilBaselineSource is returned when the detector is built without a baseline source.
	ErrNilBaselineSource = errors.New("baseline source cannot be nil")
)

// perRecordEstimate is the planning cost per record used for
// EstimatedProcessingTime: two boundary lookups plus the share of a bulk
// fetch/write. Observed production runs average around this figure.
const perRecordEstimate = 50 * time.Millisecond

// modifiedIDSampleSize is how many modified ids the diagnostic details carry.
const modifiedIDSampleSize = 10

// Detector compares current record-store state against the last recorded run
// and produces a ProcessingDecision.
//
// Decide is read-only and never propagates errors: every failure is converted
// into a ForceFullUpdate decision with the error captured in Reasoning, so the
// pipeline falls back to the safest (most expensive) choice instead of
// crashing or silently skipping.
type Detector struct {
	client   featurestore.Client
	baseline BaselineSource
	dataset  string
	opts     *config.Options
	logger   *slog.Logger
}

// NewDetector creates a change detector over the given target dataset.
func NewDetector(
	client featurestore.Client,
	baseline BaselineSource,
	dataset string,
	opts *config.Options,
) (*Detector, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if baseline == nil {
		return nil, ErrNilBaselineSource
	}

	if opts == nil {
		opts = config.DefaultOptions()
	}

	return &Detector{
		client:   client,
		baseline: baseline,
		dataset:  dataset,
		opts:     opts,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Decide runs change detection and returns the processing decision.
//
// Threshold cascade (in order):
//  1. no baseline            → FullReprocessing (first run)
//  2. zero modified records  → NoProcessingNeeded
//  3. change% >= full reprocess percentage → FullReprocessing
//  4. modified > max incremental records   → FullReprocessing
//     (protects against pathological many-small-edits runs)
//  5. change% >= incremental threshold     → IncrementalUpdate
//  6. otherwise              → NoProcessingNeeded
//
// Any store or baseline error produces ForceFullUpdate rather than an error.
func (d *Detector) Decide(ctx context.Context) ProcessingDecision {
	baseline, found, err := d.baseline.LastSuccessfulRun(ctx)
	if err != nil {
		return d.forceFullUpdate(fmt.Sprintf("baseline lookup failed: %v", err))
	}

	if !found {
		d.logger.Info("No previous run metadata found, treating as first run",
			slog.String("dataset", d.dataset))

		return ProcessingDecision{
			ProcessingType:        FullReprocessing,
			FullReprocessRequired: true,
			Reasoning:             "first run: no previous process metadata exists",
		}
	}

	result := d.detectChanges(ctx, baseline)
	if errFlag, ok := result.Details["error"].(string); ok {
		return d.forceFullUpdate(errFlag)
	}

	decision := d.buildDecision(ctx, &result, baseline)

	d.logger.Info("Change detection complete",
		slog.Int("total_records", result.TotalRecords),
		slog.Int("modified_records", result.ModifiedRecords),
		slog.Float64("change_percentage", result.ChangePercentage),
		slog.String("recommendation", result.Recommendation.String()),
		slog.String("reasoning", decision.Reasoning),
		slog.Any("details", result.Details),
	)

	return decision
}

// detectChanges queries total and modified counts and computes the change
// percentage. Errors are recorded in Details["error"] instead of returned.
func (d *Detector) detectChanges(ctx context.Context, baseline time.Time) ChangeDetectionResult {
	result := ChangeDetectionResult{Details: make(map[string]interface{})}

	total, err := d.client.Count(ctx, d.dataset, featurestore.Predicate{})
	if err != nil {
		result.Details["error"] = fmt.Sprintf("total record count failed: %v", err)

		return result
	}

	modified, err := d.client.Count(ctx, d.dataset, featurestore.Predicate{EditedAfter: &baseline})
	if err != nil {
		result.Details["error"] = fmt.Sprintf("modified record count failed: %v", err)

		return result
	}

	result.TotalRecords = total
	result.ModifiedRecords = modified
	result.ChangePercentage = changePercentage(modified, total)
	result.Details["baseline"] = baseline.UTC().Format(time.RFC3339)

	return result
}

// buildDecision applies the threshold cascade to a detection result, stamping
// the result's Recommendation and, for incremental runs, its modified-id
// sample along the way.
func (d *Detector) buildDecision(
	ctx context.Context,
	result *ChangeDetectionResult,
	baseline time.Time,
) ProcessingDecision {
	var decision ProcessingDecision

	switch {
	case result.ModifiedRecords == 0:
		decision = ProcessingDecision{
			ProcessingType: NoProcessingNeeded,
			Reasoning:      "no records modified since last successful run",
		}

	case result.ChangePercentage >= d.opts.FullReprocessPercentage:
		decision = ProcessingDecision{
			ProcessingType:        FullReprocessing,
			ChangeThresholdMet:    true,
			FullReprocessRequired: true,
			Reasoning: fmt.Sprintf(
				"change percentage %.2f%% meets full reprocess threshold %.2f%%",
				result.ChangePercentage, d.opts.FullReprocessPercentage,
			),
			EstimatedProcessingTime: estimateDuration(result.TotalRecords),
		}

	case result.ModifiedRecords > d.opts.MaxIncrementalRecords:
		decision = ProcessingDecision{
			ProcessingType:        FullReprocessing,
			ChangeThresholdMet:    true,
			FullReprocessRequired: true,
			Reasoning: fmt.Sprintf(
				"%d modified records exceed incremental cap %d",
				result.ModifiedRecords, d.opts.MaxIncrementalRecords,
			),
			EstimatedProcessingTime: estimateDuration(result.TotalRecords),
		}

	case result.ChangePercentage >= d.opts.IncrementalThresholdPercentage:
		targets, err := d.fetchModifiedIDs(ctx, baseline)
		if err != nil {
			decision = d.forceFullUpdate(fmt.Sprintf("modified record id query failed: %v", err))

			break
		}

		SampleModifiedIDs(result, targets)

		decision = ProcessingDecision{
			ProcessingType:     IncrementalUpdate,
			TargetRecords:      targets,
			ChangeThresholdMet: true,
			IncrementalFilters: &featurestore.Predicate{EditedAfter: &baseline},
			Reasoning: fmt.Sprintf(
				"change percentage %.2f%% meets incremental threshold %.2f%% (%d records)",
				result.ChangePercentage, d.opts.IncrementalThresholdPercentage, len(targets),
			),
			EstimatedProcessingTime: estimateDuration(len(targets)),
		}

	default:
		decision = ProcessingDecision{
			ProcessingType: NoProcessingNeeded,
			Reasoning: fmt.Sprintf(
				"change percentage %.2f%% below incremental threshold %.2f%%",
				result.ChangePercentage, d.opts.IncrementalThresholdPercentage,
			),
		}
	}

	result.Recommendation = decision.ProcessingType

	return decision
}

// fetchModifiedIDs queries the ids of records modified since the baseline,
// deduplicated, ordered, and bounded at the incremental cap.
func (d *Detector) fetchModifiedIDs(ctx context.Context, baseline time.Time) ([]int64, error) {
	limit := d.opts.MaxIncrementalRecords
	if limit > MaxTargetRecords {
		limit = MaxTargetRecords
	}

	records, err := d.client.Query(ctx, featurestore.QuerySpec{
		Dataset:   d.dataset,
		Predicate: featurestore.Predicate{EditedAfter: &baseline},
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(records))
	ids := make([]int64, 0, len(records))

	for _, record := range records {
		if record.ObjectID < 1 || seen[record.ObjectID] {
			continue
		}

		seen[record.ObjectID] = true
		ids = append(ids, record.ObjectID)
	}

	return ids, nil
}

// forceFullUpdate is the fail-open-to-safety decision for detection errors.
func (d *Detector) forceFullUpdate(reason string) ProcessingDecision {
	d.logger.Warn("Change detection failed, forcing full update",
		slog.String("dataset", d.dataset),
		slog.String("reason", reason),
	)

	return ProcessingDecision{
		ProcessingType:        ForceFullUpdate,
		FullReprocessRequired: true,
		Reasoning:             "change detection error, forcing full update: " + reason,
	}
}

// SampleModifiedIDs copies up to modifiedIDSampleSize ids into the
// diagnostics map of a detection result.
func SampleModifiedIDs(result *ChangeDetectionResult, ids []int64) {
	if result.Details == nil {
		result.Details = make(map[string]interface{})
	}

	sample := ids
	if len(sample) > modifiedIDSampleSize {
		sample = sample[:modifiedIDSampleSize]
	}

	result.Details["modified_id_sample"] = append([]int64(nil), sample...)
}

// changePercentage computes modified/total*100 rounded to two decimals and
// clamped to [0, 100]. Returns 0 when total is 0.
func changePercentage(modified, total int) float64 {
	if total <= 0 {
		return 0
	}

	pct := float64(modified) / float64(total) * 100
	pct = math.Round(pct*100) / 100

	if pct < 0 {
		return 0
	}

	if pct > 100 {
		return 100
	}

	return pct
}

// estimateDuration converts a record count into a rough planning duration.
func estimateDuration(records int) time.Duration {
	return time.Duration(records) * perRecordEstimate
}
