// Package detection provides the change-detection decision engine that decides
// whether a pipeline run reprocesses everything, only changed records, or
// nothing at all.
package detection

import (
	"context"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
)

type (
	// ProcessingType is the change detector's recommendation for a run.
	ProcessingType string

	// ChangeDetectionResult captures the raw comparison between the current
	// store state and the last successful run. Ephemeral: computed and
	// consumed within one run.
	ChangeDetectionResult struct {
		// TotalRecords is the count of all target records.
		TotalRecords int

		// ModifiedRecords is the count of records edited after the baseline.
		ModifiedRecords int

		// ChangePercentage is ModifiedRecords/TotalRecords*100, rounded to
		// two decimals and clamped to [0, 100]. Zero when TotalRecords is 0.
		ChangePercentage float64

		// Recommendation is the processing type derived from the thresholds.
		Recommendation ProcessingType

		// Details carries free-form diagnostics (modified-id sample, error
		// flag) for the run log and metadata record.
		Details map[string]interface{}
	}

	// ProcessingDecision is the actionable output of change detection,
	// consumed by the spatial assignment engine.
	ProcessingDecision struct {
		// ProcessingType selects the run mode.
		ProcessingType ProcessingType

		// TargetRecords lists the object ids to reprocess in incremental
		// mode: deduplicated, ordered, and bounded at MaxTargetRecords.
		// Empty for full and no-op runs.
		TargetRecords []int64

		// ChangeThresholdMet is true when the change percentage reached the
		// incremental threshold.
		ChangeThresholdMet bool

		// FullReprocessRequired is true for full and forced-full runs.
		FullReprocessRequired bool

		// IncrementalFilters holds the query constraints incremental mode
		// uses to fetch its records. Nil outside incremental mode.
		IncrementalFilters *featurestore.Predicate

		// Reasoning is a human-readable audit string explaining the decision.
		Reasoning string

		// EstimatedProcessingTime is a rough planning figure derived from the
		// record count; it carries no guarantee.
		EstimatedProcessingTime time.Duration
	}

	// BaselineSource supplies the last successful run's timestamp. The run
	// metadata store satisfies this.
	BaselineSource interface {
		// LastSuccessfulRun returns the baseline timestamp, with found=false
		// when no run has ever been recorded.
		LastSuccessfulRun(ctx context.Context) (baseline time.Time, found bool, err error)
	}
)

const (
	// FullReprocessing recommends reprocessing every target record.
	FullReprocessing ProcessingType = "FULL_REPROCESSING"

	// IncrementalUpdate recommends reprocessing only the modified records.
	IncrementalUpdate ProcessingType = "INCREMENTAL_UPDATE"

	// NoProcessingNeeded recommends skipping the run entirely.
	NoProcessingNeeded ProcessingType = "NO_PROCESSING_NEEDED"

	// ForceFullUpdate is the fail-open-to-safety fallback when change
	// detection itself errors: reprocess everything rather than risk
	// silently skipping changes.
	ForceFullUpdate ProcessingType = "FORCE_FULL_UPDATE"
)

// MaxTargetRecords bounds the decision's target id list. Runs needing more
// records than this are forced to full reprocessing upstream of the bound.
const MaxTargetRecords = 10000

// String returns the string representation of the processing type.
func (t ProcessingType) String() string {
	return string(t)
}

// RequiresProcessing reports whether the recommendation implies work.
func (t ProcessingType) RequiresProcessing() bool {
	return t != NoProcessingNeeded
}
