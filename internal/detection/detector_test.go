package detection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
)

const testDataset = "weed_locations"

// fixedBaseline is a BaselineSource returning a fixed timestamp or error.
type fixedBaseline struct {
	at    time.Time
	found bool
	err   error
}

func (b *fixedBaseline) LastSuccessfulRun(_ context.Context) (time.Time, bool, error) {
	return b.at, b.found, b.err
}

// seedRecords inserts total records, the first modified of them edited after
// the baseline and the remainder before it.
func seedRecords(store *featurestore.InMemoryStore, baseline time.Time, total, modified int) {
	for i := 1; i <= total; i++ {
		edited := baseline.Add(-time.Hour)
		if i <= modified {
			edited = baseline.Add(time.Hour)
		}

		store.PutRecord(testDataset, cams.TargetRecord{
			ObjectID:      int64(i),
			EditTimestamp: &edited,
		})
	}
}

func newTestDetector(t *testing.T, store *featurestore.InMemoryStore, baseline BaselineSource) *Detector {
	t.Helper()

	detector, err := NewDetector(store, baseline, testDataset, config.DefaultOptions())
	require.NoError(t, err)

	return detector
}

func TestDetector_FirstRunForcesFullReprocessing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detector := newTestDetector(t, featurestore.NewInMemoryStore(), &fixedBaseline{found: false})

	decision := detector.Decide(t.Context())

	assert.Equal(t, FullReprocessing, decision.ProcessingType)
	assert.True(t, decision.FullReprocessRequired)
}

func TestDetector_NoModifiedRecordsNeedsNoProcessing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := featurestore.NewInMemoryStore()
	seedRecords(store, baseline, 100, 0)

	detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

	decision := detector.Decide(t.Context())

	assert.Equal(t, NoProcessingNeeded, decision.ProcessingType)
	assert.False(t, decision.ProcessingType.RequiresProcessing())
}

func TestDetector_HighChangePercentageForcesFullReprocessing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// 30 of 100 records modified: 30% is above the 25% full reprocess default.
	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := featurestore.NewInMemoryStore()
	seedRecords(store, baseline, 100, 30)

	detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

	decision := detector.Decide(t.Context())

	assert.Equal(t, FullReprocessing, decision.ProcessingType)
	assert.True(t, decision.ChangeThresholdMet)
}

func TestDetector_IncrementalCapForcesFullReprocessing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// 1100 of 10000 modified: 11% is between the thresholds, but the count
	// exceeds the 1000-record incremental cap.
	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := featurestore.NewInMemoryStore()
	seedRecords(store, baseline, 10000, 1100)

	detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

	decision := detector.Decide(t.Context())

	assert.Equal(t, FullReprocessing, decision.ProcessingType)
	assert.Empty(t, decision.TargetRecords)
}

func TestDetector_ModerateChangeRunsIncremental(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// 75 of 5000 records modified: 1.5% crosses the 1% incremental threshold.
	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := featurestore.NewInMemoryStore()
	seedRecords(store, baseline, 5000, 75)

	detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

	decision := detector.Decide(t.Context())

	assert.Equal(t, IncrementalUpdate, decision.ProcessingType)
	assert.Len(t, decision.TargetRecords, 75)
	require.NotNil(t, decision.IncrementalFilters)
	require.NotNil(t, decision.IncrementalFilters.EditedAfter)
	assert.True(t, decision.IncrementalFilters.EditedAfter.Equal(baseline))

	// Ids are deduplicated and ordered.
	for i := 1; i < len(decision.TargetRecords); i++ {
		assert.Greater(t, decision.TargetRecords[i], decision.TargetRecords[i-1])
	}
}

func TestDetector_TinyChangeBelowThresholdSkipsProcessing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// 3 of 1000 records modified: 0.3% sits below the 1% incremental threshold.
	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := featurestore.NewInMemoryStore()
	seedRecords(store, baseline, 1000, 3)

	detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

	decision := detector.Decide(t.Context())

	assert.Equal(t, NoProcessingNeeded, decision.ProcessingType)
}

func TestDetector_BaselineErrorFailsOpenToForceFullUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detector := newTestDetector(t, featurestore.NewInMemoryStore(), &fixedBaseline{err: errors.New("metadata table gone")})

	decision := detector.Decide(t.Context())

	assert.Equal(t, ForceFullUpdate, decision.ProcessingType)
	assert.True(t, decision.FullReprocessRequired)
	assert.True(t, decision.ProcessingType.RequiresProcessing())
}

func TestDetector_CountErrorFailsOpenToForceFullUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := featurestore.NewInMemoryStore()
	store.CountErr = errors.New("store timeout")

	detector := newTestDetector(t, store, &fixedBaseline{at: time.Now(), found: true})

	decision := detector.Decide(t.Context())

	assert.Equal(t, ForceFullUpdate, decision.ProcessingType)
}

func TestChangePercentage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		modified int
		total    int
		want     float64
	}{
		{0, 100, 0},
		{30, 100, 30},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{5, 0, 0},
		{200, 100, 100}, // clamped
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.modified, tt.total), func(t *testing.T) {
			got := changePercentage(tt.modified, tt.total)

			assert.InDelta(t, tt.want, got, 0.001)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		})
	}
}

func TestDetector_ResultCarriesRecommendationAndSample(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("incremental run samples modified ids", func(t *testing.T) {
		store := featurestore.NewInMemoryStore()
		seedRecords(store, baseline, 5000, 75)

		detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

		result := detector.detectChanges(t.Context(), baseline)
		decision := detector.buildDecision(t.Context(), &result, baseline)

		assert.Equal(t, IncrementalUpdate, decision.ProcessingType)
		assert.Equal(t, IncrementalUpdate, result.Recommendation)

		sample, ok := result.Details["modified_id_sample"].([]int64)
		require.True(t, ok)
		assert.Len(t, sample, modifiedIDSampleSize)
		assert.Subset(t, decision.TargetRecords, sample)
	})

	t.Run("full run carries no sample", func(t *testing.T) {
		store := featurestore.NewInMemoryStore()
		seedRecords(store, baseline, 100, 30)

		detector := newTestDetector(t, store, &fixedBaseline{at: baseline, found: true})

		result := detector.detectChanges(t.Context(), baseline)
		decision := detector.buildDecision(t.Context(), &result, baseline)

		assert.Equal(t, FullReprocessing, decision.ProcessingType)
		assert.Equal(t, FullReprocessing, result.Recommendation)
		assert.NotContains(t, result.Details, "modified_id_sample")
	})
}

func TestSampleModifiedIDs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	result := &ChangeDetectionResult{}
	ids := make([]int64, 25)

	for i := range ids {
		ids[i] = int64(i + 1)
	}

	SampleModifiedIDs(result, ids)

	sample, ok := result.Details["modified_id_sample"].([]int64)
	require.True(t, ok)
	assert.Len(t, sample, modifiedIDSampleSize)
}
