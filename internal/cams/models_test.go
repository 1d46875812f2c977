package cams

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetRecord_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now()

	valid := TargetRecord{
		ObjectID:      42,
		GlobalID:      uuid.NewString(),
		RegionCode:    "AK",
		DistrictCode:  "AKL01",
		EditTimestamp: &now,
	}

	t.Run("valid record", func(t *testing.T) {
		require.NoError(t, valid.Validate())
	})

	t.Run("object id below one", func(t *testing.T) {
		record := valid
		record.ObjectID = 0

		assert.ErrorIs(t, record.Validate(), ErrObjectIDInvalid)
	})

	t.Run("global id not a uuid", func(t *testing.T) {
		record := valid
		record.GlobalID = "not-a-uuid"

		assert.ErrorIs(t, record.Validate(), ErrGlobalIDInvalid)
	})

	t.Run("empty global id allowed", func(t *testing.T) {
		record := valid
		record.GlobalID = ""

		assert.NoError(t, record.Validate())
	})

	t.Run("region code wrong length", func(t *testing.T) {
		record := valid
		record.RegionCode = "AKL"

		assert.ErrorIs(t, record.Validate(), ErrRegionCodeInvalid)
	})

	t.Run("district code with punctuation", func(t *testing.T) {
		record := valid
		record.DistrictCode = "AK-01"

		assert.ErrorIs(t, record.Validate(), ErrDistrictCodeInvalid)
	})

	t.Run("unassigned codes allowed", func(t *testing.T) {
		record := valid
		record.RegionCode = ""
		record.DistrictCode = ""

		assert.NoError(t, record.Validate())
	})
}

func TestSpatialAssignment_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := SpatialAssignment{
		ObjectID:            7,
		RegionCode:          "WK",
		DistrictCode:        "WKO03",
		IntersectionQuality: 1.0,
		ProcessingMethod:    MethodFullIntersection,
		GeometryValid:       true,
	}

	t.Run("valid assignment", func(t *testing.T) {
		require.NoError(t, valid.Validate())
	})

	t.Run("quality above one", func(t *testing.T) {
		a := valid
		a.IntersectionQuality = 1.5

		assert.ErrorIs(t, a.Validate(), ErrQualityOutOfRange)
	})

	t.Run("quality below zero", func(t *testing.T) {
		a := valid
		a.IntersectionQuality = -0.1

		assert.ErrorIs(t, a.Validate(), ErrQualityOutOfRange)
	})

	t.Run("unknown processing method", func(t *testing.T) {
		a := valid
		a.ProcessingMethod = ProcessingMethod("GUESSWORK")

		assert.ErrorIs(t, a.Validate(), ErrProcessingMethodInvalid)
	})
}

func TestSpatialAssignment_AssignmentStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name         string
		regionCode   string
		districtCode string
		want         string
		successful   bool
	}{
		{"both codes", "AK", "AKL01", StatusBothAssigned, true},
		{"region only", "AK", "", StatusRegionOnly, true},
		{"district only", "", "AKL01", StatusDistrictOnly, true},
		{"neither", "", "", StatusNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := SpatialAssignment{RegionCode: tt.regionCode, DistrictCode: tt.districtCode}

			assert.Equal(t, tt.want, a.AssignmentStatus())
			assert.Equal(t, tt.successful, a.IsSuccessful())
		})
	}
}

func TestQualityScore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.InDelta(t, 1.0, QualityScore("AK", "AKL01"), 0.001)
	assert.InDelta(t, 0.5, QualityScore("AK", ""), 0.001)
	assert.InDelta(t, 0.5, QualityScore("", "AKL01"), 0.001)
	assert.InDelta(t, 0.0, QualityScore("", ""), 0.001)
}

func TestProcessingMethod_IsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, method := range ValidProcessingMethods() {
		assert.True(t, method.IsValid(), method.String())
	}

	assert.False(t, ProcessingMethod("").IsValid())
	assert.False(t, ProcessingMethod("MANUAL").IsValid())
}
