// Package cams provides the weed-location domain models shared by the
// spatial assignment pipeline.
//
// These are pure domain models without JSON tags. Storage implementations map
// them to their own row/wire representations.
package cams

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fixed lengths for the two denormalized assignment fields. Region codes are
// two-character regional council codes ("AK", "WK"); district codes are
// five-character territorial authority codes.
const (
	RegionCodeLength   = 2
	DistrictCodeLength = 5
)

// Sentinel errors for domain validation (use with errors.Is).
var (
	// ErrObjectIDInvalid indicates an object id below 1.
	ErrObjectIDInvalid = errors.New("object_id must be >= 1")

	// ErrGlobalIDInvalid indicates a global_id that is not a UUID.
	ErrGlobalIDInvalid = errors.New("global_id must be a UUID")

	// ErrRegionCodeInvalid indicates a region code of the wrong shape.
	ErrRegionCodeInvalid = errors.New("region_code must be exactly 2 alphanumeric characters")

	// ErrDistrictCodeInvalid indicates a district code of the wrong shape.
	ErrDistrictCodeInvalid = errors.New("district_code must be exactly 5 alphanumeric characters")

	// ErrQualityOutOfRange indicates an intersection quality outside [0, 1].
	ErrQualityOutOfRange = errors.New("intersection_quality must be between 0 and 1")

	// ErrProcessingMethodInvalid indicates an unknown processing method.
	ErrProcessingMethodInvalid = errors.New("invalid processing method")
)

type (
	// TargetRecord is a weed-location record whose region/district assignment
	// fields this pipeline maintains.
	//
	// The record is created and mutated exclusively by the weed store; the
	// pipeline reads it and writes back only RegionCode and DistrictCode.
	TargetRecord struct {
		// ObjectID is the store-assigned integer identity (>= 1).
		ObjectID int64

		// GlobalID is the store-assigned UUID string.
		GlobalID string

		// RegionCode is the current 2-character regional council code.
		// Empty when unassigned.
		RegionCode string

		// DistrictCode is the current 5-character territorial authority code.
		// Empty when unassigned.
		DistrictCode string

		// EditTimestamp is when the store last modified the record. Nil when
		// the store has never stamped it.
		EditTimestamp *time.Time

		// Geometry is the record's spatial payload. Nil when the store
		// returned the record without geometry.
		Geometry *Geometry
	}

	// ProcessingMethod describes how an assignment was produced.
	ProcessingMethod string

	// SpatialAssignment is the per-record result of one pipeline run. It is
	// never persisted directly; only its codes are written back to the record.
	SpatialAssignment struct {
		// ObjectID identifies the target record.
		ObjectID int64

		// RegionCode is the computed region code. Empty when no region
		// boundary intersected the geometry.
		RegionCode string

		// DistrictCode is the computed district code. Empty when no district
		// boundary intersected the geometry.
		DistrictCode string

		// IntersectionQuality is 1.0 when both codes were assigned, 0.5 when
		// exactly one was, 0.0 when neither.
		IntersectionQuality float64

		// ProcessingMethod records how the assignment was produced.
		ProcessingMethod ProcessingMethod

		// GeometryValid is false when the record's geometry failed validation
		// and lookups were skipped.
		GeometryValid bool

		// ProcessingDuration is the wall time spent producing this assignment.
		ProcessingDuration time.Duration
	}
)

const (
	// MethodFullIntersection means both boundary lookups were performed and at
	// least one returned a code.
	MethodFullIntersection ProcessingMethod = "FULL_INTERSECTION"

	// MethodCachedIntersection means the codes were reused from the in-run
	// assignment cache for an identical rounded coordinate.
	MethodCachedIntersection ProcessingMethod = "CACHED_INTERSECTION"

	// MethodGeometryRepair means the geometry failed validation and no lookup
	// was attempted.
	MethodGeometryRepair ProcessingMethod = "GEOMETRY_REPAIR"

	// MethodFallbackAssignment means both lookups ran and neither boundary
	// intersected (or lookups failed), leaving the record unassigned.
	MethodFallbackAssignment ProcessingMethod = "FALLBACK_ASSIGNMENT"
)

// Assignment status values returned by AssignmentStatus.
const (
	StatusBothAssigned = "both_assigned"
	StatusRegionOnly   = "region_only"
	StatusDistrictOnly = "district_only"
	StatusNone         = "none"
)

// ValidProcessingMethods returns all processing method values.
func ValidProcessingMethods() []ProcessingMethod {
	return []ProcessingMethod{
		MethodFullIntersection,
		MethodCachedIntersection,
		MethodGeometryRepair,
		MethodFallbackAssignment,
	}
}

// IsValid checks if the ProcessingMethod is a known value.
func (m ProcessingMethod) IsValid() bool {
	switch m {
	case MethodFullIntersection, MethodCachedIntersection, MethodGeometryRepair, MethodFallbackAssignment:
		return true
	default:
		return false
	}
}

// String returns the string representation of the processing method.
func (m ProcessingMethod) String() string {
	return string(m)
}

// Validate performs domain validation on a TargetRecord.
//
// Rules:
//   - object_id >= 1
//   - global_id, when present, parses as a UUID
//   - region_code, when present, exactly 2 alphanumeric characters
//   - district_code, when present, exactly 5 alphanumeric characters
func (r *TargetRecord) Validate() error {
	if r.ObjectID < 1 {
		return fmt.Errorf("%w: got %d", ErrObjectIDInvalid, r.ObjectID)
	}

	if r.GlobalID != "" {
		if _, err := uuid.Parse(r.GlobalID); err != nil {
			return fmt.Errorf("%w: %q", ErrGlobalIDInvalid, r.GlobalID)
		}
	}

	if r.RegionCode != "" && !isAlphanumericCode(r.RegionCode, RegionCodeLength) {
		return fmt.Errorf("%w: %q", ErrRegionCodeInvalid, r.RegionCode)
	}

	if r.DistrictCode != "" && !isAlphanumericCode(r.DistrictCode, DistrictCodeLength) {
		return fmt.Errorf("%w: %q", ErrDistrictCodeInvalid, r.DistrictCode)
	}

	return nil
}

// Validate performs structural validation on a SpatialAssignment. Used by the
// batch update coordinator's validation gate before any write is attempted.
func (a *SpatialAssignment) Validate() error {
	if a.ObjectID < 1 {
		return fmt.Errorf("%w: got %d", ErrObjectIDInvalid, a.ObjectID)
	}

	if a.IntersectionQuality < 0 || a.IntersectionQuality > 1 {
		return fmt.Errorf("%w: got %.2f", ErrQualityOutOfRange, a.IntersectionQuality)
	}

	if !a.ProcessingMethod.IsValid() {
		return fmt.Errorf("%w: %q", ErrProcessingMethodInvalid, a.ProcessingMethod)
	}

	if a.RegionCode != "" && !isAlphanumericCode(a.RegionCode, RegionCodeLength) {
		return fmt.Errorf("%w: %q", ErrRegionCodeInvalid, a.RegionCode)
	}

	if a.DistrictCode != "" && !isAlphanumericCode(a.DistrictCode, DistrictCodeLength) {
		return fmt.Errorf("%w: %q", ErrDistrictCodeInvalid, a.DistrictCode)
	}

	return nil
}

// IsSuccessful reports whether at least one code was assigned. Only successful
// assignments are written back to the store.
func (a *SpatialAssignment) IsSuccessful() bool {
	return a.RegionCode != "" || a.DistrictCode != ""
}

// AssignmentStatus returns which of the two codes were assigned:
// "both_assigned", "region_only", "district_only", or "none".
func (a *SpatialAssignment) AssignmentStatus() string {
	switch {
	case a.RegionCode != "" && a.DistrictCode != "":
		return StatusBothAssigned
	case a.RegionCode != "":
		return StatusRegionOnly
	case a.DistrictCode != "":
		return StatusDistrictOnly
	default:
		return StatusNone
	}
}

// QualityScore computes the intersection quality for a pair of codes:
// 1.0 when both present, 0.5 when exactly one, 0.0 when neither.
func QualityScore(regionCode, districtCode string) float64 {
	switch {
	case regionCode != "" && districtCode != "":
		return 1.0
	case regionCode != "" || districtCode != "":
		return 0.5
	default:
		return 0.0
	}
}

// isAlphanumericCode reports whether s is exactly length ASCII letters/digits.
func isAlphanumericCode(s string, length int) bool {
	if len(s) != length {
		return false
	}

	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}

	return true
}
