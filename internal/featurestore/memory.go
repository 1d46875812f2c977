package featurestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
)

type (
	// RectBoundary is a boundary feature represented as an axis-aligned
	// rectangle. Real stores answer intersects with full polygon geometry;
	// rectangles keep the in-memory implementation simple while preserving
	// the one property the pipeline cares about: whether a geometry falls
	// inside a coded boundary.
	RectBoundary struct {
		Code string
		Name string
		MinX float64
		MinY float64
		MaxX float64
		MaxY float64
	}

	// InMemoryStore is a thread-safe in-memory Client used by unit tests and
	// local development. Failure hooks let tests exercise the pipeline's
	// error paths without a real store.
	InMemoryStore struct {
		mutex sync.RWMutex

		// records maps dataset name to object id to record.
		records map[string]map[int64]*cams.TargetRecord

		// boundaries maps dataset name to its rectangle features.
		boundaries map[string][]RectBoundary

		// modified maps dataset name to its modification stamp.
		modified map[string]time.Time

		// CountErr, QueryErr, WriteErr, SpatialErr, ModifiedErr, when set, are
		// returned by the corresponding operation.
		CountErr    error
		QueryErr    error
		WriteErr    error
		SpatialErr  error
		ModifiedErr error

		// FailWriteIDs marks individual object ids whose writes report
		// per-record failure (the partial-failure path).
		FailWriteIDs map[int64]bool

		// spatialCalls counts SpatialQuery invocations, letting cache tests
		// assert lookup reuse.
		spatialCalls int
	}
)

// Compile-time interface assertion.
var _ Client = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory feature store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:      make(map[string]map[int64]*cams.TargetRecord),
		boundaries:   make(map[string][]RectBoundary),
		modified:     make(map[string]time.Time),
		FailWriteIDs: make(map[int64]bool),
	}
}

// PutRecord inserts or replaces a record in a dataset.
func (s *InMemoryStore) PutRecord(dataset string, record cams.TargetRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.records[dataset] == nil {
		s.records[dataset] = make(map[int64]*cams.TargetRecord)
	}

	recordCopy := record
	s.records[dataset][record.ObjectID] = &recordCopy
}

// PutBoundary adds a rectangle boundary feature to a dataset.
func (s *InMemoryStore) PutBoundary(dataset string, boundary RectBoundary) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.boundaries[dataset] = append(s.boundaries[dataset], boundary)
}

// SetDatasetModified records a dataset's modification stamp.
func (s *InMemoryStore) SetDatasetModified(dataset string, stamp time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.modified[dataset] = stamp
}

// GetRecord returns a copy of a record, with found=false when absent.
func (s *InMemoryStore) GetRecord(dataset string, objectID int64) (cams.TargetRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, ok := s.records[dataset][objectID]
	if !ok {
		return cams.TargetRecord{}, false
	}

	return *record, true
}

// SpatialQueryCalls returns how many spatial queries have been served.
func (s *InMemoryStore) SpatialQueryCalls() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.spatialCalls
}

// Count implements Client.
func (s *InMemoryStore) Count(_ context.Context, dataset string, predicate Predicate) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.CountErr != nil {
		return 0, s.CountErr
	}

	count := 0

	for _, record := range s.records[dataset] {
		if matchesPredicate(record, predicate) {
			count++
		}
	}

	return count, nil
}

// Query implements Client. Results are ordered by object id.
func (s *InMemoryStore) Query(_ context.Context, spec QuerySpec) ([]cams.TargetRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.QueryErr != nil {
		return nil, s.QueryErr
	}

	matched := make([]cams.TargetRecord, 0)

	for _, record := range s.records[spec.Dataset] {
		if matchesPredicate(record, spec.Predicate) {
			recordCopy := *record
			if !spec.IncludeGeometry {
				recordCopy.Geometry = nil
			}

			matched = append(matched, recordCopy)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ObjectID < matched[j].ObjectID
	})

	// Apply paging after ordering so pages are deterministic.
	if spec.Offset > 0 {
		if spec.Offset >= len(matched) {
			return []cams.TargetRecord{}, nil
		}

		matched = matched[spec.Offset:]
	}

	if spec.Limit > 0 && len(matched) > spec.Limit {
		matched = matched[:spec.Limit]
	}

	return matched, nil
}

// BatchWrite implements Client with per-record results in input order.
func (s *InMemoryStore) BatchWrite(
	_ context.Context,
	dataset string,
	updates []FieldUpdate,
) ([]WriteResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.WriteErr != nil {
		return nil, s.WriteErr
	}

	results := make([]WriteResult, len(updates))

	for i, update := range updates {
		if s.FailWriteIDs[update.ObjectID] {
			results[i] = WriteResult{
				ObjectID: update.ObjectID,
				Success:  false,
				Message:  "simulated write failure",
			}

			continue
		}

		record, ok := s.records[dataset][update.ObjectID]
		if !ok {
			results[i] = WriteResult{
				ObjectID: update.ObjectID,
				Success:  false,
				Message:  "record not found",
			}

			continue
		}

		if update.SetRegion {
			record.RegionCode = update.RegionCode
		}

		if update.SetDistrict {
			record.DistrictCode = update.DistrictCode
		}

		results[i] = WriteResult{ObjectID: update.ObjectID, Success: true}
	}

	return results, nil
}

// SpatialQuery implements Client using rectangle containment against the
// geometry's representative point.
func (s *InMemoryStore) SpatialQuery(
	_ context.Context,
	dataset string,
	geometry *cams.Geometry,
	_ string,
) ([]BoundaryFeature, error) {
	s.mutex.Lock()
	s.spatialCalls++

	if s.SpatialErr != nil {
		s.mutex.Unlock()

		return nil, s.SpatialErr
	}

	boundaries := s.boundaries[dataset]
	s.mutex.Unlock()

	point, ok := representativePoint(geometry)
	if !ok {
		return []BoundaryFeature{}, nil
	}

	features := make([]BoundaryFeature, 0, 1)

	for _, boundary := range boundaries {
		if point.X >= boundary.MinX && point.X <= boundary.MaxX &&
			point.Y >= boundary.MinY && point.Y <= boundary.MaxY {
			features = append(features, BoundaryFeature{Code: boundary.Code, Name: boundary.Name})
		}
	}

	return features, nil
}

// LastModified implements Client.
func (s *InMemoryStore) LastModified(_ context.Context, dataset string) (*time.Time, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.ModifiedErr != nil {
		return nil, s.ModifiedErr
	}

	stamp, ok := s.modified[dataset]
	if !ok {
		return nil, nil
	}

	stampCopy := stamp

	return &stampCopy, nil
}

// matchesPredicate applies Predicate semantics to one record.
func matchesPredicate(record *cams.TargetRecord, predicate Predicate) bool {
	if predicate.EditedAfter != nil {
		if record.EditTimestamp == nil || !record.EditTimestamp.After(*predicate.EditedAfter) {
			return false
		}
	}

	if len(predicate.ObjectIDs) > 0 {
		found := false

		for _, id := range predicate.ObjectIDs {
			if id == record.ObjectID {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// representativePoint picks the coordinate rectangle containment is tested
// against: the point itself, or the first vertex of a polygon/polyline.
func representativePoint(geometry *cams.Geometry) (cams.Coordinate, bool) {
	if geometry == nil || !geometry.IsValid() {
		return cams.Coordinate{}, false
	}

	switch geometry.Type {
	case cams.GeometryPoint:
		return *geometry.Point, true
	case cams.GeometryPolygon:
		if len(geometry.Rings[0]) > 0 {
			return geometry.Rings[0][0], true
		}
	case cams.GeometryPolyline:
		if len(geometry.Paths[0]) > 0 {
			return geometry.Paths[0][0], true
		}
	}

	return cams.Coordinate{}, false
}
