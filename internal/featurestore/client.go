// Package featurestore defines the narrow capability interface the pipeline
// needs from the weed record store, plus the query/result types exchanged
// across it.
//
// The pipeline depends only on this interface. Concrete implementations
// (PostGIS, in-memory) live in internal/storage and in this package's
// memory.go. This mirrors the split where domain packages declare what they
// need and storage supplies it.
package featurestore

import (
	"context"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
)

type (
	// Predicate narrows Count and Query to a subset of records. Zero value
	// matches everything. Fields combine with AND.
	Predicate struct {
		// EditedAfter matches records whose edit timestamp is strictly later.
		EditedAfter *time.Time

		// ObjectIDs restricts to the given ids (the bulk IN-fetch path).
		ObjectIDs []int64
	}

	// QuerySpec describes one paged query against a dataset.
	QuerySpec struct {
		// Dataset names the collection to query.
		Dataset string

		// Predicate filters the result set.
		Predicate Predicate

		// IncludeGeometry requests geometry payloads. Queries that only need
		// identity and code fields leave this false to keep responses small.
		IncludeGeometry bool

		// Offset and Limit page through large result sets. Limit 0 means no
		// limit. Results are always ordered by object id so paging is
		// deterministic within a run.
		Offset int
		Limit  int
	}

	// FieldUpdate carries the two assignment fields for one record write.
	// A Set* flag false leaves that field untouched (partial updates); true
	// with an empty code writes NULL (the rollback path).
	FieldUpdate struct {
		ObjectID     int64
		SetRegion    bool
		RegionCode   string
		SetDistrict  bool
		DistrictCode string
	}

	// WriteResult is the per-record outcome of a batch write,
	// order-preserving with respect to the input updates.
	WriteResult struct {
		ObjectID int64
		Success  bool
		Message  string
	}

	// BoundaryFeature is one polygon feature returned by a spatial query.
	BoundaryFeature struct {
		// Code is the requested code field value (region or district code).
		Code string

		// Name is the boundary's display name, used only in logs.
		Name string
	}
)

// Client is the capability interface over the weed record store.
//
// All methods respect context cancellation and are expected to be called with
// a bounded timeout; callers treat a timeout as failure, never retrying
// indefinitely. Transient-network retry is layered on separately (see
// ResilientClient), keeping the pipeline's batch-level error handling free of
// retry concerns.
type Client interface {
	// Count returns the number of records in dataset matching the predicate.
	Count(ctx context.Context, dataset string, predicate Predicate) (int, error)

	// Query returns records matching the spec, ordered by object id.
	Query(ctx context.Context, spec QuerySpec) ([]cams.TargetRecord, error)

	// BatchWrite applies the field updates in one store round trip and
	// returns one result per input update, in input order.
	BatchWrite(ctx context.Context, dataset string, updates []FieldUpdate) ([]WriteResult, error)

	// SpatialQuery returns boundary features whose polygon intersects the
	// geometry, with the named code field populated. Used twice per record
	// lookup: once against the region dataset, once against the district
	// dataset.
	SpatialQuery(ctx context.Context, dataset string, geometry *cams.Geometry, codeField string) ([]BoundaryFeature, error)

	// LastModified returns the most recent modification stamp of any feature
	// in a boundary dataset, or nil when the dataset has never been stamped.
	// Recorded in run metadata so an assignment run can be traced to the
	// boundary layer versions it ran against.
	LastModified(ctx context.Context, dataset string) (*time.Time, error)
}
