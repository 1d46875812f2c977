// Package assignment provides the spatial assignment engine: per-record
// region/district membership lookups with an in-run geometry-keyed cache and
// quality scoring.
package assignment

import (
	"sync"

	"github.com/google/uuid"
)

type (
	// BoundaryHandle references one boundary dataset for the duration of a
	// run: the dataset name and the attribute holding the assignment code.
	// Holding the handle for the whole run avoids re-resolving dataset
	// metadata on every lookup.
	BoundaryHandle struct {
		// Dataset names the boundary polygon collection.
		Dataset string

		// CodeField is the attribute carrying the region/district code.
		CodeField string
	}

	// cachedCodes is one assignment cache entry.
	cachedCodes struct {
		regionCode   string
		districtCode string
	}

	// RunContext owns the run-scoped mutable state: the two boundary handles
	// and the geometry-keyed assignment cache. It is constructed at run start
	// and discarded at run end, so no coordinate assignments leak between
	// runs. Cache access is mutex-protected, which keeps the context safe
	// should batches ever be processed by a worker pool.
	RunContext struct {
		// RunID identifies the run in logs, metadata, and published summaries.
		RunID string

		// Regions and Districts are the two boundary dataset handles.
		Regions   BoundaryHandle
		Districts BoundaryHandle

		mutex sync.RWMutex
		cache map[string]cachedCodes
	}
)

// NewRunContext creates a run context with a fresh cache and a generated run id.
func NewRunContext(regions, districts BoundaryHandle) *RunContext {
	return &RunContext{
		RunID:     uuid.NewString(),
		Regions:   regions,
		Districts: districts,
		cache:     make(map[string]cachedCodes),
	}
}

// lookupCache returns cached codes for a geometry key.
func (rc *RunContext) lookupCache(key string) (cachedCodes, bool) {
	rc.mutex.RLock()
	defer rc.mutex.RUnlock()

	codes, ok := rc.cache[key]

	return codes, ok
}

// storeCache records codes for a geometry key.
func (rc *RunContext) storeCache(key string, codes cachedCodes) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.cache[key] = codes
}

// CacheSize returns the number of distinct geometry keys cached so far.
func (rc *RunContext) CacheSize() int {
	rc.mutex.RLock()
	defer rc.mutex.RUnlock()

	return len(rc.cache)
}

// Clear empties the assignment cache. Call between logically distinct runs if
// a context is ever reused; normal runs discard the whole context instead.
func (rc *RunContext) Clear() {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.cache = make(map[string]cachedCodes)
}
