package assignment

import (
	"sync"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
)

// Metrics accumulates run-wide counters for the assignment engine.
// Accumulation is lock-protected so a future worker pool across batches
// would not need to change the type.
type Metrics struct {
	mutex sync.Mutex

	// TotalLookups counts individual boundary spatial queries performed.
	TotalLookups int

	// TotalAssignments counts assignments produced (all methods).
	TotalAssignments int

	// SuccessfulAssignments counts assignments with at least one code.
	SuccessfulAssignments int

	// FailedAssignments counts assignments with no codes.
	FailedAssignments int

	// CacheHits counts assignments served from the in-run cache.
	CacheHits int

	// GeometryValidationTime, IntersectionTime, and UpdateTime are the
	// cumulative wall times spent in each phase. UpdateTime is contributed
	// by the batch update coordinator.
	GeometryValidationTime time.Duration
	IntersectionTime       time.Duration
	UpdateTime             time.Duration
}

// NewMetrics creates an empty metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// recordAssignment tallies one produced assignment.
func (m *Metrics) recordAssignment(a *cams.SpatialAssignment) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalAssignments++

	if a.IsSuccessful() {
		m.SuccessfulAssignments++
	} else {
		m.FailedAssignments++
	}

	if a.ProcessingMethod == cams.MethodCachedIntersection {
		m.CacheHits++
	}
}

// addLookups tallies boundary queries performed for one record.
func (m *Metrics) addLookups(n int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalLookups += n
}

// addValidationTime accumulates geometry validation wall time.
func (m *Metrics) addValidationTime(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.GeometryValidationTime += d
}

// addIntersectionTime accumulates intersection lookup wall time.
func (m *Metrics) addIntersectionTime(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.IntersectionTime += d
}

// AddUpdateTime accumulates write-back wall time. Called by the batch update
// coordinator.
func (m *Metrics) AddUpdateTime(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.UpdateTime += d
}

// CacheHitRate returns cached assignments as a fraction of all assignments,
// 0 when nothing has been processed.
func (m *Metrics) CacheHitRate() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.TotalAssignments == 0 {
		return 0
	}

	return float64(m.CacheHits) / float64(m.TotalAssignments)
}

// Snapshot returns a copy safe to read after the run finishes.
func (m *Metrics) Snapshot() Metrics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return Metrics{
		TotalLookups:           m.TotalLookups,
		TotalAssignments:       m.TotalAssignments,
		SuccessfulAssignments:  m.SuccessfulAssignments,
		FailedAssignments:      m.FailedAssignments,
		CacheHits:              m.CacheHits,
		GeometryValidationTime: m.GeometryValidationTime,
		IntersectionTime:       m.IntersectionTime,
		UpdateTime:             m.UpdateTime,
	}
}
