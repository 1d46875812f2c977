package runmeta

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a thread-safe in-memory metadata Store for tests and local
// development.
type InMemoryStore struct {
	mutex   sync.RWMutex
	records []*ProcessMetadata

	// SaveErr, LatestErr, and PruneErr, when set, are returned by the
	// corresponding operation (failure injection for tests).
	SaveErr   error
	LatestErr error
	PruneErr  error
}

// Compile-time interface assertion.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory metadata store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Save implements Store.
func (s *InMemoryStore) Save(_ context.Context, metadata *ProcessMetadata) error {
	if metadata == nil {
		return ErrNilMetadata
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.SaveErr != nil {
		return s.SaveErr
	}

	metadataCopy := *metadata
	s.records = append(s.records, &metadataCopy)

	return nil
}

// Latest implements Store: the most recent Success-status record.
func (s *InMemoryStore) Latest(_ context.Context, processName, environment string) (*ProcessMetadata, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.LatestErr != nil {
		return nil, false, s.LatestErr
	}

	var latest *ProcessMetadata

	for _, record := range s.records {
		if record.ProcessName != processName || record.Environment != environment {
			continue
		}

		if record.ProcessStatus != StatusSuccess {
			continue
		}

		if latest == nil || record.ProcessTimestamp.After(latest.ProcessTimestamp) {
			latest = record
		}
	}

	if latest == nil {
		return nil, false, nil
	}

	latestCopy := *latest

	return &latestCopy, true, nil
}

// Prune implements Store, keeping the newest keep records.
func (s *InMemoryStore) Prune(_ context.Context, processName, environment string, keep int) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.PruneErr != nil {
		return 0, s.PruneErr
	}

	var series []*ProcessMetadata

	for _, record := range s.records {
		if record.ProcessName == processName && record.Environment == environment {
			series = append(series, record)
		}
	}

	if len(series) <= keep {
		return 0, nil
	}

	sort.Slice(series, func(i, j int) bool {
		return series[i].ProcessTimestamp.After(series[j].ProcessTimestamp)
	})

	drop := make(map[*ProcessMetadata]bool)
	for _, record := range series[keep:] {
		drop[record] = true
	}

	kept := s.records[:0]

	for _, record := range s.records {
		if !drop[record] {
			kept = append(kept, record)
		}
	}

	removed := len(s.records) - len(kept)
	s.records = kept

	return removed, nil
}

// Count returns how many records the store holds (test helper).
func (s *InMemoryStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.records)
}
