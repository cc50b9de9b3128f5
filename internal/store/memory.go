package store

import (
	"go.uber.org/atomic"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// MemoryStore holds the single published forecast snapshot.
//
// Publishing is one atomic pointer swap, so readers never block and never
// observe a mix of two snapshots. A reader keeps whatever snapshot it got
// from Current for as long as it needs; the old snapshot is reclaimed by the
// garbage collector once the last reader drops it.
type MemoryStore struct {
	current atomic.Pointer[weather.Snapshot]
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Publish replaces the current snapshot. Nil snapshots are ignored.
func (s *MemoryStore) Publish(snap *weather.Snapshot) {
	if snap == nil {
		return
	}
	s.current.Store(snap)
}

// Current returns the published snapshot, or weather.ErrNotReady before the
// first publish.
func (s *MemoryStore) Current() (*weather.Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, weather.ErrNotReady
	}
	return snap, nil
}
