package document

import (
	"sync"
	"time"

	"github.com/c360studio/doctrack/query"
)

// Snapshot is a point-in-time copy of one section's state.
type Snapshot[T any] struct {
	Status    query.Status
	Loading   bool
	Data      T
	Err       error
	FromCache bool
	FetchedAt time.Time
}

// Section holds the independently loading state of one sub-resource.
type Section[T any] struct {
	mu    sync.RWMutex
	seq   uint64
	state Snapshot[T]
}

// Snapshot returns the current state.
func (s *Section[T]) Snapshot() Snapshot[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// begin marks the section loading and returns the run's sequence number.
// Only the latest run may commit.
func (s *Section[T]) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.state.Loading = true
	return s.seq
}

func (s *Section[T]) commit(seq uint64, r query.Result[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return false
	}
	s.state = Snapshot[T]{
		Status:    r.Status,
		Data:      r.Data,
		Err:       r.Err,
		FromCache: r.FromCache,
		FetchedAt: r.FetchedAt,
	}
	return true
}

// idle resets the section to the not-enabled state.
func (s *Section[T]) idle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.state = Snapshot[T]{Status: query.StatusIdle}
}
