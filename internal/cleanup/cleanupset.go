package cleanup

import (
	"sort"
	"sync"

	"pkt.systems/txns/internal/storage"
)

// Set accumulates the collections this process has observed participating in
// transactions. It is the scan universe for lost-attempt cleanup: a
// collection stays relevant once seen, so there is no removal. Rebuilt by
// observation after every process restart.
type Set struct {
	mu   sync.Mutex
	cols map[storage.Collection]struct{}
}

// NewSet returns an empty cleanup set.
func NewSet() *Set {
	return &Set{cols: make(map[storage.Collection]struct{})}
}

// Add records a collection, reporting whether it was newly observed.
func (s *Set) Add(col storage.Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cols[col]; ok {
		return false
	}
	s.cols[col] = struct{}{}
	return true
}

// Snapshot returns the current collections sorted by string form.
func (s *Set) Snapshot() []storage.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Collection, 0, len(s.cols))
	for col := range s.cols {
		out = append(out, col)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of observed collections.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cols)
}
