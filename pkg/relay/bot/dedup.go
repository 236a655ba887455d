// Package bot – dedup.go keeps a bounded set of processed event ids so
// webhook redeliveries do not trigger duplicate replies.
package bot

import "sync"

const (
	// dedupHighWater is the size beyond which the set compacts.
	dedupHighWater = 1000
)

// ProcessedIDSet is a bounded set of event ids in insertion order. When an
// insert pushes the set past its high-water mark it drops the oldest half, so
// a redelivery of a recent event is always caught while memory stays bounded.
type ProcessedIDSet struct {
	mu    sync.Mutex
	max   int
	seen  map[string]struct{}
	order []string
}

// NewProcessedIDSet returns a set that compacts at max entries. max <= 0
// selects the default high-water mark.
func NewProcessedIDSet(max int) *ProcessedIDSet {
	if max <= 0 {
		max = dedupHighWater
	}
	return &ProcessedIDSet{
		max:  max,
		seen: make(map[string]struct{}, max),
	}
}

// CheckAndAdd reports whether id was already present, adding it atomically
// when it was not. Callers drop the event on true.
func (s *ProcessedIDSet) CheckAndAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.max {
		s.compact()
	}
	return false
}

// compact keeps the newest half of the entries. Caller holds the lock.
func (s *ProcessedIDSet) compact() {
	keep := s.max / 2
	drop := s.order[:len(s.order)-keep]
	for _, id := range drop {
		delete(s.seen, id)
	}
	s.order = append([]string(nil), s.order[len(s.order)-keep:]...)
}

// Len returns the number of tracked ids.
func (s *ProcessedIDSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
