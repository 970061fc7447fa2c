package session

import (
	"sort"
	"sync"

	"promptfuzz/internal/callseq"
)

// PairSet is the append-only set of API 2-grams observed across rounds.
// Membership checks share a read lock; inserts are exclusive.
type PairSet struct {
	mu    sync.RWMutex
	pairs map[callseq.Pair]struct{}
}

// NewPairSet returns an empty set.
func NewPairSet() *PairSet {
	return &PairSet{pairs: make(map[callseq.Pair]struct{})}
}

// Insert adds p and reports whether it was new.
func (s *PairSet) Insert(p callseq.Pair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[p]; ok {
		return false
	}
	s.pairs[p] = struct{}{}
	return true
}

// InsertAll inserts every pair and returns those that were new, in input order.
func (s *PairSet) InsertAll(pairs []callseq.Pair) []callseq.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []callseq.Pair
	for _, p := range pairs {
		if _, ok := s.pairs[p]; ok {
			continue
		}
		s.pairs[p] = struct{}{}
		fresh = append(fresh, p)
	}
	return fresh
}

// Contains reports membership.
func (s *PairSet) Contains(p callseq.Pair) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[p]
	return ok
}

// Len returns the number of distinct pairs.
func (s *PairSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// List returns the pairs sorted by caller then callee.
func (s *PairSet) List() []callseq.Pair {
	s.mu.RLock()
	out := make([]callseq.Pair, 0, len(s.pairs))
	for p := range s.pairs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Caller != out[j].Caller {
			return out[i].Caller < out[j].Caller
		}
		return out[i].Callee < out[j].Callee
	})
	return out
}
