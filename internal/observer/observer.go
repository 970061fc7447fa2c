// Package observer accumulates branch coverage across accepted seeds and
// projects it onto the API catalog.
package observer

import (
	"sort"
	"sync"

	"promptfuzz/internal/gadget"
)

// Observer holds the global coverage of the seed corpus. Safe for
// concurrent use.
type Observer struct {
	catalog *gadget.Catalog

	mu       sync.RWMutex
	covered  map[string]struct{}
	branches map[string][]string // API -> all of its branch ids
	entered  map[string]bool
}

// New returns an empty observer over catalog.
func New(catalog *gadget.Catalog) *Observer {
	o := &Observer{catalog: catalog}
	o.reset()
	return o
}

func (o *Observer) reset() {
	o.covered = make(map[string]struct{})
	o.branches = make(map[string][]string)
	o.entered = make(map[string]bool)
}

// HasUniqueBranch returns the ids of branches cov takes that the corpus has
// not taken yet, sorted.
func (o *Observer) HasUniqueBranch(cov *Coverage) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var fresh []string
	for id := range cov.Covered {
		if _, ok := o.covered[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)
	return fresh
}

// Merge folds cov into the global coverage.
func (o *Observer) Merge(cov *Coverage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range cov.Covered {
		o.covered[id] = struct{}{}
	}
	for name, fn := range cov.Functions {
		if !o.catalog.Has(name) {
			continue
		}
		if _, ok := o.branches[name]; !ok || len(fn.Branches) > len(o.branches[name]) {
			o.branches[name] = append([]string(nil), fn.Branches...)
		}
		if fn.Count > 0 {
			o.entered[name] = true
		}
	}
}

// Recompute replaces the global coverage with the merge of covs.
func (o *Observer) Recompute(covs []*Coverage) {
	o.mu.Lock()
	o.reset()
	o.mu.Unlock()
	for _, c := range covs {
		o.Merge(c)
	}
}

// ComputeLibraryAPICoverage returns, for every catalog API, the fraction of
// its branches the corpus covers. An API without branches counts as fully
// covered once entered.
func (o *Observer) ComputeLibraryAPICoverage() map[string]float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]float64, o.catalog.Len())
	for _, name := range o.catalog.Names() {
		ids := o.branches[name]
		if len(ids) == 0 {
			if o.entered[name] {
				out[name] = 1
			} else {
				out[name] = 0
			}
			continue
		}
		hit := 0
		for _, id := range ids {
			if _, ok := o.covered[id]; ok {
				hit++
			}
		}
		out[name] = float64(hit) / float64(len(ids))
	}
	return out
}

// CoveredBranches is the size of the global covered set.
func (o *Observer) CoveredBranches() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.covered)
}

// Summary is a point-in-time view of the global coverage.
type Summary struct {
	CoveredBranches  int
	TotalAPIBranches int
	EnteredAPIs      int
}

// Summary reports aggregate counts for round logs.
func (o *Observer) Summary() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Summary{CoveredBranches: len(o.covered), EnteredAPIs: len(o.entered)}
	for _, ids := range o.branches {
		s.TotalAPIBranches += len(ids)
	}
	return s
}
