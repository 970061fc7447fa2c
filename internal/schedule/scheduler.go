// Package schedule implements the power schedule that turns coverage and
// usage counters into per-API energies and uses them to pick the API
// combinations of future prompts.
package schedule

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/gadget"
	"promptfuzz/internal/logging"
)

// Counters exposes the per-API usage counters the energy formula needs.
// The session owns them; the scheduler only reads.
type Counters interface {
	ExecCount(api string) int
	PromptCount(api string) int
}

// CombLen bounds the sampled length of an assembled combination.
type CombLen struct {
	Min int
	Max int
}

// DefaultCombLen is used when no bounds are configured.
var DefaultCombLen = CombLen{Min: 3, Max: 7}

// Scheduler owns the name -> EnergyRecord mapping. It is not safe for
// concurrent use; the fuzz loop drives it from a single goroutine.
type Scheduler struct {
	catalog  *gadget.Catalog
	counters Counters
	rng      *rand.Rand
	exponent float64
	combLen  CombLen
	log      *slog.Logger

	records map[string]*EnergyRecord
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand sets the random source. Tests pass a seeded generator.
func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rng = r } }

// WithExponent sets the exponent of the energy denominator (default 1).
func WithExponent(e float64) Option { return func(s *Scheduler) { s.exponent = e } }

// WithCombLen sets the bounds of sampled combination lengths.
func WithCombLen(c CombLen) Option { return func(s *Scheduler) { s.combLen = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// New creates a scheduler over the catalog. Every API starts with zero energy,
// so draws are uniform until the first update.
func New(catalog *gadget.Catalog, counters Counters, opts ...Option) *Scheduler {
	s := &Scheduler{
		catalog:  catalog,
		counters: counters,
		exponent: 1,
		combLen:  DefaultCombLen,
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.log == nil {
		s.log = logging.New("schedule")
	}
	if s.combLen.Min < 1 {
		s.combLen.Min = 1
	}
	if s.combLen.Max < s.combLen.Min {
		s.combLen.Max = s.combLen.Min
	}
	s.records = make(map[string]*EnergyRecord, catalog.Len())
	for _, name := range catalog.Names() {
		s.records[name] = &EnergyRecord{Name: name}
	}
	return s
}

// Rand exposes the scheduler's random source so collaborators (prompt
// mutation, policies) draw from the same reproducible stream.
func (s *Scheduler) Rand() *rand.Rand { return s.rng }

// Catalog returns the catalog the scheduler was built over.
func (s *Scheduler) Catalog() *gadget.Catalog { return s.catalog }

// UpdateEnergies rebuilds every record from apiCoverage and the current
// counters. A catalog API missing from apiCoverage is a state desync.
func (s *Scheduler) UpdateEnergies(apiCoverage map[string]float64) error {
	records := make(map[string]*EnergyRecord, s.catalog.Len())
	for _, name := range s.catalog.Names() {
		cov, ok := apiCoverage[name]
		if !ok {
			return fmt.Errorf("%w: no coverage for api %s", ErrStateDesync, name)
		}
		rec, err := newRecord(name, cov, s.counters.ExecCount(name), s.counters.PromptCount(name), s.exponent)
		if err != nil {
			return err
		}
		records[name] = rec
	}
	s.records = records
	s.log.Debug("energies updated", "apis", len(records), "energies", s.energyVector())
	return nil
}

// InitAPIMode resets every API to energy 1.0 for API-combination mode, where
// coverage and counters are unused.
func (s *Scheduler) InitAPIMode() {
	records := make(map[string]*EnergyRecord, s.catalog.Len())
	for _, name := range s.catalog.Names() {
		records[name] = &EnergyRecord{Name: name, Energy: 1.0}
	}
	s.records = records
}

// UpdateEnergiesFromAPIPairs adds 1.0 to both endpoints of every newly
// observed pair. Callees outside the catalog (libc helpers, macros) carry no
// record and are skipped.
func (s *Scheduler) UpdateEnergiesFromAPIPairs(pairs []callseq.Pair) {
	if len(pairs) == 0 {
		s.log.Warn("no api pairs to update energies from")
		return
	}
	for _, p := range pairs {
		if rec, ok := s.records[p.Caller]; ok {
			rec.Energy += 1.0
		}
		if rec, ok := s.records[p.Callee]; ok {
			rec.Energy += 1.0
		}
	}
	s.log.Debug("energies updated from api pairs", "pairs", len(pairs), "energies", s.energyVector())
}

// Energy returns the current energy of api.
func (s *Scheduler) Energy(api string) (float64, error) {
	rec, ok := s.records[api]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAPI, api)
	}
	return rec.Energy, nil
}

// Records returns a copy of every record, highest energy first (ties by name).
func (s *Scheduler) Records() []EnergyRecord {
	out := make([]EnergyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Energy != out[j].Energy {
			return out[i].Energy > out[j].Energy
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ChooseAPIByEnergy draws one API name weighted by energy. If every energy is
// zero the draw is uniform.
func (s *Scheduler) ChooseAPIByEnergy() string {
	names := s.catalog.Names()
	return names[weightedChoose(s.rng, s.weights(names))]
}

// AssembleHighEnergyCombination draws a combination whose length is sampled
// uniformly from the configured bounds (clamped to the catalog size).
func (s *Scheduler) AssembleHighEnergyCombination() ([]gadget.APIGadget, error) {
	return s.AssembleCombination(s.SampleCombLen())
}

// AssembleCombination draws n distinct APIs by energy. Names already chosen
// are excluded from later draws, which is the same distribution as redrawing
// on a repeat but always terminates.
func (s *Scheduler) AssembleCombination(n int) ([]gadget.APIGadget, error) {
	if n < 1 || n > s.catalog.Len() {
		return nil, fmt.Errorf("combination length %d outside [1,%d]", n, s.catalog.Len())
	}
	s.log.Debug("assemble combination by energy", "len", n)
	remaining := s.catalog.Names()
	comb := make([]gadget.APIGadget, 0, n)
	for len(comb) < n {
		i := weightedChoose(s.rng, s.weights(remaining))
		g, _ := s.catalog.Lookup(remaining[i])
		comb = append(comb, g)
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	return comb, nil
}

// ChooseLowEnergyAPI picks an index into names, favouring low energy. Weights
// are (max - energy), so the highest-energy API is never replaced unless all
// energies are equal, in which case the draw is uniform.
func (s *Scheduler) ChooseLowEnergyAPI(names []string) (int, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("choose low energy api: empty combination")
	}
	energies := make([]float64, len(names))
	maxE := 0.0
	for i, n := range names {
		e, err := s.Energy(n)
		if err != nil {
			return 0, err
		}
		energies[i] = e
		if i == 0 || e > maxE {
			maxE = e
		}
	}
	weights := make([]float64, len(names))
	for i, e := range energies {
		weights[i] = maxE - e
	}
	return weightedChoose(s.rng, weights), nil
}

// SampleCombLen draws a combination length independently of energy.
func (s *Scheduler) SampleCombLen() int {
	lo, hi := s.combLen.Min, s.combLen.Max
	if hi > s.catalog.Len() {
		hi = s.catalog.Len()
	}
	if lo > hi {
		lo = hi
	}
	return lo + s.rng.IntN(hi-lo+1)
}

// ShouldDeterministicMutate applies the package policy with the scheduler's rng.
func (s *Scheduler) ShouldDeterministicMutate(corpusSize int) bool {
	coin := ShouldDeterministicMutate(s.rng, corpusSize)
	s.log.Info("deterministic mutation coin",
		"corpus", corpusSize, "prob", DeterministicMutateProbability(corpusSize), "coin", coin)
	return coin
}

// ShouldDelete applies the package policy with the scheduler's rng.
func (s *Scheduler) ShouldDelete(successRate float64) bool {
	return ShouldDelete(s.rng, successRate)
}

// RandomCombination draws n distinct gadgets uniformly. It backs the
// power-schedule-disabled baseline and the very first prompt.
func RandomCombination(rng *rand.Rand, catalog *gadget.Catalog, n int) ([]gadget.APIGadget, error) {
	if n < 1 || n > catalog.Len() {
		return nil, fmt.Errorf("combination length %d outside [1,%d]", n, catalog.Len())
	}
	perm := rng.Perm(catalog.Len())
	comb := make([]gadget.APIGadget, n)
	for i := 0; i < n; i++ {
		comb[i] = catalog.At(perm[i])
	}
	return comb, nil
}

func (s *Scheduler) weights(names []string) []float64 {
	w := make([]float64, len(names))
	for i, n := range names {
		if rec, ok := s.records[n]; ok {
			w[i] = rec.Energy
		}
	}
	return w
}

func (s *Scheduler) energyVector() []float64 {
	return s.weights(s.catalog.Names())
}
