package schedule

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/gadget"
	"promptfuzz/internal/logging"

	"github.com/google/go-cmp/cmp"
)

type mapCounters struct {
	exec, prompt map[string]int
}

func (m mapCounters) ExecCount(api string) int   { return m.exec[api] }
func (m mapCounters) PromptCount(api string) int { return m.prompt[api] }

func newCatalog(t *testing.T, names ...string) *gadget.Catalog {
	t.Helper()
	gs := make([]gadget.APIGadget, len(names))
	for i, n := range names {
		gs[i] = gadget.APIGadget{Name: n}
	}
	c, err := gadget.NewCatalog(gs)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func newScheduler(t *testing.T, c *gadget.Catalog, counters Counters, opts ...Option) *Scheduler {
	t.Helper()
	base := []Option{WithRand(rand.New(rand.NewPCG(1, 2))), WithLogger(logging.Discard())}
	return New(c, counters, append(base, opts...)...)
}

func TestComputeEnergy_Formula(t *testing.T) {
	got, err := ComputeEnergy(0.5, 1, 3, 1)
	if err != nil {
		t.Fatalf("ComputeEnergy: %v", err)
	}
	if want := 0.5 / 8; math.Abs(got-want) > 1e-12 {
		t.Errorf("energy = %v, want %v", got, want)
	}
	got, _ = ComputeEnergy(0.25, 1, 1, 2)
	if want := 0.75 / 16; math.Abs(got-want) > 1e-12 {
		t.Errorf("energy with exponent 2 = %v, want %v", got, want)
	}
}

func TestComputeEnergy_RejectsInvalidCoverage(t *testing.T) {
	for _, cov := range []float64{math.NaN(), -0.1, 1.5} {
		if _, err := ComputeEnergy(cov, 0, 0, 1); !errors.Is(err, ErrInvalidCoverage) {
			t.Errorf("coverage %v: err = %v, want ErrInvalidCoverage", cov, err)
		}
	}
}

func TestComputeEnergy_FiniteNonNegativeAndDecreasing(t *testing.T) {
	for _, cov := range []float64{0, 0.3, 0.99} {
		for _, exp := range []float64{0.5, 1, 3} {
			prevExec := math.Inf(1)
			for exec := 0; exec < 50; exec++ {
				e, err := ComputeEnergy(cov, exec, 4, exp)
				if err != nil {
					t.Fatalf("ComputeEnergy: %v", err)
				}
				if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
					t.Fatalf("energy %v not finite/non-negative", e)
				}
				if !(e < prevExec) {
					t.Fatalf("cov=%v exp=%v: energy not strictly decreasing in exec at %d", cov, exp, exec)
				}
				prevExec = e
			}
			prevPrompt := math.Inf(1)
			for p := 0; p < 50; p++ {
				e, _ := ComputeEnergy(cov, 2, p, exp)
				if !(e < prevPrompt) {
					t.Fatalf("cov=%v exp=%v: energy not strictly decreasing in prompt at %d", cov, exp, p)
				}
				prevPrompt = e
			}
		}
	}
	// exponent 0 and full coverage stay finite and non-negative
	for _, tc := range []struct{ cov, exp float64 }{{1, 1}, {0.5, 0}} {
		e, err := ComputeEnergy(tc.cov, 1e6, 1e6, tc.exp)
		if err != nil || e < 0 || math.IsInf(e, 0) {
			t.Errorf("ComputeEnergy(%v, exp=%v) = %v, %v", tc.cov, tc.exp, e, err)
		}
	}
}

func TestUpdateEnergies_UsesCounters(t *testing.T) {
	c := newCatalog(t, "a", "b")
	counters := mapCounters{
		exec:   map[string]int{"a": 1},
		prompt: map[string]int{"a": 1, "b": 3},
	}
	s := newScheduler(t, c, counters)
	if err := s.UpdateEnergies(map[string]float64{"a": 0, "b": 0.5}); err != nil {
		t.Fatalf("UpdateEnergies: %v", err)
	}
	ea, _ := s.Energy("a")
	eb, _ := s.Energy("b")
	if math.Abs(ea-0.25) > 1e-12 || math.Abs(eb-0.125) > 1e-12 {
		t.Errorf("energies a=%v b=%v, want 0.25 and 0.125", ea, eb)
	}
}

func TestUpdateEnergies_MissingCoverageIsDesync(t *testing.T) {
	c := newCatalog(t, "a", "b")
	s := newScheduler(t, c, mapCounters{})
	err := s.UpdateEnergies(map[string]float64{"a": 0.1})
	if !errors.Is(err, ErrStateDesync) {
		t.Fatalf("err = %v, want ErrStateDesync", err)
	}
}

func TestEnergy_UnknownAPI(t *testing.T) {
	s := newScheduler(t, newCatalog(t, "a"), mapCounters{})
	if _, err := s.Energy("zz"); !errors.Is(err, ErrUnknownAPI) {
		t.Fatalf("err = %v, want ErrUnknownAPI", err)
	}
	if _, err := s.ChooseLowEnergyAPI([]string{"a", "zz"}); !errors.Is(err, ErrUnknownAPI) {
		t.Fatalf("ChooseLowEnergyAPI err = %v, want ErrUnknownAPI", err)
	}
}

func TestChooseAPIByEnergy_ZeroEnergyStarved(t *testing.T) {
	c := newCatalog(t, "hot", "cold")
	s := newScheduler(t, c, mapCounters{})
	if err := s.UpdateEnergies(map[string]float64{"hot": 0, "cold": 1}); err != nil {
		t.Fatalf("UpdateEnergies: %v", err)
	}
	cold := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		if s.ChooseAPIByEnergy() == "cold" {
			cold++
		}
	}
	if cold != 0 {
		t.Errorf("zero-energy api chosen %d/%d times", cold, trials)
	}
}

func TestChooseAPIByEnergy_AllZeroIsUniform(t *testing.T) {
	c := newCatalog(t, "a", "b", "c")
	s := newScheduler(t, c, mapCounters{})
	if err := s.UpdateEnergies(map[string]float64{"a": 1, "b": 1, "c": 1}); err != nil {
		t.Fatalf("UpdateEnergies: %v", err)
	}
	seen := map[string]int{}
	for i := 0; i < 3000; i++ {
		seen[s.ChooseAPIByEnergy()]++
	}
	for _, n := range []string{"a", "b", "c"} {
		if seen[n] < 800 {
			t.Errorf("uniform fallback chose %s only %d times", n, seen[n])
		}
	}
}

func TestAssembleCombination_Distinct(t *testing.T) {
	c := newCatalog(t, "a", "b", "c", "d", "e", "f")
	s := newScheduler(t, c, mapCounters{})
	// one dominant api must not stall assembly
	s.InitAPIMode()
	s.UpdateEnergiesFromAPIPairs([]callseq.Pair{{Caller: "a", Callee: "a"}})
	for l := 1; l <= c.Len(); l++ {
		for trial := 0; trial < 50; trial++ {
			comb, err := s.AssembleCombination(l)
			if err != nil {
				t.Fatalf("AssembleCombination(%d): %v", l, err)
			}
			if len(comb) != l {
				t.Fatalf("len = %d, want %d", len(comb), l)
			}
			seen := map[string]bool{}
			for _, g := range comb {
				if seen[g.Name] {
					t.Fatalf("duplicate %s in %v", g.Name, comb)
				}
				seen[g.Name] = true
			}
		}
	}
	if _, err := s.AssembleCombination(c.Len() + 1); err == nil {
		t.Error("expected error for length beyond catalog")
	}
}

func TestAssembleHighEnergyCombination_LengthWithinBounds(t *testing.T) {
	c := newCatalog(t, "a", "b", "c", "d", "e")
	s := newScheduler(t, c, mapCounters{}, WithCombLen(CombLen{Min: 2, Max: 9}))
	for i := 0; i < 200; i++ {
		comb, err := s.AssembleHighEnergyCombination()
		if err != nil {
			t.Fatalf("AssembleHighEnergyCombination: %v", err)
		}
		if len(comb) < 2 || len(comb) > 5 {
			t.Fatalf("len %d outside [2,5]", len(comb))
		}
	}
}

func TestUpdateEnergiesFromAPIPairs(t *testing.T) {
	c := newCatalog(t, "init", "process", "end")
	s := newScheduler(t, c, mapCounters{})
	s.InitAPIMode()
	s.UpdateEnergiesFromAPIPairs([]callseq.Pair{
		{Caller: "init", Callee: "process"},
		{Caller: "process", Callee: "printf"},
	})
	got := map[string]float64{}
	for _, r := range s.Records() {
		got[r.Name] = r.Energy
	}
	want := map[string]float64{"init": 2, "process": 3, "end": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("energies mismatch (-want +got):\n%s", diff)
	}

	s.UpdateEnergiesFromAPIPairs(nil)
	if e, _ := s.Energy("end"); e != 1 {
		t.Errorf("empty update changed energy to %v", e)
	}
}

func TestChooseLowEnergyAPI_NeverPicksMax(t *testing.T) {
	c := newCatalog(t, "a", "b", "c")
	s := newScheduler(t, c, mapCounters{})
	s.InitAPIMode()
	s.UpdateEnergiesFromAPIPairs([]callseq.Pair{{Caller: "a", Callee: "b"}, {Caller: "a", Callee: "x"}})
	names := []string{"a", "b", "c"}
	for i := 0; i < 500; i++ {
		idx, err := s.ChooseLowEnergyAPI(names)
		if err != nil {
			t.Fatalf("ChooseLowEnergyAPI: %v", err)
		}
		if names[idx] == "a" {
			t.Fatal("highest-energy api was chosen for replacement")
		}
	}
}

func TestRandomCombination(t *testing.T) {
	c := newCatalog(t, "a", "b", "c", "d")
	rng := rand.New(rand.NewPCG(7, 7))
	comb, err := RandomCombination(rng, c, 4)
	if err != nil {
		t.Fatalf("RandomCombination: %v", err)
	}
	seen := map[string]bool{}
	for _, g := range comb {
		seen[g.Name] = true
	}
	if len(seen) != 4 {
		t.Errorf("want 4 distinct, got %v", comb)
	}
	if _, err := RandomCombination(rng, c, 5); err == nil {
		t.Error("expected error when n exceeds catalog")
	}
}
