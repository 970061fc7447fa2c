package fuzzloop

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/gadget"
	"promptfuzz/internal/llm"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/minimize"
	"promptfuzz/internal/observer"
	"promptfuzz/internal/program"
	"promptfuzz/internal/prompt"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/session"
	"promptfuzz/internal/store"
	"promptfuzz/internal/workspace"
)

const seqSource = `void test_zlib_api_sequence() {
    a();
    b();
}
`

type fakeMinimizer struct {
	mu    sync.Mutex
	calls []minimize.Strategy
}

func (f *fakeMinimizer) Minimize(_ context.Context, s minimize.Strategy, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return nil
}

type acceptAll struct{}

func (acceptAll) ValidateAPISequence(context.Context, program.Program) (error, error) {
	return nil, nil
}

// coverageValidator accepts programs that do not contain "bad" and writes a
// fixed llvm-cov export for each accepted one.
type coverageValidator struct {
	layout *workspace.Layout
	export string
}

func (v coverageValidator) CheckProgramsAreCorrect(_ context.Context, ps []program.Program) ([]error, error) {
	out := make([]error, len(ps))
	for i, p := range ps {
		if strings.Contains(p.Source, "bad") {
			out[i] = errors.New("sanitizer: heap-buffer-overflow")
			continue
		}
		path := v.layout.CoveragePath(p.ID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(v.export), 0o644); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const exportAB = `{"data":[{"functions":[
 {"name":"a","count":3,"filenames":["lib/a.c"],"branches":[[4,2,4,9,3,0,0,0,4]]},
 {"name":"b","count":1,"filenames":["lib/b.c"],"branches":[[7,1,7,6,1,1,0,0,4]]}
]}]}`

type harness struct {
	sched  *schedule.Scheduler
	sess   *session.Session
	layout *workspace.Layout
	store  store.Store
	min    *fakeMinimizer
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	cat, err := gadget.NewCatalog([]gadget.APIGadget{
		{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"},
	})
	if err != nil {
		t.Fatal(err)
	}
	sess := session.New(mode)
	layout := workspace.New(t.TempDir(), "zlib")
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	return &harness{
		sched: schedule.New(cat, sess,
			schedule.WithRand(rand.New(rand.NewPCG(1, 2))),
			schedule.WithLogger(logging.Discard())),
		sess:   sess,
		layout: layout,
		store:  store.NewMemStore(),
		min:    &fakeMinimizer{},
	}
}

func (h *harness) loop(t *testing.T, opts Options, mode Mode, gen llm.HandlerFunc) *Loop {
	t.Helper()
	r, err := prompt.NewRenderer(mode.Name(), "")
	if err != nil {
		t.Fatal(err)
	}
	l, err := New(opts, mode, Deps{
		Handler:   gen,
		Renderer:  r,
		Scheduler: h.sched,
		Session:   h.sess,
		Layout:    h.layout,
		Store:     h.store,
		Logger:    logging.Discard(),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func constant(sources ...string) llm.HandlerFunc {
	return func(context.Context, llm.Request) ([]program.Program, error) {
		out := make([]program.Program, len(sources))
		for i, s := range sources {
			out[i] = program.New(s)
		}
		return out, nil
	}
}

func newSignals(t *testing.T, st store.Store) []int {
	t.Helper()
	rounds, err := st.ListRounds()
	if err != nil {
		t.Fatal(err)
	}
	out := make([]int, len(rounds))
	for i, r := range rounds {
		out[i] = r.NewSignal
	}
	return out
}

func TestLoop_CombinationConverges(t *testing.T) {
	h := newHarness(t, "combination")
	opts := Options{Library: "zlib", NSample: 1, RoundSuccess: 1, ConvergeRounds: 2, MaxRoundAttempts: 5}
	l := h.loop(t, opts, NewCombinationMode(acceptAll{}, h.min), constant(seqSource))

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.State() != Converged {
		t.Errorf("state = %v, want converged", l.State())
	}
	if got := h.sess.Loop(); got != 3 {
		t.Errorf("loops = %d, want 3", got)
	}
	if diff := cmp.Diff([]int{1, 0, 0}, newSignals(t, h.store)); diff != "" {
		t.Errorf("new signal per round (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]callseq.Pair{{Caller: "a", Callee: "b"}}, h.sess.Pairs.List()); diff != "" {
		t.Errorf("pairs (-want +got):\n%s", diff)
	}
	for api, want := range map[string]float64{"a": 2, "b": 2, "c": 1} {
		got, err := h.sched.Energy(api)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("energy(%s) = %v, want %v", api, got, want)
		}
	}
	if got := h.sess.ExecCount("a"); got != 3 {
		t.Errorf("exec(a) = %d, want 3", got)
	}
	seeds, err := h.layout.ListSeeds("")
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 3 || seeds[0].ID != 0 || seeds[2].ID != 2 {
		t.Errorf("seeds = %+v, want ids 0..2", seeds)
	}
	if diff := cmp.Diff([]minimize.Strategy{minimize.ByAPIPairs}, h.min.calls); diff != "" {
		t.Errorf("minimize calls (-want +got):\n%s", diff)
	}
	snap, err := h.store.LatestSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("LatestSnapshot = %v, %v", snap, err)
	}
	if snap.QuietRound != 2 || snap.NextProgramID != 3 {
		t.Errorf("snapshot quiet=%d next=%d, want 2 and 3", snap.QuietRound, snap.NextProgramID)
	}
}

func TestLoop_DriverSplitsAcceptedAndRejected(t *testing.T) {
	h := newHarness(t, "driver")
	obs := observer.New(h.sched.Catalog())
	v := coverageValidator{layout: h.layout, export: exportAB}
	opts := Options{Library: "zlib", NSample: 2, RoundSuccess: 1, ConvergeRounds: 2, MaxRoundAttempts: 5, MutateLines: 2}
	l := h.loop(t, opts, NewDriverMode(v, obs, h.min), constant(seqSource, "int bad() { return 0; }"))

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.State() != Converged {
		t.Errorf("state = %v, want converged", l.State())
	}
	if diff := cmp.Diff([]int{3, 0, 0}, newSignals(t, h.store)); diff != "" {
		t.Errorf("new signal per round (-want +got):\n%s", diff)
	}

	accepted, _ := h.store.ListPrograms(program.StatusAccepted)
	rejected, _ := h.store.ListPrograms(program.StatusRejected)
	var ids []int64
	for _, r := range accepted {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]int64{0, 2, 4}, ids); diff != "" {
		t.Errorf("accepted ids (-want +got):\n%s", diff)
	}
	if len(rejected) != 3 {
		t.Errorf("rejected = %d, want 3", len(rejected))
	}
	if accepted[0].Branches != 3 {
		t.Errorf("branches after first seed = %d, want 3", accepted[0].Branches)
	}
	if diff := cmp.Diff([]string{"a", "b"}, accepted[0].APIs); diff != "" {
		t.Errorf("apis (-want +got):\n%s", diff)
	}
	diag, err := os.ReadFile(filepath.Join(h.layout.ErrorDir(), "id_000001.cc.err"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(diag), "heap-buffer-overflow") {
		t.Errorf("diagnostic = %q", diag)
	}
	if diff := cmp.Diff([]minimize.Strategy{minimize.ByBranchCoverage}, h.min.calls); diff != "" {
		t.Errorf("minimize calls (-want +got):\n%s", diff)
	}
	if got := len(l.Prompt().Names()); got < 1 {
		t.Errorf("next prompt is empty")
	}
}

func TestLoop_StuckPromptShufflesWithoutCountingQuiet(t *testing.T) {
	h := newHarness(t, "driver")
	obs := observer.New(h.sched.Catalog())
	v := coverageValidator{layout: h.layout}
	bad := make([]string, 10)
	for i := range bad {
		bad[i] = "int bad() { return 1; }"
	}
	opts := Options{Library: "zlib", NSample: 10, RoundSuccess: 1, ConvergeRounds: 2, MaxRoundAttempts: 5, MaxRounds: 2}
	l := h.loop(t, opts, NewDriverMode(v, obs, h.min), constant(bad...))

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.State() != Running {
		t.Errorf("state = %v, want running", l.State())
	}
	rounds, _ := h.store.ListRounds()
	if len(rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(rounds))
	}
	for _, r := range rounds {
		if !r.Shuffled || r.Rejected != 10 || r.QuietRound != 0 {
			t.Errorf("round %+v: want shuffled, 10 rejected, quiet 0", r)
		}
	}
	entries, _ := os.ReadDir(h.layout.ErrorDir())
	if len(entries) != 40 {
		t.Errorf("error dir entries = %d, want 40", len(entries))
	}
}

func TestLoop_RecheckDemotesSeeds(t *testing.T) {
	h := newHarness(t, "driver")
	obs := observer.New(h.sched.Catalog())
	v := &flipValidator{coverageValidator: coverageValidator{layout: h.layout, export: exportAB}}
	opts := Options{Library: "zlib", NSample: 1, RoundSuccess: 1, ConvergeRounds: 2, MaxRoundAttempts: 5, Recheck: true, MaxRounds: 2}
	l := h.loop(t, opts, NewDriverMode(v, obs, h.min), constant(seqSource))

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	accepted, _ := h.store.ListPrograms(program.StatusAccepted)
	rejected, _ := h.store.ListPrograms(program.StatusRejected)
	if len(rejected) != 1 || rejected[0].ID != 0 {
		t.Fatalf("rejected = %+v, want seed 0 demoted", rejected)
	}
	if len(accepted) != 1 {
		t.Errorf("accepted = %d, want 1", len(accepted))
	}
	if _, err := os.Stat(filepath.Join(h.layout.SeedDir(), "id_000000.cc")); !os.IsNotExist(err) {
		t.Errorf("demoted seed still in corpus: %v", err)
	}
	if snap, _ := h.store.LatestSnapshot(); snap == nil || !snap.Rechecked {
		t.Errorf("snapshot does not record the recheck: %+v", snap)
	}
}

func TestLoop_RecheckSkippedForRecheckedSession(t *testing.T) {
	h := newHarness(t, "driver")
	h.sess.MarkRechecked()
	obs := observer.New(h.sched.Catalog())
	v := &flipValidator{coverageValidator: coverageValidator{layout: h.layout, export: exportAB}}
	opts := Options{Library: "zlib", NSample: 1, RoundSuccess: 1, ConvergeRounds: 2, MaxRoundAttempts: 5, Recheck: true, MaxRounds: 2}
	l := h.loop(t, opts, NewDriverMode(v, obs, h.min), constant(seqSource))

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rejected, _ := h.store.ListPrograms(program.StatusRejected); len(rejected) != 0 {
		t.Errorf("rejected = %+v, want no demotion", rejected)
	}
}

// flipValidator accepts everything on first sight and rejects seed 0 when it
// is checked again.
type flipValidator struct {
	coverageValidator
	seen map[int64]bool
}

func (f *flipValidator) CheckProgramsAreCorrect(ctx context.Context, ps []program.Program) ([]error, error) {
	if f.seen == nil {
		f.seen = map[int64]bool{}
	}
	out, err := f.coverageValidator.CheckProgramsAreCorrect(ctx, ps)
	if err != nil {
		return nil, err
	}
	for i, p := range ps {
		if f.seen[p.ID] && p.ID == 0 {
			out[i] = errors.New("flaky crash")
		}
		f.seen[p.ID] = true
	}
	return out, nil
}

func TestLoop_GenerateErrorIsFatal(t *testing.T) {
	h := newHarness(t, "combination")
	boom := errors.New("boom")
	gen := llm.HandlerFunc(func(context.Context, llm.Request) ([]program.Program, error) { return nil, boom })
	l := h.loop(t, Options{Library: "zlib", NSample: 1}, NewCombinationMode(acceptAll{}, h.min), gen)

	if err := l.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want boom", err)
	}
	if len(h.min.calls) != 0 {
		t.Error("minimizer ran after a fatal error")
	}
}

func TestLoop_ResumedCombinationReplaysPairs(t *testing.T) {
	h := newHarness(t, "combination")
	h.sess.Pairs.Insert(callseq.Pair{Caller: "c", Callee: "d"})
	opts := Options{Library: "zlib", NSample: 1, ConvergeRounds: 1, MaxRounds: 1}
	l := h.loop(t, opts, NewCombinationMode(acceptAll{}, h.min), constant(seqSource))
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for api, want := range map[string]float64{"c": 2, "d": 2, "a": 2, "e": 1} {
		if got, _ := h.sched.Energy(api); got != want {
			t.Errorf("energy(%s) = %v, want %v", api, got, want)
		}
	}
}

// scripted answers the n-th request with steps[n]; past the end it repeats
// the last step.
func scripted(steps ...llm.HandlerFunc) llm.HandlerFunc {
	n := 0
	return func(ctx context.Context, req llm.Request) ([]program.Program, error) {
		step := steps[min(n, len(steps)-1)]
		n++
		return step(ctx, req)
	}
}

func TestLoop_ResumeAfterInterruptedRound(t *testing.T) {
	h := newHarness(t, "driver")
	st, err := store.Open(filepath.Join(t.TempDir(), store.DefaultDBName))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	h.store = st

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := llm.HandlerFunc(func(ctx context.Context, _ llm.Request) ([]program.Program, error) {
		cancel()
		return nil, ctx.Err()
	})
	v := coverageValidator{layout: h.layout, export: exportAB}
	opts := Options{Library: "zlib", NSample: 1, RoundSuccess: 1, ConvergeRounds: 5, MaxRoundAttempts: 5, MutateLines: 2}
	l := h.loop(t, opts, NewDriverMode(v, observer.New(h.sched.Catalog()), h.min),
		scripted(constant(seqSource), constant("void bad() {}"), interrupt))

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}

	snap, err := st.LatestSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("LatestSnapshot = %v, %v", snap, err)
	}
	if snap.Loop != 1 || snap.NextProgramID != 1 {
		t.Fatalf("snapshot loop=%d next=%d, want the state after round 1", snap.Loop, snap.NextProgramID)
	}
	before, err := st.ListPrograms(program.StatusRejected)
	if err != nil || len(before) != 1 || before[0].ID != 1 {
		t.Fatalf("rejected before resume = %+v, %v; want id 1", before, err)
	}
	rejectedPath := filepath.Join(h.layout.ErrorDir(), "id_000001.cc")
	srcBefore, err := os.ReadFile(rejectedPath)
	if err != nil {
		t.Fatal(err)
	}
	wantEnergies, err := st.ListEnergies()
	if err != nil || len(wantEnergies) == 0 {
		t.Fatalf("ListEnergies = %v, %v", wantEnergies, err)
	}

	sess := session.Restore(*snap)
	sched := schedule.New(h.sched.Catalog(), sess,
		schedule.WithRand(rand.New(rand.NewPCG(3, 4))),
		schedule.WithLogger(logging.Discard()))
	obs := observer.New(h.sched.Catalog())
	for _, rec := range wantEnergies {
		if got := sess.ExecCount(rec.Name); got != rec.ExecCount {
			t.Errorf("exec(%s) = %d, want %d", rec.Name, got, rec.ExecCount)
		}
		if got := sess.PromptCount(rec.Name); got != rec.PromptCount {
			t.Errorf("prompt(%s) = %d, want %d", rec.Name, got, rec.PromptCount)
		}
	}

	r, err := prompt.NewRenderer("driver", "")
	if err != nil {
		t.Fatal(err)
	}
	mode := NewDriverMode(v, obs, h.min)
	opts.MaxRounds = 1
	resumed, err := New(opts, mode, Deps{
		Handler:   scripted(constant("void also_bad() { bad(); }"), constant(seqSource)),
		Renderer:  r,
		Scheduler: sched,
		Session:   sess,
		Layout:    h.layout,
		Store:     st,
		Logger:    logging.Discard(),
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	accepted, err := st.ListPrograms(program.StatusAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if err := mode.Init(context.Background(), resumed, accepted); err != nil {
		t.Fatal(err)
	}
	if err := sched.UpdateEnergies(obs.ComputeLibraryAPICoverage()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantEnergies, sched.Records(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("energies from restored counters (-want +got):\n%s", diff)
	}

	if err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	after, err := st.ListPrograms(program.StatusRejected)
	if err != nil || len(after) < 2 {
		t.Fatalf("rejected after resume = %+v, %v", after, err)
	}
	if diff := cmp.Diff(before[0], after[0]); diff != "" {
		t.Errorf("rejected id 1 overwritten (-before +after):\n%s", diff)
	}
	if after[1].ID <= 1 || after[1].Source != "void also_bad() { bad(); }" {
		t.Errorf("resumed rejection = %+v, want a fresh id above 1", after[1])
	}
	srcAfter, err := os.ReadFile(rejectedPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(srcAfter) != string(srcBefore) {
		t.Errorf("rejected source of id 1 = %q, want %q", srcAfter, srcBefore)
	}
	all, err := st.ListPrograms("")
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, rec := range all {
		ids = append(ids, rec.ID)
	}
	if diff := cmp.Diff([]int64{0, 1, 2, 3}, ids); diff != "" {
		t.Errorf("program ids (-want +got):\n%s", diff)
	}
	if snap, _ := st.LatestSnapshot(); snap == nil || snap.NextProgramID != 4 || snap.Loop != 2 {
		t.Errorf("snapshot after resume = %+v, want next=4 loop=2", snap)
	}
}

// cancellingValidator cancels the run while validating and reports the
// cancellation as a program diagnostic, like a build killed mid-way.
type cancellingValidator struct{ cancel context.CancelFunc }

func (c cancellingValidator) ValidateAPISequence(ctx context.Context, _ program.Program) (error, error) {
	c.cancel()
	return ctx.Err(), nil
}

func TestLoop_CancelDuringValidateRejectsNothing(t *testing.T) {
	h := newHarness(t, "combination")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := h.loop(t, Options{Library: "zlib", NSample: 1, RoundSuccess: 1, MaxRoundAttempts: 3},
		NewCombinationMode(cancellingValidator{cancel: cancel}, h.min), constant(seqSource))

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if all, _ := h.store.ListPrograms(""); len(all) != 0 {
		t.Errorf("programs = %+v, want none persisted", all)
	}
	if entries, _ := os.ReadDir(h.layout.ErrorDir()); len(entries) != 0 {
		t.Errorf("error dir entries = %d, want 0", len(entries))
	}
}

func TestState_String(t *testing.T) {
	if Running.String() != "running" || Converged.String() != "converged" {
		t.Error("unexpected state names")
	}
}
