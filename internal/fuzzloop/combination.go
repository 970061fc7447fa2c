package fuzzloop

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/config"
	"promptfuzz/internal/executor"
	"promptfuzz/internal/minimize"
	"promptfuzz/internal/program"
	"promptfuzz/internal/store"
)

// CombinationMode generates plain API-sequence programs. New signal is a
// caller/callee pair no earlier program exercised.
type CombinationMode struct {
	validator executor.SequenceValidator
	minimizer minimize.Minimizer
}

// NewCombinationMode returns the API-combination mode.
func NewCombinationMode(v executor.SequenceValidator, m minimize.Minimizer) *CombinationMode {
	if m == nil {
		m = minimize.Nop{}
	}
	return &CombinationMode{validator: v, minimizer: m}
}

func (c *CombinationMode) Name() string { return config.ModeCombination }

// Init resets every energy to 1 and replays the pairs the session already
// discovered.
func (c *CombinationMode) Init(_ context.Context, l *Loop, _ []*store.ProgramRecord) error {
	l.deps.Scheduler.InitAPIMode()
	if pairs := l.deps.Session.Pairs.List(); len(pairs) > 0 {
		l.deps.Scheduler.UpdateEnergiesFromAPIPairs(pairs)
		l.log.Info("pair energies restored", "pairs", len(pairs))
	}
	return nil
}

// Validate checks programs one at a time; each needs its own build.
func (c *CombinationMode) Validate(ctx context.Context, programs []program.Program) ([]error, error) {
	diags := make([]error, len(programs))
	for i := range programs {
		diag, err := c.validator.ValidateAPISequence(ctx, programs[i])
		if err != nil {
			return nil, err
		}
		diags[i] = diag
	}
	return diags, nil
}

// Feedback parses the accepted programs concurrently, then inserts their
// pairs in id order so discovery is attributed deterministically.
func (c *CombinationMode) Feedback(ctx context.Context, l *Loop, res *RoundResult) (int, error) {
	calls := make([][]string, len(res.Accepted))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range res.Accepted {
		g.Go(func() error {
			cs, err := callseq.Calls(gctx, []byte(p.Source))
			if err != nil {
				return fmt.Errorf("calls of %d: %w", p.ID, err)
			}
			calls[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	cat := l.deps.Scheduler.Catalog()
	var fresh []callseq.Pair
	for i, p := range res.Accepted {
		if err := l.deps.Layout.SaveAccepted(p); err != nil {
			return 0, err
		}
		added := l.deps.Session.Pairs.InsertAll(callseq.Bigrams(calls[i]))
		fresh = append(fresh, added...)
		apis := callseq.Used(calls[i], cat.Has)
		l.deps.Session.IncExec(apis...)

		if err := l.deps.Store.AddPairs(added, res.Loop); err != nil {
			return 0, err
		}
		rec := &store.ProgramRecord{Program: *p, APIs: apis, Elapsed: l.elapsed()}
		if err := l.deps.Store.SaveProgram(rec); err != nil {
			return 0, err
		}
		for _, pr := range added {
			l.log.Debug("api pair discovered", "pair", pr.String(), "id", p.ID)
		}
	}
	if len(fresh) > 0 {
		l.deps.Scheduler.UpdateEnergiesFromAPIPairs(fresh)
	}
	l.deps.Metrics.DiscoveredPairs(l.deps.Session.Pairs.Len())
	return len(fresh), nil
}

func (c *CombinationMode) NextPrompt(l *Loop) error {
	comb, err := l.deps.Scheduler.AssembleHighEnergyCombination()
	if err != nil {
		return err
	}
	l.prompt.SetCombination(comb)
	return nil
}

func (c *CombinationMode) Minimize(ctx context.Context, l *Loop) error {
	return c.minimizer.Minimize(ctx, minimize.ByAPIPairs, l.deps.Layout.SeedDir())
}

func (c *CombinationMode) SummaryAttrs(l *Loop) []any {
	return []any{"discovered_api_pairs", l.deps.Session.Pairs.Len()}
}
