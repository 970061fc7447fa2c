package fuzzloop

import (
	"context"
	"fmt"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/config"
	"promptfuzz/internal/executor"
	"promptfuzz/internal/format"
	"promptfuzz/internal/minimize"
	"promptfuzz/internal/observer"
	"promptfuzz/internal/program"
	"promptfuzz/internal/store"
)

// DriverMode grows a corpus of libFuzzer drivers. New signal is a branch no
// earlier seed covered.
type DriverMode struct {
	validator executor.DriverValidator
	observer  *observer.Observer
	minimizer minimize.Minimizer
}

// NewDriverMode returns the fuzz-driver mode.
func NewDriverMode(v executor.DriverValidator, obs *observer.Observer, m minimize.Minimizer) *DriverMode {
	if m == nil {
		m = minimize.Nop{}
	}
	return &DriverMode{validator: v, observer: obs, minimizer: m}
}

func (d *DriverMode) Name() string { return config.ModeDriver }

// Init reloads the global coverage from the accepted seeds' coverage files.
func (d *DriverMode) Init(_ context.Context, l *Loop, accepted []*store.ProgramRecord) error {
	if len(accepted) == 0 {
		return nil
	}
	covs := d.loadCoverages(l, accepted)
	d.observer.Recompute(covs)
	l.log.Info("coverage restored", "seeds", len(accepted), "branches", d.observer.CoveredBranches())
	return nil
}

func (d *DriverMode) loadCoverages(l *Loop, recs []*store.ProgramRecord) []*observer.Coverage {
	covs := make([]*observer.Coverage, 0, len(recs))
	for _, r := range recs {
		cov, err := observer.LoadCoverage(l.deps.Layout.CoveragePath(r.ID))
		if err != nil {
			l.log.Warn("seed coverage unavailable", "id", r.ID, "err", err)
			continue
		}
		covs = append(covs, cov)
	}
	return covs
}

func (d *DriverMode) Validate(ctx context.Context, programs []program.Program) ([]error, error) {
	return d.validator.CheckProgramsAreCorrect(ctx, programs)
}

func (d *DriverMode) Feedback(ctx context.Context, l *Loop, res *RoundResult) (int, error) {
	cat := l.deps.Scheduler.Catalog()
	fresh := 0
	for _, p := range res.Accepted {
		if err := l.deps.Layout.SaveAccepted(p); err != nil {
			return 0, err
		}
		cov, err := observer.LoadCoverage(l.deps.Layout.CoveragePath(p.ID))
		if err != nil {
			l.log.Warn("coverage missing, counting seed as no new coverage", "id", p.ID, "err", err)
		} else {
			unique := d.observer.HasUniqueBranch(cov)
			fresh += len(unique)
			d.observer.Merge(cov)
			l.log.Debug("seed merged", "id", p.ID, "new_branches", len(unique))
		}

		calls, err := callseq.Calls(ctx, []byte(p.Source))
		if err != nil {
			return 0, fmt.Errorf("calls of %d: %w", p.ID, err)
		}
		apis := callseq.Used(calls, cat.Has)
		l.deps.Session.IncExec(apis...)

		rec := &store.ProgramRecord{
			Program:  *p,
			APIs:     apis,
			Elapsed:  l.elapsed(),
			Branches: d.observer.CoveredBranches(),
		}
		if err := l.deps.Store.SaveProgram(rec); err != nil {
			return 0, err
		}
	}
	l.deps.Metrics.CoveredBranches(d.observer.CoveredBranches())
	return fresh, nil
}

// NextPrompt either mutates a few lines of the current combination or draws
// a fresh energy-weighted one. Mutation grows likelier as the corpus grows.
func (d *DriverMode) NextPrompt(l *Loop) error {
	s := l.deps.Scheduler
	if err := s.UpdateEnergies(d.observer.ComputeLibraryAPICoverage()); err != nil {
		return err
	}
	if s.ShouldDeterministicMutate(l.corpus) {
		n, err := l.prompt.Mutate(s, l.opts.MutateLines)
		if err != nil {
			return err
		}
		l.log.Debug("prompt mutated", "lines", n, "prompt", l.prompt.Names())
		return nil
	}
	comb, err := s.AssembleHighEnergyCombination()
	if err != nil {
		return err
	}
	l.prompt.SetCombination(comb)
	return nil
}

// Recheck revalidates every accepted seed once per session, demoting the ones
// that no longer pass, and rebuilds coverage from the survivors. The session
// is only marked after a complete pass, so an interrupted recheck reruns on
// resume.
func (d *DriverMode) Recheck(ctx context.Context, l *Loop) (bool, error) {
	if l.deps.Session.Rechecked() {
		return false, nil
	}

	recs, err := l.deps.Store.ListPrograms(program.StatusAccepted)
	if err != nil {
		return false, err
	}
	programs := make([]program.Program, len(recs))
	for i, r := range recs {
		programs[i] = r.Program
	}
	diags, err := d.validator.CheckProgramsAreCorrect(ctx, programs)
	if err != nil {
		return false, err
	}
	if len(diags) != len(programs) {
		return false, fmt.Errorf("recheck: %d results for %d seeds", len(diags), len(programs))
	}

	survivors := make([]*store.ProgramRecord, 0, len(recs))
	for i, r := range recs {
		if diags[i] == nil {
			survivors = append(survivors, r)
			continue
		}
		p := r.Program
		if err := l.deps.Layout.Demote(&p, diags[i].Error()); err != nil {
			return false, err
		}
		if err := l.deps.Store.UpdateProgramStatus(p.ID, program.StatusRejected, p.Err); err != nil {
			return false, err
		}
		l.log.Info("seed demoted on recheck", "id", p.ID, "err", format.FirstLine(p.Err))
	}
	d.observer.Recompute(d.loadCoverages(l, survivors))
	l.corpus = len(survivors)
	l.deps.Session.MarkRechecked()
	l.log.Info("corpus rechecked", "seeds", len(recs), "demoted", len(recs)-len(survivors),
		"branches", d.observer.CoveredBranches())
	return true, nil
}

func (d *DriverMode) Minimize(ctx context.Context, l *Loop) error {
	return d.minimizer.Minimize(ctx, minimize.ByBranchCoverage, l.deps.Layout.SeedDir())
}

// CoveredBranches is the global branch count.
func (d *DriverMode) CoveredBranches() int { return d.observer.CoveredBranches() }

func (d *DriverMode) SummaryAttrs(_ *Loop) []any {
	s := d.observer.Summary()
	return []any{
		"covered_branches", s.CoveredBranches,
		"api_branches", s.TotalAPIBranches,
		"entered_apis", s.EnteredAPIs,
	}
}
