// Package fuzzloop drives the round-based synthesis loop: generate
// candidates for the current prompt, validate them, fold accepted programs
// back into the power schedule and pick the next prompt, until the session
// stops producing new signal.
package fuzzloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"promptfuzz/internal/config"
	"promptfuzz/internal/format"
	"promptfuzz/internal/llm"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/metrics"
	"promptfuzz/internal/program"
	"promptfuzz/internal/prompt"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/session"
	"promptfuzz/internal/store"
	"promptfuzz/internal/workspace"
)

// State of the loop.
type State int

const (
	Running State = iota
	Converged
)

func (s State) String() string {
	if s == Converged {
		return "converged"
	}
	return "running"
}

// Options are the loop knobs, usually taken from config.
type Options struct {
	Library              string
	NSample              int
	Temperature          float64
	RoundSuccess         int
	ConvergeRounds       int
	MaxRoundAttempts     int
	MaxRounds            int // 0 means until converged
	MutateLines          int
	DefaultCombLen       int
	DisablePowerSchedule bool
	Recheck              bool
	PrunePrompts         bool
	Description          string
	Spec                 string
	RetryBackoff         time.Duration
}

// OptionsFromConfig maps a run configuration onto loop options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Library:              cfg.Library,
		NSample:              cfg.Handler.NSample,
		Temperature:          cfg.Handler.Temperature,
		RoundSuccess:         cfg.Fuzz.RoundSuccess,
		ConvergeRounds:       cfg.Fuzz.ConvergeRounds,
		MaxRoundAttempts:     cfg.Fuzz.MaxRoundAttempts,
		MaxRounds:            cfg.Fuzz.MaxRounds,
		MutateLines:          cfg.Fuzz.MutateLines,
		DefaultCombLen:       cfg.Fuzz.DefaultCombLen,
		DisablePowerSchedule: cfg.Fuzz.DisablePowerSchedule,
		Recheck:              cfg.Fuzz.Recheck,
		PrunePrompts:         cfg.Fuzz.PrunePrompts,
		Description:          cfg.Lib.Desc,
		Spec:                 cfg.Lib.Spec,
		RetryBackoff:         2 * time.Second,
	}
}

// Deps are the collaborators of a loop.
type Deps struct {
	Handler   llm.Handler
	Renderer  *prompt.Renderer
	Scheduler *schedule.Scheduler
	Session   *session.Session
	Layout    *workspace.Layout
	Store     store.Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Loop is one fuzzing session. Rounds run strictly one after another.
type Loop struct {
	opts  Options
	mode  Mode
	deps  Deps
	log   *slog.Logger
	state State

	prompt  *prompt.Prompt
	corpus  int // accepted seeds so far
	resumed bool
}

// RoundResult summarizes one round.
type RoundResult struct {
	Loop      int
	Accepted  []*program.Program
	Rejected  int
	NewSignal int
	Shuffled  bool
	Pruned    bool
}

// New assembles a loop. resumed tells the mode to rebuild derived state
// (coverage, pair energies) from the store before the first round.
func New(opts Options, mode Mode, deps Deps, resumed bool) (*Loop, error) {
	if deps.Handler == nil || deps.Renderer == nil || deps.Scheduler == nil ||
		deps.Session == nil || deps.Layout == nil || deps.Store == nil {
		return nil, errors.New("fuzzloop: missing dependency")
	}
	if opts.RoundSuccess < 1 {
		opts.RoundSuccess = 1
	}
	if opts.ConvergeRounds < 1 {
		opts.ConvergeRounds = 1
	}
	if opts.MaxRoundAttempts < 1 {
		opts.MaxRoundAttempts = 1
	}
	l := deps.Logger
	if l == nil {
		l = logging.New("fuzzloop")
	}
	return &Loop{opts: opts, mode: mode, deps: deps, log: l, resumed: resumed}, nil
}

// State returns the current loop state.
func (l *Loop) State() State { return l.state }

// Prompt returns the prompt of the next round.
func (l *Loop) Prompt() *prompt.Prompt { return l.prompt }

// Run drives rounds until convergence, MaxRounds, or ctx is done, then
// minimizes the corpus. Invariant violations from the scheduler abort the run.
func (l *Loop) Run(ctx context.Context) error {
	used, err := l.deps.Store.MaxProgramID()
	if err != nil {
		return fmt.Errorf("load program ids: %w", err)
	}
	l.deps.Session.SkipProgramIDs(used)

	accepted, err := l.deps.Store.ListPrograms(program.StatusAccepted)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	l.corpus = len(accepted)

	if err := l.mode.Init(ctx, l, accepted); err != nil {
		return fmt.Errorf("init %s mode: %w", l.mode.Name(), err)
	}
	if err := l.freshPrompt(l.deps.Scheduler.SampleCombLen()); err != nil {
		return err
	}
	l.log.Info("fuzz loop started",
		"mode", l.mode.Name(), "session", l.deps.Session.ID, "resumed", l.resumed,
		"corpus", l.corpus, "prompt", l.prompt.Names())

	rounds := 0
	for l.state == Running {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.deps.Session.QuietRound() >= l.opts.ConvergeRounds {
			l.state = Converged
			break
		}
		if l.opts.MaxRounds > 0 && rounds >= l.opts.MaxRounds {
			l.log.Info("round limit reached", "rounds", rounds)
			break
		}
		if _, err := l.Round(ctx); err != nil {
			return err
		}
		rounds++
	}

	l.log.Info("fuzzing loop finished, minimizing corpus", "state", l.state, "rounds", rounds)
	if err := l.mode.Minimize(ctx, l); err != nil {
		return fmt.Errorf("minimize: %w", err)
	}
	return nil
}

// Round runs one full round and persists its outcome.
func (l *Loop) Round(ctx context.Context) (*RoundResult, error) {
	sess := l.deps.Session
	res := &RoundResult{Loop: sess.IncLoop()}

	if err := l.generate(ctx, res); err != nil {
		return nil, err
	}
	stuck := len(res.Accepted) == 0

	if !stuck {
		n, err := l.mode.Feedback(ctx, l, res)
		if err != nil {
			return nil, fmt.Errorf("round %d feedback: %w", res.Loop, err)
		}
		res.NewSignal = n
		l.corpus += len(res.Accepted)
	}

	if err := l.nextPrompt(); err != nil {
		return nil, fmt.Errorf("round %d next prompt: %w", res.Loop, err)
	}

	switch {
	case res.NewSignal > 0:
		sess.SetQuietRound(0)
	case !stuck:
		sess.SetQuietRound(sess.QuietRound() + 1)
	}

	if r, ok := l.mode.(Rechecker); ok && l.opts.Recheck &&
		sess.QuietRound() >= l.opts.ConvergeRounds/2 {
		done, err := r.Recheck(ctx, l)
		if err != nil {
			return nil, fmt.Errorf("round %d recheck: %w", res.Loop, err)
		}
		if done {
			sess.SetQuietRound(0)
			l.prompt.Shuffle(l.deps.Scheduler.Rand())
		}
	}

	if err := l.persist(res); err != nil {
		return nil, err
	}
	l.deps.Metrics.Round(sess.QuietRound())

	attrs := []any{
		"loop", res.Loop,
		"quiet_round", sess.QuietRound(),
		"accepted", len(res.Accepted),
		"rejected", res.Rejected,
		"new_signal", res.NewSignal,
	}
	attrs = append(attrs, l.mode.SummaryAttrs(l)...)
	l.log.Info("round summary", attrs...)
	return res, nil
}

// generate requests candidates until RoundSuccess programs pass, the prompt
// looks stuck, or the attempt cap is hit.
func (l *Loop) generate(ctx context.Context, res *RoundResult) error {
	succ, total := 0, 0
	for attempt := 0; len(res.Accepted) < l.opts.RoundSuccess; attempt++ {
		if attempt >= l.opts.MaxRoundAttempts {
			l.log.Warn("round attempt cap reached", "loop", res.Loop, "attempts", attempt)
			return nil
		}
		programs, err := l.request(ctx)
		if err != nil {
			if llm.Retryable(err) {
				l.log.Warn("generation failed, retrying", "err", err)
				if err := sleep(ctx, l.opts.RetryBackoff); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("generate: %w", err)
		}
		for i := range programs {
			programs[i].ID = l.deps.Session.NextProgramID()
			programs[i].Round = res.Loop
		}
		l.log.Debug("candidates generated", "count", len(programs))

		diags, err := l.mode.Validate(ctx, programs)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(diags) != len(programs) {
			return fmt.Errorf("validate: %d results for %d programs", len(diags), len(programs))
		}
		for i := range programs {
			p := &programs[i]
			total++
			if diags[i] != nil {
				p.Reject(diags[i].Error())
				res.Rejected++
				if err := l.saveRejected(p); err != nil {
					return err
				}
				continue
			}
			p.Accept()
			succ++
			res.Accepted = append(res.Accepted, p)
			l.deps.Metrics.Program(string(program.StatusAccepted))
		}

		if schedule.ShouldShuffle(succ, total) {
			l.log.Info("fuzzer stuck in the current prompt, choosing a new one", "succ", succ, "total", total)
			res.Shuffled = true
			l.deps.Metrics.Shuffle()
			return nil
		}
		if l.opts.PrunePrompts && l.deps.Scheduler.ShouldDelete(float64(succ)/float64(max(total, 1))) {
			l.log.Info("prompt pruned for low success rate", "succ", succ, "total", total)
			res.Pruned = true
			return nil
		}
	}
	return nil
}

func (l *Loop) request(ctx context.Context) ([]program.Program, error) {
	text, err := l.deps.Renderer.Render(prompt.Params{
		Project:     l.opts.Library,
		Mode:        l.mode.Name(),
		Combination: l.prompt.Combination,
		Aux:         l.prompt.Aux,
		Description: l.opts.Description,
		Spec:        l.opts.Spec,
	})
	if err != nil {
		return nil, err
	}
	names := l.prompt.Names()
	l.deps.Session.IncPrompt(names...)
	start := time.Now()
	programs, err := l.deps.Handler.Generate(ctx, llm.Request{
		Prompt:      text,
		APIs:        names,
		N:           l.opts.NSample,
		Temperature: l.opts.Temperature,
	})
	l.deps.Metrics.Generate(time.Since(start))
	return programs, err
}

func (l *Loop) saveRejected(p *program.Program) error {
	if err := l.deps.Layout.SaveRejected(p); err != nil {
		return err
	}
	l.deps.Metrics.Program(string(program.StatusRejected))
	l.log.Debug("program rejected", "id", p.ID, "err", format.FirstLine(p.Err))
	return l.deps.Store.SaveProgram(&store.ProgramRecord{Program: *p, Elapsed: l.elapsed()})
}

// nextPrompt picks the prompt of the following round.
func (l *Loop) nextPrompt() error {
	if l.opts.DisablePowerSchedule {
		return l.freshPrompt(l.opts.DefaultCombLen)
	}
	return l.mode.NextPrompt(l)
}

// freshPrompt replaces the prompt with a uniformly random combination.
func (l *Loop) freshPrompt(n int) error {
	cat := l.deps.Scheduler.Catalog()
	n = min(max(n, 1), cat.Len())
	comb, err := schedule.RandomCombination(l.deps.Scheduler.Rand(), cat, n)
	if err != nil {
		return err
	}
	if l.prompt == nil {
		l.prompt = prompt.FromCombination(comb)
	} else {
		l.prompt.SetCombination(comb)
	}
	return nil
}

func (l *Loop) persist(res *RoundResult) error {
	st := l.deps.Store
	sess := l.deps.Session
	r := &store.Round{
		Loop:       res.Loop,
		QuietRound: sess.QuietRound(),
		Accepted:   len(res.Accepted),
		Rejected:   res.Rejected,
		NewSignal:  res.NewSignal,
		Pairs:      sess.Pairs.Len(),
		Shuffled:   res.Shuffled,
	}
	if b, ok := l.mode.(interface{ CoveredBranches() int }); ok {
		r.Branches = b.CoveredBranches()
	}
	if err := st.RecordRound(r); err != nil {
		return err
	}
	if err := st.SaveEnergies(l.deps.Scheduler.Records()); err != nil {
		return err
	}
	snap := sess.Snapshot()
	if err := st.SaveSnapshot(&snap); err != nil {
		return err
	}
	return nil
}

func (l *Loop) elapsed() float64 {
	return time.Since(l.deps.Session.StartedAt).Seconds()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
