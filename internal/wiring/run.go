// Package wiring runs a complete offline campaign: the file handler talks to
// an in-process canned responder, every candidate validates, and the
// combination loop runs until it converges. It exercises the exchange
// protocol, the SQLite store and the seed metadata export together.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"promptfuzz/internal/config"
	"promptfuzz/internal/fuzzloop"
	"promptfuzz/internal/gadget"
	"promptfuzz/internal/llm"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/minimize"
	"promptfuzz/internal/program"
	"promptfuzz/internal/prompt"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/seedmeta"
	"promptfuzz/internal/session"
	"promptfuzz/internal/store"
	"promptfuzz/internal/workspace"
)

const pollInterval = 10 * time.Millisecond

// Config describes a mock campaign.
type Config struct {
	Dir            string // output dir; the campaign lands in Dir/Library
	Library        string
	APIs           []string
	NSample        int
	ConvergeRounds int
	MaxRounds      int
	Seed           uint64
}

// Result summarizes a finished mock campaign.
type Result struct {
	Layout    *workspace.Layout
	State     fuzzloop.State
	Loops     int
	Seeds     int
	Pairs     int
	MetasPath string
}

type acceptAll struct{}

func (acceptAll) ValidateAPISequence(context.Context, program.Program) (error, error) {
	return nil, nil
}

// Run executes the mock flow: start the responder, run the loop, export
// seed metas.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Library == "" || len(cfg.APIs) == 0 {
		return nil, errors.New("wiring: library and APIs are required")
	}
	layout := workspace.New(cfg.Dir, cfg.Library)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	gadgets := make([]gadget.APIGadget, len(cfg.APIs))
	for i, name := range cfg.APIs {
		gadgets[i] = gadget.APIGadget{Name: name}
	}
	cat, err := gadget.NewCatalog(gadgets)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sess := session.New(config.ModeCombination)
	sched := schedule.New(cat, sess,
		schedule.WithRand(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))),
		schedule.WithLogger(logging.New("schedule")))
	handler, err := llm.NewFileHandler(llm.FileHandlerConfig{
		Dir:          layout.ExchangeDir(),
		PollInterval: pollInterval,
		Timeout:      30 * time.Second,
		Logger:       logging.New("llm"),
	})
	if err != nil {
		return nil, err
	}
	renderer, err := prompt.NewRenderer(config.ModeCombination, "")
	if err != nil {
		return nil, err
	}
	loop, err := fuzzloop.New(fuzzloop.Options{
		Library:          cfg.Library,
		NSample:          max(cfg.NSample, 1),
		RoundSuccess:     1,
		ConvergeRounds:   cfg.ConvergeRounds,
		MaxRoundAttempts: 5,
		MaxRounds:        cfg.MaxRounds,
		RetryBackoff:     pollInterval,
	}, fuzzloop.NewCombinationMode(acceptAll{}, minimize.Nop{}), fuzzloop.Deps{
		Handler:   handler,
		Renderer:  renderer,
		Scheduler: sched,
		Session:   sess,
		Layout:    layout,
		Store:     st,
		Logger:    logging.New("fuzzloop"),
	}, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	responder := llm.NewResponder(layout.ExchangeDir(), config.ModeCombination, cfg.Library, logging.New("responder"))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return responder.Watch(gctx, pollInterval) })
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	recs, err := st.ListPrograms(program.StatusAccepted)
	if err != nil {
		return nil, err
	}
	if err := seedmeta.Write(layout.SeedMetasPath(), seedmeta.FromRecords(recs, false)); err != nil {
		return nil, err
	}
	return &Result{
		Layout:    layout,
		State:     loop.State(),
		Loops:     sess.Loop(),
		Seeds:     len(recs),
		Pairs:     sess.Pairs.Len(),
		MetasPath: layout.SeedMetasPath(),
	}, nil
}
