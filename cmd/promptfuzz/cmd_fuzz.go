package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"promptfuzz/internal/config"
	"promptfuzz/internal/executor"
	"promptfuzz/internal/format"
	"promptfuzz/internal/fuzzloop"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/metrics"
	"promptfuzz/internal/minimize"
	"promptfuzz/internal/observer"
	"promptfuzz/internal/program"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/seedmeta"
	"promptfuzz/internal/session"
)

var fuzzFlags struct {
	resume      bool
	metricsAddr string
	maxRounds   int
	seed        uint64
	fuse        bool
}

var fuzzCmd = &cobra.Command{
	Use:   "fuzz",
	Short: "Run the generation loop until the corpus stops growing",
	Long: `Runs rounds of generate, validate and feedback. Accepted programs land in
<output_dir>/<library>/seeds, rejected ones with their diagnostics in errors/.
Every round is persisted, so an interrupted campaign continues with --resume.`,
	RunE: runFuzz,
}

func init() {
	f := fuzzCmd.Flags()
	f.BoolVar(&fuzzFlags.resume, "resume", false, "Continue the session recorded in the campaign store")
	f.StringVar(&fuzzFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
	f.IntVar(&fuzzFlags.maxRounds, "max-rounds", 0, "Stop after this many rounds (overrides fuzz.max_rounds)")
	f.Uint64Var(&fuzzFlags.seed, "seed", 0, "Random seed (overrides fuzz.seed)")
	f.BoolVar(&fuzzFlags.fuse, "fuse", false, "Fuse the corpus into batch binaries once the loop ends")
}

func runFuzz(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	cfg := c.cfg
	if fuzzFlags.maxRounds > 0 {
		cfg.Fuzz.MaxRounds = fuzzFlags.maxRounds
	}
	if fuzzFlags.seed != 0 {
		cfg.Fuzz.Seed = fuzzFlags.seed
	}
	if fuzzFlags.metricsAddr != "" {
		cfg.MetricsAddr = fuzzFlags.metricsAddr
	}

	runLog, err := logging.OpenRunLog(c.layout.LogDir())
	if err != nil {
		return err
	}
	defer runLog.Close()
	level, _ := logging.ParseLevel(rootFlags.logLevel)
	logging.Init(level, rootFlags.logFormat, io.MultiWriter(cmd.ErrOrStderr(), runLog))
	log := logging.New("fuzz")

	sess, resumed, err := loadSession(c, cfg)
	if err != nil {
		return err
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	sched := schedule.New(cat, sess,
		schedule.WithRand(newRand(cfg.Fuzz.Seed)),
		schedule.WithExponent(cfg.Fuzz.Exponent),
		schedule.WithCombLen(schedule.CombLen{Min: cfg.Fuzz.CombLenMin, Max: cfg.Fuzz.CombLenMax}),
		schedule.WithLogger(logging.New("schedule")))

	handler, err := newHandler(cfg, c.layout)
	if err != nil {
		return err
	}
	renderer, err := newRenderer(cfg)
	if err != nil {
		return err
	}
	clang := executor.NewClang(cfg, c.layout, executor.WithLogger(logging.New("executor")))
	minimizer := minimize.NewCommand(cfg.Minimize.Command)

	var mode fuzzloop.Mode
	if cfg.Mode == config.ModeCombination {
		mode = fuzzloop.NewCombinationMode(clang, minimizer)
	} else {
		mode = fuzzloop.NewDriverMode(clang, observer.New(cat), minimizer)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, m); err != nil {
				log.Error("metrics server stopped", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	loop, err := fuzzloop.New(fuzzloop.OptionsFromConfig(cfg), mode, fuzzloop.Deps{
		Handler:   handler,
		Renderer:  renderer,
		Scheduler: sched,
		Session:   sess,
		Layout:    c.layout,
		Store:     c.store,
		Metrics:   m,
		Logger:    logging.New("fuzzloop"),
	}, resumed)
	if err != nil {
		return err
	}

	log.Info("campaign starting", "library", cfg.Library, "mode", cfg.Mode, "apis", cat.Len(),
		"output", c.layout.Dir(), "handler", cfg.Handler.Type)
	runErr := loop.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		log.Warn("interrupted, resume with --resume", "loops", sess.Loop())
		runErr = nil
	}
	if err := writeSeedMetas(c); err != nil {
		log.Warn("seed metas not written", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s after %d loops, corpus in %s\n",
		sess.ID, loop.State(), sess.Loop(), c.layout.SeedDir())
	if fuzzFlags.fuse && ctx.Err() == nil {
		return fuse(ctx, c, fuseOptions{}, m, format.ASCII, cmd.OutOrStdout())
	}
	return nil
}

// loadSession restores the stored session with --resume, or starts a new one.
// A store that already holds a session is never silently overwritten.
func loadSession(c *campaign, cfg *config.Config) (*session.Session, bool, error) {
	snap, err := c.store.LatestSnapshot()
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	switch {
	case fuzzFlags.resume && snap == nil:
		return nil, false, fmt.Errorf("nothing to resume in %s", c.layout.DBPath())
	case fuzzFlags.resume:
		if snap.Mode != cfg.Mode {
			return nil, false, fmt.Errorf("stored session runs in %s mode, config says %s", snap.Mode, cfg.Mode)
		}
		return session.Restore(*snap), true, nil
	case snap != nil:
		return nil, false, fmt.Errorf("campaign %s already has session %s; use --resume or a new output_dir",
			c.layout.Dir(), snap.ID)
	}
	return session.New(cfg.Mode), false, nil
}

func writeSeedMetas(c *campaign) error {
	recs, err := c.store.ListPrograms(program.StatusAccepted)
	if err != nil {
		return err
	}
	metas := seedmeta.FromRecords(recs, c.cfg.Mode == config.ModeDriver)
	return seedmeta.Write(c.layout.SeedMetasPath(), metas)
}
