package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"promptfuzz/internal/executor"
	"promptfuzz/internal/format"
	"promptfuzz/internal/fusion"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/metrics"
)

var fuseFlags struct {
	seedDir   string
	batchSize int
	workers   int
	collect   bool
	coverage  bool
	format    string
}

// fuseOptions select what runs after the batches compile.
type fuseOptions struct {
	seedDir  string
	collect  bool // run each core once
	coverage bool // build with profiling, then merge and report coverage
}

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Fuse accepted programs into batch binaries",
	Long: `Copies every seed into drivers/ under a dense ordinal name, splits them into
batches, writes fused/Core_NNN/core.cc calling each member's renamed entry,
and compiles all batches concurrently. The output trees are rebuilt from
scratch on every run. A batch that fails to compile does not affect others.
With --coverage the cores are built with source-based coverage, run once each
with LLVM_PROFILE_FILE set, merged into fused/default.profdata and summarized
with llvm-cov report.`,
	RunE: runFuse,
}

func init() {
	f := fuseCmd.Flags()
	f.StringVar(&fuseFlags.seedDir, "seed-dir", "", "Directory of programs to fuse (default: the campaign seed dir)")
	f.IntVar(&fuseFlags.batchSize, "batch-size", 0, "Programs per batch (overrides fusion.batch_size)")
	f.IntVar(&fuseFlags.workers, "workers", 0, "Concurrent batch compiles (overrides fusion.workers)")
	f.BoolVar(&fuseFlags.collect, "collect", false, "Run each compiled batch once and report progress")
	f.BoolVar(&fuseFlags.coverage, "coverage", false, "Build coverage-instrumented batches, run them and print an llvm-cov report")
	f.StringVar(&fuseFlags.format, "format", "ascii", "Table format: ascii or markdown")
}

func runFuse(cmd *cobra.Command, _ []string) error {
	c, err := openCampaign()
	if err != nil {
		return err
	}
	defer c.Close()
	if fuseFlags.batchSize > 0 {
		c.cfg.Fusion.BatchSize = fuseFlags.batchSize
	}
	if fuseFlags.workers > 0 {
		c.cfg.Fusion.Workers = fuseFlags.workers
	}
	opts := fuseOptions{seedDir: fuseFlags.seedDir, collect: fuseFlags.collect, coverage: fuseFlags.coverage}
	return fuse(cmd.Context(), c, opts, nil, format.ParseMode(fuseFlags.format), cmd.OutOrStdout())
}

// fuse runs the batcher over the seeds of opts.seedDir and prints a batch
// table. Compile failures are reported after the table.
func fuse(ctx context.Context, c *campaign, opts fuseOptions, m *metrics.Metrics, mode format.Mode, out io.Writer) error {
	log := logging.New("fuse")
	seeds, err := c.layout.ListSeeds(opts.seedDir)
	if err != nil {
		return fmt.Errorf("list seeds: %w", err)
	}
	sources := make([]string, len(seeds))
	for i, s := range seeds {
		sources[i] = s.Path
	}

	clang := executor.NewClang(c.cfg, c.layout, executor.WithLogger(logging.New("executor")))
	buildMode := executor.ModeNormal
	if opts.coverage {
		buildMode = executor.ModeFusedCoverage
	}
	b, err := fusion.NewBatcher(fusion.Config{
		BatchSize: c.cfg.Fusion.BatchSize,
		Workers:   c.cfg.Fusion.Workers,
		Entry:     c.cfg.Entry(),
		InitFile:  c.cfg.Lib.InitFile,
		Mode:      buildMode,
	}, c.layout, clang)
	if err != nil {
		return err
	}

	res, compileErr := b.Run(ctx, sources)
	if res == nil {
		return compileErr
	}
	for _, batch := range res.Batches {
		m.FusionBatch(batch.Err == nil, batch.Elapsed)
	}

	var (
		outcomes []fusion.Outcome
		cov      *fusion.Coverage
		covErr   error
	)
	switch {
	case opts.coverage:
		profdata := filepath.Join(c.layout.FusedDir(), "default.profdata")
		cov, covErr = fusion.CollectCoverage(ctx, clang, res, c.cfg.Lib.InitFile, profdata)
		if cov != nil {
			outcomes = cov.Outcomes
		}
	case opts.collect:
		outcomes = fusion.Collect(ctx, clang, res, c.cfg.Lib.InitFile)
	}
	fmt.Fprint(out, format.FusionBatches(mode, res, outcomes))
	fmt.Fprintln(out)
	if cov != nil {
		fmt.Fprint(out, cov.Report)
		log.Info("fused coverage merged", "profile", cov.Profile, "cores", len(cov.Outcomes))
	}
	log.Info("fusion finished", "programs", len(sources), "batches", len(res.Batches), "failed", len(res.Failed()))
	if compileErr != nil {
		return fmt.Errorf("%d of %d batches failed: %w", len(res.Failed()), len(res.Batches), compileErr)
	}
	return covErr
}
