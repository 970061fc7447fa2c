package fusion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"promptfuzz/internal/executor"
)

// ProfileName is the raw profile each fused core writes into its batch dir.
const ProfileName = "default.profraw"

// Outcome is the result of running one fused binary.
type Outcome struct {
	Batch   int
	Binary  string
	Passed  bool
	Calls   int // progress lines printed before exit
	Elapsed time.Duration
	Output  string
}

// Coverage is the merged profile of every fused core.
type Coverage struct {
	Outcomes []Outcome
	Profile  string // indexed profile merged from every core
	Report   string // llvm-cov report over all cores
}

type runFunc func(ctx context.Context, b *Batch, args ...string) ([]byte, error)

// Collect runs every successfully compiled batch once, sequentially, and
// reports how far each got. Batches that failed to compile are skipped.
func Collect(ctx context.Context, runner executor.Runner, res *Result, initFile string) []Outcome {
	return collect(ctx, res, initFile, func(ctx context.Context, b *Batch, args ...string) ([]byte, error) {
		return runner.Run(ctx, b.Binary, args...)
	})
}

// CollectCoverage runs every compiled batch with profiling, merges the raw
// profiles into profdata and reports coverage over all cores. Batches must
// be built with executor.ModeFusedCoverage. A core that exits non-zero still
// contributes the profile it wrote.
func CollectCoverage(ctx context.Context, p executor.Profiler, res *Result, initFile, profdata string) (*Coverage, error) {
	outcomes := collect(ctx, res, initFile, func(ctx context.Context, b *Batch, args ...string) ([]byte, error) {
		raw := filepath.Join(b.Dir, ProfileName)
		if err := os.Remove(raw); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return p.RunProfiled(ctx, b.Binary, raw, args...)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raws, binaries []string
	for _, o := range outcomes {
		raw := filepath.Join(filepath.Dir(o.Binary), ProfileName)
		if _, err := os.Stat(raw); err != nil {
			continue
		}
		raws = append(raws, raw)
		binaries = append(binaries, o.Binary)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("collect coverage: no fused core wrote a profile")
	}
	if err := p.MergeProfiles(ctx, profdata, raws...); err != nil {
		return nil, fmt.Errorf("collect coverage: %w", err)
	}
	report, err := p.CoverageReport(ctx, profdata, binaries...)
	if err != nil {
		return nil, fmt.Errorf("report coverage: %w", err)
	}
	return &Coverage{Outcomes: outcomes, Profile: profdata, Report: string(report)}, nil
}

func collect(ctx context.Context, res *Result, initFile string, run runFunc) []Outcome {
	var out []Outcome
	for _, b := range res.Batches {
		if b.Err != nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		var args []string
		if initFile != "" {
			args = []string{filepath.Join(b.Dir, filepath.Base(initFile))}
		}
		start := time.Now()
		output, err := run(ctx, b, args...)
		out = append(out, Outcome{
			Batch:   b.Index,
			Binary:  b.Binary,
			Passed:  err == nil,
			Calls:   progressLines(string(output)),
			Elapsed: time.Since(start),
			Output:  tail(string(output), 2048),
		})
	}
	return out
}

func progressLines(s string) int {
	n := 0
	for _, l := range strings.Split(s, "\n") {
		if strings.HasPrefix(l, "[") {
			n++
		}
	}
	return n
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
