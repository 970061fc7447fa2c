// Package fusion fuses accepted API-sequence programs into a few
// executables: sources are copied under stable ordinal names, partitioned
// into batches, and each batch gets a synthesized core.cc that calls every
// member's renamed entry function in order.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"promptfuzz/internal/executor"
	"promptfuzz/internal/logging"
)

// Layout is the part of the campaign layout fusion writes to.
type Layout interface {
	DriverDir() string
	FusedDir() string
	CoreDir(i int) string
}

// Config tunes a fusion run.
type Config struct {
	BatchSize int
	Workers   int           // compile concurrency; <=0 means runtime.NumCPU()
	Entry     string        // canonical entry function, e.g. test_zlib_api_sequence
	InitFile  string        // copied into every compiled batch dir when set
	Mode      executor.Mode // flag set for batch compilation
}

// Batch is one fused executable.
type Batch struct {
	Index    int
	Dir      string
	Ordinals []int
	Binary   string
	Elapsed  time.Duration
	Err      error // compile failure; other batches are unaffected
}

// Result lists every batch of a run in index order.
type Result struct {
	Batches []*Batch
}

// Failed returns the batches whose compilation failed.
func (r *Result) Failed() []*Batch {
	var out []*Batch
	for _, b := range r.Batches {
		if b.Err != nil {
			out = append(out, b)
		}
	}
	return out
}

// Batcher runs the fusion pipeline.
type Batcher struct {
	cfg      Config
	layout   Layout
	compiler executor.Compiler
	log      *slog.Logger
}

// NewBatcher validates cfg and returns a batcher.
func NewBatcher(cfg Config, layout Layout, compiler executor.Compiler) (*Batcher, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("fusion: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Entry == "" {
		return nil, errors.New("fusion: entry function name is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Batcher{cfg: cfg, layout: layout, compiler: compiler, log: logging.New("fusion")}, nil
}

// Partition splits n ordinals into contiguous batches of size at most size.
func Partition(n, size int) [][]int {
	var out [][]int
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		batch := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, i)
		}
		out = append(out, batch)
	}
	return out
}

// OrdinalName is the scratch and member file name of ordinal i.
func OrdinalName(i int) string { return fmt.Sprintf("id_%06d.cc", i) }

// Run wipes the output trees and fuses sources. An I/O error while building
// the trees is fatal and leaves them empty. Compile failures are per batch:
// Run returns the full result and the joined compile errors.
func (b *Batcher) Run(ctx context.Context, sources []string) (*Result, error) {
	if len(sources) == 0 {
		return nil, errors.New("fusion: no sources")
	}
	if err := b.wipe(); err != nil {
		return nil, err
	}
	res, err := b.build(sources)
	if err != nil {
		_ = b.wipe()
		return nil, err
	}
	b.log.Info("fused trees written", "sources", len(sources), "batches", len(res.Batches), "batch_size", b.cfg.BatchSize)
	return res, b.compileAll(ctx, res)
}

func (b *Batcher) wipe() error {
	for _, d := range []string{b.layout.FusedDir(), b.layout.DriverDir()} {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("wipe %s: %w", d, err)
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func (b *Batcher) build(sources []string) (*Result, error) {
	scratch := make([]string, len(sources))
	for i, src := range sources {
		dst := filepath.Join(b.layout.DriverDir(), OrdinalName(i))
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("copy source %d: %w", i, err)
		}
		scratch[i] = dst
	}

	res := &Result{}
	for idx, ordinals := range Partition(len(sources), b.cfg.BatchSize) {
		dir := b.layout.CoreDir(idx)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create batch dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "core.cc"), []byte(SynthesizeCore(b.cfg.Entry, ordinals)), 0o644); err != nil {
			return nil, fmt.Errorf("write core for batch %d: %w", idx, err)
		}
		for _, ord := range ordinals {
			data, err := os.ReadFile(scratch[ord])
			if err != nil {
				return nil, fmt.Errorf("read member %d: %w", ord, err)
			}
			renamed := RenameEntry(string(data), b.cfg.Entry, ord)
			if err := os.WriteFile(filepath.Join(dir, OrdinalName(ord)), []byte(renamed), 0o644); err != nil {
				return nil, fmt.Errorf("write member %d: %w", ord, err)
			}
		}
		res.Batches = append(res.Batches, &Batch{
			Index:    idx,
			Dir:      dir,
			Ordinals: ordinals,
			Binary:   filepath.Join(dir, "core"),
		})
	}
	return res, nil
}

// compileAll compiles every batch with at most Workers in flight. A failure
// never cancels the other batches.
func (b *Batcher) compileAll(ctx context.Context, res *Result) error {
	var g errgroup.Group
	g.SetLimit(b.cfg.Workers)
	var mu sync.Mutex
	var errs []error
	for _, batch := range res.Batches {
		g.Go(func() error {
			start := time.Now()
			err := b.compiler.Compile(ctx, batch.Dir, batch.Binary, b.cfg.Mode)
			if err == nil && b.cfg.InitFile != "" {
				err = copyFile(b.cfg.InitFile, filepath.Join(batch.Dir, filepath.Base(b.cfg.InitFile)))
			}
			batch.Elapsed = time.Since(start)
			if err != nil {
				batch.Err = fmt.Errorf("batch %s: %w", filepath.Base(batch.Dir), err)
				b.log.Warn("batch failed", "batch", batch.Index, "err", err)
				mu.Lock()
				errs = append(errs, batch.Err)
				mu.Unlock()
				return nil
			}
			b.log.Debug("batch compiled", "batch", batch.Index, "members", len(batch.Ordinals), "elapsed", batch.Elapsed)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SynthesizeCore emits the translation unit that declares each member's
// renamed entry and calls them in ordinal order.
func SynthesizeCore(entry string, ordinals []int) string {
	var sb strings.Builder
	sb.WriteString("#include <cstdio>\n\n")
	for _, ord := range ordinals {
		fmt.Fprintf(&sb, "void %s_%d();\n", entry, ord)
	}
	sb.WriteString("\nint main() {\n")
	for i, ord := range ordinals {
		fmt.Fprintf(&sb, "    printf(\"[%d/%d] %s_%d\\n\");\n", i+1, len(ordinals), entry, ord)
		fmt.Fprintf(&sb, "    %s_%d();\n", entry, ord)
	}
	sb.WriteString("    return 0;\n}\n")
	return sb.String()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
