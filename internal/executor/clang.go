package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"promptfuzz/internal/config"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/program"
	"promptfuzz/internal/workspace"
)

var (
	sanitizerFlags = []string{
		"-fsanitize=fuzzer", "-g", "-O1", "-fsanitize=address,undefined",
		"-ftrivial-auto-var-init=zero", "-fsanitize-trap=undefined", "-fno-sanitize-recover=undefined",
	}
	fuzzerFlags   = []string{"-fsanitize=fuzzer", "-O1", "-g", "-fsanitize=address,undefined", "-ftrivial-auto-var-init=zero"}
	coverageFlags = []string{
		"-g", "-fsanitize=fuzzer", "-fprofile-instr-generate", "-fcoverage-mapping",
		"-Wl,--no-as-needed", "-Wl,-ldl", "-Wl,-lm", "-Wno-unused-command-line-argument",
		"-ftrivial-auto-var-init=zero",
	}
	normalFlags        = []string{"-g", "-O1", "-fsanitize=address", "-ftrivial-auto-var-init=zero"}
	fusedCoverageFlags = []string{
		"-g", "-fprofile-instr-generate", "-fcoverage-mapping",
		"-Wl,--no-as-needed", "-Wl,-ldl", "-Wl,-lm", "-Wno-unused-command-line-argument",
		"-ftrivial-auto-var-init=zero",
	}

	asanOptions = []string{"exitcode=168", "alloc_dealloc_mismatch=0"}
)

// sequenceDone is printed by a well-formed API sequence on success.
const sequenceDone = "API sequence test completed successfully."

func flagsFor(m Mode) []string {
	switch m {
	case ModeSanitize:
		return sanitizerFlags
	case ModeFuzz:
		return fuzzerFlags
	case ModeCoverage:
		return coverageFlags
	case ModeFusedCoverage:
		return fusedCoverageFlags
	}
	return normalFlags
}

// Clang validates and compiles programs with clang++ and the LLVM coverage
// tools.
type Clang struct {
	cc     config.Compiler
	lib    config.Lib
	entry  string
	layout *workspace.Layout
	run    Command
	log    *slog.Logger
}

// ClangOption configures a Clang executor.
type ClangOption func(*Clang)

// WithCommand replaces the process runner.
func WithCommand(c Command) ClangOption { return func(e *Clang) { e.run = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClangOption { return func(e *Clang) { e.log = l } }

// NewClang returns an executor for cfg that works inside layout.
func NewClang(cfg *config.Config, layout *workspace.Layout, opts ...ClangOption) *Clang {
	e := &Clang{
		cc:     cfg.Compiler,
		lib:    cfg.Lib,
		entry:  cfg.Entry(),
		layout: layout,
		run:    ExecCommand,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logging.New("executor")
	}
	return e
}

func (e *Clang) env() []string {
	opts := append([]string(nil), asanOptions...)
	if e.lib.ASanOption != "" {
		opts = append(opts, e.lib.ASanOption)
	}
	return []string{"ASAN_OPTIONS=" + strings.Join(opts, ":")}
}

func (e *Clang) compileArgs(mode Mode, out string, sources ...string) []string {
	args := append([]string(nil), flagsFor(mode)...)
	args = append(args, e.cc.ExtraFlags...)
	args = append(args, e.lib.ExtraCFlags...)
	for _, inc := range e.cc.IncludeDirs {
		args = append(args, "-I"+inc)
	}
	for _, h := range e.lib.Headers {
		args = append(args, "-include", h)
	}
	args = append(args, sources...)
	args = append(args, "-o", out)
	return append(args, e.cc.LinkArgs...)
}

func withTimeout(ctx context.Context, d config.Duration) (context.Context, context.CancelFunc) {
	if d.D() <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.D())
}

// CheckProgramsAreCorrect builds each driver with sanitizers and coverage,
// runs it on the init file and exports its coverage next to the build. A
// cancelled ctx is returned as the error, never as a program diagnostic.
func (e *Clang) CheckProgramsAreCorrect(ctx context.Context, programs []program.Program) ([]error, error) {
	results := make([]error, len(programs))
	for i, p := range programs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = e.checkDriver(ctx, p)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if results[i] != nil {
			e.log.Debug("driver rejected", "id", p.ID, "err", results[i])
		}
	}
	return results, nil
}

func (e *Clang) checkDriver(ctx context.Context, p program.Program) error {
	dir := e.layout.WorkDir(p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	src := filepath.Join(dir, p.FileName())
	if err := os.WriteFile(src, []byte(p.Source), 0o644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}

	bin := filepath.Join(dir, "fuzzer")
	cctx, cancel := withTimeout(ctx, e.cc.ExecutionTimeout)
	out, err := e.run(cctx, dir, nil, e.cc.CXX, e.compileArgs(ModeSanitize, bin, src)...)
	cancel()
	if err != nil {
		return diagnostic("compile", out, err)
	}

	covBin := filepath.Join(dir, "fuzzer.cov")
	cctx, cancel = withTimeout(ctx, e.cc.ExecutionTimeout)
	out, err = e.run(cctx, dir, nil, e.cc.CXX, e.compileArgs(ModeCoverage, covBin, src)...)
	cancel()
	if err != nil {
		return diagnostic("compile coverage", out, err)
	}

	var input []string
	if e.lib.InitFile != "" {
		input = []string{e.lib.InitFile}
	}
	rctx, cancel := withTimeout(ctx, e.cc.SanitizationTimeout)
	out, err = e.run(rctx, dir, e.env(), bin, append([]string{"-runs=1000"}, input...)...)
	cancel()
	if err != nil {
		return diagnostic("sanitize", out, err)
	}

	profraw := filepath.Join(dir, "default.profraw")
	env := []string{"LLVM_PROFILE_FILE=" + profraw}
	rctx, cancel = withTimeout(ctx, e.cc.ExecutionTimeout)
	out, err = e.run(rctx, dir, env, covBin, append([]string{"-runs=0"}, input...)...)
	cancel()
	if err != nil {
		return diagnostic("coverage run", out, err)
	}
	return e.exportCoverage(ctx, dir, covBin, profraw, e.layout.CoveragePath(p.ID))
}

// exportCoverage merges a raw profile and writes llvm-cov's JSON export.
func (e *Clang) exportCoverage(ctx context.Context, dir, bin, profraw, dst string) error {
	profdata := filepath.Join(dir, "default.profdata")
	if err := e.MergeProfiles(ctx, profdata, profraw); err != nil {
		return err
	}
	out, err := e.run(ctx, dir, nil, e.cc.Cov, "export", bin, "-instr-profile="+profdata, "-format=text", "-skip-expansions")
	if err != nil {
		return diagnostic("export coverage", out, err)
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return fmt.Errorf("write coverage: %w", err)
	}
	return nil
}

// ValidateAPISequence compiles the sequence with a synthesized main, runs it
// under ASan and requires the completion banner.
func (e *Clang) ValidateAPISequence(ctx context.Context, p program.Program) (error, error) {
	dir := e.layout.WorkDir(p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	src := filepath.Join(dir, p.FileName())
	if err := os.WriteFile(src, []byte(e.sequenceUnit(p.Source)), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}
	bin := filepath.Join(dir, "sequence")
	cctx, cancel := withTimeout(ctx, e.cc.ExecutionTimeout)
	out, err := e.run(cctx, dir, nil, e.cc.CXX, e.compileArgs(ModeNormal, bin, src)...)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return diagnostic("compile", out, err), nil
	}
	rctx, cancel := withTimeout(ctx, e.cc.ExecutionTimeout)
	out, err = e.run(rctx, dir, e.env(), bin)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return diagnostic("run", out, err), nil
	}
	if !strings.Contains(string(out), sequenceDone) {
		return fmt.Errorf("run: missing completion banner %q", sequenceDone), nil
	}
	return nil, nil
}

// sequenceUnit wraps an API-sequence function into a runnable unit.
func (e *Clang) sequenceUnit(src string) string {
	var b strings.Builder
	b.WriteString("#include <cstdio>\n#include <cstdlib>\n#include <cstring>\n\n")
	b.WriteString(src)
	fmt.Fprintf(&b, "\n\nint main() {\n    %s();\n    return 0;\n}\n", e.entry)
	return b.String()
}

// Compile builds every .cc file of batchDir into outBinary.
func (e *Clang) Compile(ctx context.Context, batchDir, outBinary string, mode Mode) error {
	entries, err := os.ReadDir(batchDir)
	if err != nil {
		return fmt.Errorf("read batch dir: %w", err)
	}
	var sources []string
	for _, ent := range entries {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == ".cc" {
			sources = append(sources, filepath.Join(batchDir, ent.Name()))
		}
	}
	if len(sources) == 0 {
		return fmt.Errorf("compile %s: no sources", batchDir)
	}
	sort.Strings(sources)
	start := time.Now()
	out, err := e.run(ctx, batchDir, nil, e.cc.CXX, e.compileArgs(mode, outBinary, sources...)...)
	if err != nil {
		return diagnostic("compile "+filepath.Base(batchDir), out, err)
	}
	e.log.Debug("batch compiled", "dir", batchDir, "mode", mode, "sources", len(sources), "elapsed", time.Since(start))
	return nil
}

// Run executes binary with the library's sanitizer options.
func (e *Clang) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	rctx, cancel := withTimeout(ctx, e.cc.ExecutionTimeout)
	defer cancel()
	return e.run(rctx, filepath.Dir(binary), e.env(), binary, args...)
}

// RunProfiled runs an instrumented binary and writes its raw profile to
// profraw.
func (e *Clang) RunProfiled(ctx context.Context, binary, profraw string, args ...string) ([]byte, error) {
	rctx, cancel := withTimeout(ctx, e.cc.ExecutionTimeout)
	defer cancel()
	env := append(e.env(), "LLVM_PROFILE_FILE="+profraw)
	return e.run(rctx, filepath.Dir(binary), env, binary, args...)
}

// MergeProfiles merges raw profiles into the indexed profile dst.
func (e *Clang) MergeProfiles(ctx context.Context, dst string, profraws ...string) error {
	if len(profraws) == 0 {
		return fmt.Errorf("merge profiles: nothing to merge into %s", dst)
	}
	args := append([]string{"merge", "-sparse"}, profraws...)
	args = append(args, "-o", dst)
	if out, err := e.run(ctx, filepath.Dir(dst), nil, e.cc.ProfData, args...); err != nil {
		return diagnostic("merge profile", out, err)
	}
	return nil
}

// CoverageReport returns llvm-cov's summary of binaries under profdata.
func (e *Clang) CoverageReport(ctx context.Context, profdata string, binaries ...string) ([]byte, error) {
	if len(binaries) == 0 {
		return nil, fmt.Errorf("coverage report: no binaries")
	}
	args := []string{"report", binaries[0]}
	for _, b := range binaries[1:] {
		args = append(args, "-object", b)
	}
	args = append(args, "-instr-profile="+profdata)
	out, err := e.run(ctx, filepath.Dir(profdata), nil, e.cc.Cov, args...)
	if err != nil {
		return nil, diagnostic("coverage report", out, err)
	}
	return out, nil
}
