// Package executor validates candidate programs and compiles fused batches
// by driving an external clang/LLVM toolchain.
package executor

import (
	"context"
	"errors"

	"promptfuzz/internal/program"
)

// ErrTimeout marks an external step that ran past its deadline. The fuzz loop
// treats it as a validation failure.
var ErrTimeout = errors.New("execution timed out")

// Mode selects a compiler flag set.
type Mode int

const (
	// ModeSanitize builds a libFuzzer driver with ASan/UBSan for validation.
	ModeSanitize Mode = iota
	// ModeFuzz builds a libFuzzer driver for fuzzing campaigns.
	ModeFuzz
	// ModeCoverage builds with source-based coverage instrumentation.
	ModeCoverage
	// ModeNormal builds a plain executable (fused API sequences).
	ModeNormal
	// ModeFusedCoverage builds a plain executable with source-based coverage
	// and no libFuzzer main.
	ModeFusedCoverage
)

func (m Mode) String() string {
	switch m {
	case ModeSanitize:
		return "sanitize"
	case ModeFuzz:
		return "fuzz"
	case ModeCoverage:
		return "coverage"
	case ModeNormal:
		return "normal"
	case ModeFusedCoverage:
		return "fused-coverage"
	}
	return "unknown"
}

// DriverValidator checks fuzz drivers with a full compile and sanitizer run.
// The result has one entry per program: nil means the program passed.
// A non-nil error return means the check itself could not run.
type DriverValidator interface {
	CheckProgramsAreCorrect(ctx context.Context, programs []program.Program) ([]error, error)
}

// SequenceValidator checks one API-sequence program. The first return is the
// program's diagnostic (nil = pass); the second is an infrastructure failure.
type SequenceValidator interface {
	ValidateAPISequence(ctx context.Context, p program.Program) (error, error)
}

// Compiler builds every translation unit of batchDir into outBinary.
type Compiler interface {
	Compile(ctx context.Context, batchDir, outBinary string, mode Mode) error
}

// Runner executes a built binary and reports its outcome.
type Runner interface {
	Run(ctx context.Context, binary string, args ...string) (output []byte, err error)
}

// Profiler runs coverage-instrumented binaries and aggregates their profiles.
type Profiler interface {
	RunProfiled(ctx context.Context, binary, profraw string, args ...string) ([]byte, error)
	MergeProfiles(ctx context.Context, dst string, profraws ...string) error
	CoverageReport(ctx context.Context, profdata string, binaries ...string) ([]byte, error)
}
