package schedule

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownAPI is returned when a lookup names an API that is not registered.
	ErrUnknownAPI = errors.New("unknown api")
	// ErrStateDesync is returned when the catalog and runtime state disagree.
	ErrStateDesync = errors.New("catalog and runtime state out of sync")
	// ErrInvalidCoverage is returned for NaN or out-of-range coverage fractions.
	ErrInvalidCoverage = errors.New("invalid coverage")
)

// EnergyRecord is the scheduling priority of one named artifact (an API or a seed).
type EnergyRecord struct {
	Name        string  `json:"name"`
	Coverage    float64 `json:"coverage"`
	ExecCount   int     `json:"exec_count"`
	PromptCount int     `json:"prompt_count"`
	Energy      float64 `json:"energy"`
}

// ComputeEnergy returns (1-coverage) / ((1+execCount)*(1+promptCount))^exponent.
// The result is finite and non-negative for coverage in [0,1], non-negative
// counts and a non-negative exponent.
func ComputeEnergy(coverage float64, execCount, promptCount int, exponent float64) (float64, error) {
	if math.IsNaN(coverage) || coverage < 0 || coverage > 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCoverage, coverage)
	}
	if execCount < 0 || promptCount < 0 {
		return 0, fmt.Errorf("negative counter: exec=%d prompt=%d", execCount, promptCount)
	}
	if math.IsNaN(exponent) || exponent < 0 {
		return 0, fmt.Errorf("invalid exponent %v", exponent)
	}
	top := 1 - coverage
	base := float64(1+execCount) * float64(1+promptCount)
	bottom := math.Pow(base, exponent)
	if math.IsInf(bottom, 1) {
		return 0, nil
	}
	return top / bottom, nil
}

// newRecord builds a record and computes its energy.
func newRecord(name string, coverage float64, execCount, promptCount int, exponent float64) (*EnergyRecord, error) {
	e, err := ComputeEnergy(coverage, execCount, promptCount, exponent)
	if err != nil {
		return nil, fmt.Errorf("energy for %s: %w", name, err)
	}
	return &EnergyRecord{
		Name:        name,
		Coverage:    coverage,
		ExecCount:   execCount,
		PromptCount: promptCount,
		Energy:      e,
	}, nil
}
