// Package minimize invokes the corpus reduction step that runs after the
// fuzz loop converges. The reduction itself is an external tool.
package minimize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"promptfuzz/internal/executor"
	"promptfuzz/internal/logging"
)

// Strategy names what the minimizer preserves.
type Strategy string

const (
	// ByBranchCoverage keeps a subset of seeds with the same branch coverage.
	ByBranchCoverage Strategy = "branch-coverage"
	// ByAPIPairs keeps a subset of seeds with the same discovered API pairs.
	ByAPIPairs Strategy = "api-pairs"
)

// Minimizer reduces the seed corpus in seedDir.
type Minimizer interface {
	Minimize(ctx context.Context, strategy Strategy, seedDir string) error
}

// Nop logs and does nothing.
type Nop struct{ Log *slog.Logger }

func (n Nop) Minimize(_ context.Context, strategy Strategy, seedDir string) error {
	l := n.Log
	if l == nil {
		l = logging.New("minimize")
	}
	l.Info("no minimizer configured, corpus kept as is", "strategy", strategy, "seed_dir", seedDir)
	return nil
}

// Command runs an external minimizer. Args may reference {strategy} and
// {seed_dir}; both are also exported as environment variables.
type Command struct {
	Args []string
	Run  executor.Command
	Log  *slog.Logger
}

// NewCommand returns a Command minimizer, or Nop when args is empty.
func NewCommand(args []string) Minimizer {
	if len(args) == 0 {
		return Nop{}
	}
	return &Command{Args: args, Run: executor.ExecCommand, Log: logging.New("minimize")}
}

func (c *Command) Minimize(ctx context.Context, strategy Strategy, seedDir string) error {
	r := strings.NewReplacer("{strategy}", string(strategy), "{seed_dir}", seedDir)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	env := []string{"PROMPTFUZZ_STRATEGY=" + string(strategy), "PROMPTFUZZ_SEED_DIR=" + seedDir}
	c.Log.Info("minimizing corpus", "strategy", strategy, "command", args[0])
	out, err := c.Run(ctx, "", env, args[0], args[1:]...)
	if err != nil {
		return fmt.Errorf("minimize %s: %w: %s", strategy, err, strings.TrimSpace(string(out)))
	}
	return nil
}
