// run-mock-flow runs a complete offline campaign against the canned
// responder: file handler, combination loop, SQLite store, seed metas.
// Usage: go run ./cmd/run-mock-flow --dir /tmp/mock --apis inflateInit,inflate,inflateEnd
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"promptfuzz/internal/logging"
	"promptfuzz/internal/wiring"
)

var flags struct {
	dir      string
	library  string
	apis     []string
	nSample  int
	converge int
	rounds   int
	seed     uint64
	verbose  bool
}

var rootCmd = &cobra.Command{
	Use:   "run-mock-flow",
	Short: "Run an offline combination campaign against canned responses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		level := slog.LevelWarn
		if flags.verbose {
			level = slog.LevelInfo
		}
		logging.Init(level, "text", cmd.ErrOrStderr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		res, err := wiring.Run(ctx, wiring.Config{
			Dir:            flags.dir,
			Library:        flags.library,
			APIs:           flags.apis,
			NSample:        flags.nSample,
			ConvergeRounds: flags.converge,
			MaxRounds:      flags.rounds,
			Seed:           flags.seed,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Campaign: %s (%s)\n", res.Layout.Dir(), res.State)
		fmt.Fprintf(out, "Loops: %d  Seeds: %d  Pairs: %d\n", res.Loops, res.Seeds, res.Pairs)
		fmt.Fprintf(out, "Seed metas: %s\n", res.MetasPath)
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.dir, "dir", "", "Output directory (required)")
	f.StringVar(&flags.library, "library", "zlib", "Library name")
	f.StringSliceVar(&flags.apis, "apis", []string{"deflateInit", "deflate", "deflateEnd", "crc32", "adler32"}, "Catalog API names")
	f.IntVar(&flags.nSample, "n-sample", 3, "Programs per request")
	f.IntVar(&flags.converge, "converge-rounds", 3, "Quiet rounds before convergence")
	f.IntVar(&flags.rounds, "max-rounds", 100, "Round limit (0 = until converged)")
	f.Uint64Var(&flags.seed, "seed", 1, "Random seed")
	f.BoolVar(&flags.verbose, "verbose", false, "Log every round")
	_ = rootCmd.MarkFlagRequired("dir")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Run: %v\n", err)
		os.Exit(1)
	}
}
