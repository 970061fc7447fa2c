// promptfuzz synthesizes fuzz drivers for a C/C++ library with an LLM,
// evolves the corpus under coverage feedback, and fuses accepted programs
// into batch binaries.
//
// Usage:
//
//	promptfuzz fuzz   [--config=promptfuzz.yaml] [--resume] [--metrics-addr=:9464]
//	promptfuzz fuse   [--seed-dir=<dir>] [--batch-size=N] [--collect]
//	promptfuzz status [--format=ascii|markdown]
//	promptfuzz energies | programs | pairs | rounds
//	promptfuzz metas
//	promptfuzz serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"promptfuzz/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	config    string
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "promptfuzz",
	Short: "LLM-driven fuzz driver synthesis with a coverage power schedule",
	Long: "promptfuzz asks a language model for fuzz drivers of a C/C++ library,\n" +
		"keeps the ones that compile and run clean, and steers later prompts\n" +
		"toward APIs the corpus has not explored yet.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := logging.ParseLevel(rootFlags.logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, rootFlags.logFormat, cmd.ErrOrStderr())
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.config, "config", "c", "promptfuzz.yaml", "Campaign config file (YAML or JSON)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(fuzzCmd)
	rootCmd.AddCommand(fuseCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(energiesCmd)
	rootCmd.AddCommand(programsCmd)
	rootCmd.AddCommand(pairsCmd)
	rootCmd.AddCommand(roundsCmd)
	rootCmd.AddCommand(metasCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
