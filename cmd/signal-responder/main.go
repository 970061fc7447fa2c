// signal-responder answers file-handler dispatches with canned programs that
// call every API named in the signal. It drives the exchange protocol end to
// end without a model behind it.
//
// Usage: signal-responder [--mode driver|combination] [--library name] [exchange-dir]
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"promptfuzz/internal/config"
	"promptfuzz/internal/llm"
	"promptfuzz/internal/logging"
)

var flags struct {
	mode     string
	library  string
	interval time.Duration
	once     bool
	debug    bool
}

var rootCmd = &cobra.Command{
	Use:   "signal-responder [exchange-dir]",
	Short: "Answer file-handler prompts with canned programs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.mode, "mode", config.ModeDriver, "Program shape: driver or combination")
	f.StringVar(&flags.library, "library", "lib", "Library name used in the combination entry point")
	f.DurationVar(&flags.interval, "interval", 200*time.Millisecond, "Signal poll interval")
	f.BoolVar(&flags.once, "once", false, "Exit after answering one dispatch")
	f.BoolVar(&flags.debug, "debug", false, "Log every poll")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flags.mode != config.ModeDriver && flags.mode != config.ModeCombination {
		return fmt.Errorf("mode %q: want %s or %s", flags.mode, config.ModeDriver, config.ModeCombination)
	}
	dir := "exchange"
	if len(args) == 1 {
		dir = args[0]
	}
	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	logging.Init(level, "text", cmd.ErrOrStderr())
	log := logging.New("responder")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := llm.NewResponder(dir, flags.mode, flags.library, log)
	log.Info("watching for signals", "dir", dir, "mode", flags.mode)
	if !flags.once {
		return r.Watch(ctx, flags.interval)
	}

	ticker := time.NewTicker(flags.interval)
	defer ticker.Stop()
	for {
		answered, err := r.Poll()
		if err != nil {
			return err
		}
		if answered {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
