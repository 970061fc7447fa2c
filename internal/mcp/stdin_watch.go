package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// WatchParent cancels the server when its parent process goes away, so an
// editor restart does not leave orphaned servers behind.
//
// It must not read stdin: StdioTransport owns it, and stolen bytes corrupt
// the JSON-RPC stream.
func WatchParent(ctx context.Context, log *slog.Logger, cancel context.CancelFunc) {
	ppid := os.Getppid()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				if os.Getppid() != ppid {
					if log != nil {
						log.Warn("parent process died, shutting down", "ppid", ppid)
					}
					cancel()
					return
				}
			}
		}
	}()
}
