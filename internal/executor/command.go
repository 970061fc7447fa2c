package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command runs an external process. Tests swap it for a fake.
type Command func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// ExecCommand runs name through os/exec and returns combined output. A context
// deadline surfaces as ErrTimeout.
func ExecCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), env...)
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.Bytes(), fmt.Errorf("%s: %w", name, ErrTimeout)
	}
	if err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out.Bytes(), nil
}

// diagnostic turns a failed command into a short program diagnostic.
func diagnostic(stage string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	const max = 4096
	if len(msg) > max {
		msg = msg[:max] + "\n..."
	}
	if msg == "" {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return fmt.Errorf("%s: %w\n%s", stage, err, msg)
}
