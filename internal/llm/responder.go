package llm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"promptfuzz/internal/config"
	"promptfuzz/internal/logging"
)

// Responder answers FileHandler dispatches with canned programs that call
// every API named in the signal. It stands in for a model when exercising
// the exchange protocol.
type Responder struct {
	dir     string
	mode    string
	library string
	last    int64 // highest dispatch_id answered
	log     *slog.Logger
}

// NewResponder watches dir. mode selects driver or combination program shape.
func NewResponder(dir, mode, library string, log *slog.Logger) *Responder {
	if log == nil {
		log = logging.New("responder")
	}
	return &Responder{dir: dir, mode: mode, library: library, log: log}
}

// Watch polls until ctx is done.
func (r *Responder) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(); err != nil {
			r.log.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll checks the signal once and answers a new waiting dispatch.
func (r *Responder) Poll() (bool, error) {
	sigPath := filepath.Join(r.dir, "signal.json")
	sig, err := ReadSignal(sigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sig.Status != "waiting" || sig.DispatchID <= r.last {
		r.log.Debug("signal skipped", "dispatch_id", sig.DispatchID, "status", sig.Status)
		return false, nil
	}
	r.last = sig.DispatchID
	dl := r.log.With("dispatch_id", sig.DispatchID)

	if _, err := os.Stat(sig.PromptPath); err != nil {
		sig.Status = "error"
		sig.Error = fmt.Sprintf("cannot read prompt: %v", err)
		dl.Warn("reporting error", "error", sig.Error)
		return true, WriteSignal(sigPath, sig)
	}

	n := max(sig.N, 1)
	art := Artifact{Responses: make([]string, 0, n)}
	for i := range n {
		art.Responses = append(art.Responses, r.Program(sig.APIs, i))
	}
	if err := WriteArtifact(sig.ArtifactPath, sig.DispatchID, art); err != nil {
		return true, fmt.Errorf("write artifact: %w", err)
	}
	dl.Info("artifact written", "responses", n, "apis", len(sig.APIs))
	return true, nil
}

// Program renders one fenced response. Variant i rotates the call order so
// samples of one dispatch differ.
func (r *Responder) Program(apis []string, i int) string {
	var b strings.Builder
	b.WriteString("```cpp\n")
	if r.mode == config.ModeCombination {
		fmt.Fprintf(&b, "void test_%s_api_sequence() {\n", r.library)
	} else {
		b.WriteString("#include <stddef.h>\n#include <stdint.h>\n\n")
		b.WriteString("extern \"C\" int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {\n")
	}
	for j := range apis {
		fmt.Fprintf(&b, "    %s();\n", apis[(j+i)%len(apis)])
	}
	if r.mode == config.ModeCombination {
		b.WriteString("    printf(\"API sequence test completed successfully.\\n\");\n")
	} else {
		b.WriteString("    return 0;\n")
	}
	b.WriteString("}\n```\n")
	return b.String()
}
