package llm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// respond waits for a waiting signal and answers it with art.
func respond(t *testing.T, dir string, art Artifact, stale bool) {
	t.Helper()
	go func() {
		sigPath := filepath.Join(dir, "signal.json")
		for i := 0; i < 500; i++ {
			data, err := os.ReadFile(sigPath)
			if err == nil {
				var sig SignalFile
				if json.Unmarshal(data, &sig) == nil && sig.Status == "waiting" {
					id := sig.DispatchID
					if stale {
						id += 100
					}
					_ = WriteArtifact(sig.ArtifactPath, id, art)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestFileHandler_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := NewFileHandler(FileHandlerConfig{Dir: dir, PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	respond(t, dir, Artifact{Responses: []string{"```c\nint main() { return 0; }\n```"}}, false)

	programs, err := h.Generate(context.Background(), Request{Prompt: "make a driver", APIs: []string{"a"}, N: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(programs) != 1 || !strings.Contains(programs[0].Source, "int main()") {
		t.Fatalf("programs = %+v", programs)
	}
	prompt, err := os.ReadFile(filepath.Join(dir, "prompt-000001.md"))
	if err != nil || string(prompt) != "make a driver" {
		t.Errorf("prompt file = %q, %v", prompt, err)
	}
	var sig SignalFile
	data, _ := os.ReadFile(filepath.Join(dir, "signal.json"))
	_ = json.Unmarshal(data, &sig)
	if sig.Status != "done" || sig.DispatchID != 1 {
		t.Errorf("final signal = %+v", sig)
	}
}

func TestFileHandler_StaleArtifactsRejected(t *testing.T) {
	dir := t.TempDir()
	h, _ := NewFileHandler(FileHandlerConfig{Dir: dir, PollInterval: time.Millisecond, Timeout: 5 * time.Second, MaxStaleRejects: 3})
	respond(t, dir, Artifact{Responses: []string{"x"}}, true)

	_, err := h.Generate(context.Background(), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "stale") {
		t.Fatalf("err = %v, want stale tolerance error", err)
	}
}

func TestFileHandler_ContextCanceled(t *testing.T) {
	h, _ := NewFileHandler(FileHandlerConfig{Dir: t.TempDir(), PollInterval: time.Millisecond, Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Generate(ctx, Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
