package llm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promptfuzz/internal/config"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/program"
)

func writeWaiting(t *testing.T, dir string, did int64, apis []string, n int, withPrompt bool) {
	t.Helper()
	promptPath := filepath.Join(dir, "prompt.md")
	if withPrompt {
		if err := os.WriteFile(promptPath, []byte("use the APIs"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sig := &SignalFile{
		Status:       "waiting",
		DispatchID:   did,
		PromptPath:   promptPath,
		ArtifactPath: filepath.Join(dir, "artifact.json"),
		APIs:         apis,
		N:            n,
	}
	if err := WriteSignal(filepath.Join(dir, "signal.json"), sig); err != nil {
		t.Fatal(err)
	}
}

func TestResponder_NoSignal(t *testing.T) {
	r := NewResponder(t.TempDir(), config.ModeDriver, "zlib", logging.Discard())
	answered, err := r.Poll()
	if err != nil || answered {
		t.Fatalf("Poll = %v, %v; want false, nil", answered, err)
	}
}

func TestResponder_AnswersOnce(t *testing.T) {
	dir := t.TempDir()
	r := NewResponder(dir, config.ModeCombination, "zlib", logging.Discard())
	writeWaiting(t, dir, 1, []string{"a", "b", "c"}, 2, true)

	answered, err := r.Poll()
	if err != nil || !answered {
		t.Fatalf("Poll = %v, %v; want true, nil", answered, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "artifact.json"))
	if err != nil {
		t.Fatal(err)
	}
	var w ArtifactWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatal(err)
	}
	if w.DispatchID != 1 {
		t.Errorf("dispatch_id = %d, want 1", w.DispatchID)
	}
	var art Artifact
	if err := json.Unmarshal(w.Data, &art); err != nil {
		t.Fatal(err)
	}
	if len(art.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(art.Responses))
	}
	code := program.ExtractCode(art.Responses[1])
	if len(code) != 1 {
		t.Fatalf("code blocks = %d, want 1", len(code))
	}
	for _, want := range []string{"void test_zlib_api_sequence()", "b();\n    c();\n    a();", "completed successfully"} {
		if !strings.Contains(code[0], want) {
			t.Errorf("second response missing %q:\n%s", want, code[0])
		}
	}

	again, err := r.Poll()
	if err != nil || again {
		t.Errorf("second Poll = %v, %v; want false, nil", again, err)
	}
}

func TestResponder_MissingPromptReportsError(t *testing.T) {
	dir := t.TempDir()
	r := NewResponder(dir, config.ModeDriver, "zlib", logging.Discard())
	writeWaiting(t, dir, 3, []string{"a"}, 1, false)

	answered, err := r.Poll()
	if err != nil || !answered {
		t.Fatalf("Poll = %v, %v", answered, err)
	}
	sig, err := ReadSignal(filepath.Join(dir, "signal.json"))
	if err != nil {
		t.Fatal(err)
	}
	if sig.Status != "error" || !strings.Contains(sig.Error, "cannot read prompt") {
		t.Errorf("signal = %+v", sig)
	}
}

func TestResponder_ServesFileHandler(t *testing.T) {
	dir := t.TempDir()
	r := NewResponder(dir, config.ModeDriver, "zlib", logging.Discard())
	h, err := NewFileHandler(FileHandlerConfig{
		Dir:          dir,
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Watch(ctx, 5*time.Millisecond)
	}()

	progs, err := h.Generate(ctx, Request{Prompt: "p", APIs: []string{"inflate", "crc32"}, N: 3})
	cancel()
	<-done
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(progs) != 3 {
		t.Fatalf("programs = %d, want 3", len(progs))
	}
	if !strings.Contains(progs[0].Source, "LLVMFuzzerTestOneInput") || !strings.Contains(progs[0].Source, "inflate();") {
		t.Errorf("unexpected driver:\n%s", progs[0].Source)
	}
}
