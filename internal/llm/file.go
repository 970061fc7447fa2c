package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"promptfuzz/internal/logging"
	"promptfuzz/internal/program"
)

// FileHandlerConfig configures the FileHandler behavior.
type FileHandlerConfig struct {
	Dir             string        // exchange directory for prompt, signal.json and artifact
	PollInterval    time.Duration // how often to check for the artifact; default 500ms
	Timeout         time.Duration // max time to wait for the artifact; default 10min
	MaxStaleRejects int           // consecutive stale dispatch_id reads before aborting; default 10
	Logger          *slog.Logger
}

// SignalFile is the JSON written next to the prompt to inform the external
// agent that a prompt is waiting.
type SignalFile struct {
	Status       string   `json:"status"`      // waiting, processing, done, error
	DispatchID   int64    `json:"dispatch_id"` // monotonic ID; agent must echo in artifact wrapper
	PromptPath   string   `json:"prompt_path"`
	ArtifactPath string   `json:"artifact_path"`
	APIs         []string `json:"apis"`
	N            int      `json:"n"`
	Temperature  float64  `json:"temperature"`
	Timestamp    string   `json:"timestamp"`
	Error        string   `json:"error,omitempty"`
}

// ArtifactWrapper is the envelope the responder writes. The handler accepts
// it only when dispatch_id matches the current signal.
type ArtifactWrapper struct {
	DispatchID int64           `json:"dispatch_id"`
	Data       json.RawMessage `json:"data"`
}

// Artifact is the payload inside the wrapper: raw model responses whose code
// blocks become programs.
type Artifact struct {
	Responses []string `json:"responses"`
}

// FileHandler writes the prompt and a signal.json file, then polls for the
// artifact an external agent writes in reply.
type FileHandler struct {
	cfg        FileHandlerConfig
	log        *slog.Logger
	dispatchID int64
}

// NewFileHandler creates a file-based handler.
func NewFileHandler(cfg FileHandlerConfig) (*FileHandler, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("llm: file handler dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create exchange dir: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxStaleRejects <= 0 {
		cfg.MaxStaleRejects = 10
	}
	l := cfg.Logger
	if l == nil {
		l = logging.New("llm-file")
	}
	return &FileHandler{cfg: cfg, log: l}, nil
}

func (h *FileHandler) signalPath() string   { return filepath.Join(h.cfg.Dir, "signal.json") }
func (h *FileHandler) artifactPath() string { return filepath.Join(h.cfg.Dir, "artifact.json") }

// Generate writes the prompt, signals the agent with a fresh dispatch_id and
// waits for an artifact echoing it.
func (h *FileHandler) Generate(ctx context.Context, req Request) ([]program.Program, error) {
	h.dispatchID++
	did := h.dispatchID
	dl := h.log.With("dispatch_id", did)

	artifactPath := h.artifactPath()
	signalPath := h.signalPath()
	promptPath := filepath.Join(h.cfg.Dir, fmt.Sprintf("prompt-%06d.md", did))

	if _, err := os.Stat(artifactPath); err == nil {
		dl.Debug("removing stale artifact before dispatch", "path", artifactPath)
		_ = os.Remove(artifactPath)
	}
	if err := os.WriteFile(promptPath, []byte(req.Prompt), 0644); err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}

	sig := SignalFile{
		Status:       "waiting",
		DispatchID:   did,
		PromptPath:   promptPath,
		ArtifactPath: artifactPath,
		APIs:         req.APIs,
		N:            req.N,
		Temperature:  req.Temperature,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := WriteSignal(signalPath, &sig); err != nil {
		return nil, fmt.Errorf("write signal: %w", err)
	}
	dl.Info("signal.json written, waiting for artifact", "artifact_path", artifactPath, "timeout", h.cfg.Timeout)

	data, err := h.await(ctx, dl, &sig)
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		h.fail(&sig, fmt.Sprintf("invalid artifact data: %v", err))
		return nil, fmt.Errorf("decode artifact data: %w", err)
	}
	sig.Status = "done"
	sig.Error = ""
	_ = WriteSignal(signalPath, &sig)
	return programsFrom(art.Responses), nil
}

func (h *FileHandler) await(ctx context.Context, dl *slog.Logger, sig *SignalFile) ([]byte, error) {
	timer := time.NewTimer(h.cfg.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	pollCount, staleCount := 0, 0
	for {
		if data, done, err := h.poll(dl, sig, &pollCount, &staleCount); done {
			return data, err
		}
		select {
		case <-ctx.Done():
			h.fail(sig, "canceled")
			return nil, ctx.Err()
		case <-timer.C:
			h.fail(sig, "timeout waiting for artifact")
			return nil, fmt.Errorf("timeout after %s waiting for artifact at %s", h.cfg.Timeout, sig.ArtifactPath)
		case <-ticker.C:
		}
	}
}

// poll checks once. done reports whether the wait is over.
func (h *FileHandler) poll(dl *slog.Logger, sig *SignalFile, pollCount, staleCount *int) ([]byte, bool, error) {
	did := sig.DispatchID
	if sigData, err := os.ReadFile(h.signalPath()); err == nil {
		var live SignalFile
		if json.Unmarshal(sigData, &live) == nil && live.DispatchID == did && live.Status == "error" {
			return nil, true, fmt.Errorf("responder error: %s", live.Error)
		}
	}

	*pollCount++
	data, err := os.ReadFile(sig.ArtifactPath)
	if err != nil {
		if *pollCount <= 3 || *pollCount%20 == 0 {
			dl.Debug("poll: artifact not found", "poll", *pollCount, "err", err)
		}
		*staleCount = 0
		return nil, false, nil
	}

	var wrapper ArtifactWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		// the responder may still be writing; retry on the next tick
		dl.Debug("poll: invalid JSON, retrying", "poll", *pollCount, "err", err)
		return nil, false, nil
	}
	if wrapper.DispatchID != did {
		*staleCount++
		dl.Debug("poll: stale artifact", "want", did, "got", wrapper.DispatchID, "stale_streak", *staleCount)
		if *staleCount >= h.cfg.MaxStaleRejects {
			h.fail(sig, fmt.Sprintf("exceeded stale tolerance: %d consecutive artifacts with wrong dispatch_id", *staleCount))
			return nil, true, fmt.Errorf("stale artifact tolerance exceeded: want dispatch_id %d, got %d", did, wrapper.DispatchID)
		}
		return nil, false, nil
	}
	if len(wrapper.Data) == 0 {
		h.fail(sig, "artifact wrapper has empty 'data' field")
		return nil, true, fmt.Errorf("artifact at %s has matching dispatch_id but empty 'data'", sig.ArtifactPath)
	}
	sig.Status = "processing"
	_ = WriteSignal(h.signalPath(), sig)
	dl.Info("artifact accepted", "bytes", len(wrapper.Data))
	return wrapper.Data, true, nil
}

func (h *FileHandler) fail(sig *SignalFile, msg string) {
	sig.Status = "error"
	sig.Error = msg
	_ = WriteSignal(h.signalPath(), sig)
}

// CurrentDispatchID returns the latest dispatch_id.
func (h *FileHandler) CurrentDispatchID() int64 { return h.dispatchID }

// WriteSignal atomically writes a signal file.
func WriteSignal(path string, sig *SignalFile) error {
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write signal tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		defer os.Remove(tmp)
		return os.WriteFile(path, data, 0644)
	}
	return nil
}

// WriteArtifact writes a wrapped artifact for dispatchID. Responders and
// tests use it to answer a signal.
func WriteArtifact(path string, dispatchID int64, art Artifact) error {
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	wrapped, err := json.Marshal(ArtifactWrapper{DispatchID: dispatchID, Data: data})
	if err != nil {
		return fmt.Errorf("marshal artifact wrapper: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, wrapped, 0644); err != nil {
		return fmt.Errorf("write artifact tmp: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadSignal reads the signal file at path.
func ReadSignal(path string) (*SignalFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sig SignalFile
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parse signal %s: %w", path, err)
	}
	return &sig, nil
}
