// Package mcp exposes a campaign over the Model Context Protocol. An agent
// can answer generation requests of a running fuzz loop that uses the file
// handler, and inspect campaign state from the store.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"promptfuzz/internal/llm"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/program"
	"promptfuzz/internal/store"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	DefaultGetPromptTimeout = 10 * time.Second
	pollInterval            = 100 * time.Millisecond
)

// Server wraps the MCP SDK server.
type Server struct {
	MCPServer   *sdkmcp.Server
	ExchangeDir string // file handler exchange dir; empty disables the bridge tools
	Store       store.Store

	log *slog.Logger

	mu       sync.Mutex
	answered int64 // last dispatch_id a response was submitted for
}

// NewServer creates an MCP server over a campaign store and exchange dir.
func NewServer(exchangeDir string, st store.Store) *Server {
	s := &Server{ExchangeDir: exchangeDir, Store: st, log: logging.New("mcp")}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "promptfuzz", Version: "dev"},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_prompt",
		Description: "Get the pending generation prompt of the fuzz loop. Blocks until one is waiting or the timeout expires; returns ready=false on timeout.",
	}, s.handleGetPrompt)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "submit_responses",
		Description: "Submit model responses for a dispatch. Each response may hold one or more fenced C++ programs.",
	}, s.handleSubmitResponses)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_status",
		Description: "Get the session status: loops, quiet rounds, accepted and rejected program counts, discovered API pairs.",
	}, s.handleGetStatus)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_programs",
		Description: "List generated programs, optionally filtered by status (accepted, rejected).",
	}, s.handleListPrograms)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_energies",
		Description: "List the current API energies, highest first.",
	}, s.handleListEnergies)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_pairs",
		Description: "List the caller/callee API pairs discovered so far.",
	}, s.handleListPairs)
}

// --- Tool input/output types ---

type getPromptInput struct {
	TimeoutMS int `json:"timeout_ms,omitempty" jsonschema:"how long to wait for a pending prompt, in milliseconds"`
}

type getPromptOutput struct {
	Ready       bool     `json:"ready"`
	DispatchID  int64    `json:"dispatch_id,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	APIs        []string `json:"apis,omitempty"`
	N           int      `json:"n,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

type submitResponsesInput struct {
	DispatchID int64    `json:"dispatch_id" jsonschema:"dispatch_id returned by get_prompt"`
	Responses  []string `json:"responses" jsonschema:"model responses, one per sample"`
}

type submitResponsesOutput struct {
	Accepted bool `json:"accepted"`
	Programs int  `json:"programs"`
}

type getStatusInput struct{}

type getStatusOutput struct {
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	Loops      int    `json:"loops"`
	QuietRound int    `json:"quiet_round"`
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
	Pairs      int    `json:"pairs"`
}

type listProgramsInput struct {
	Status string `json:"status,omitempty" jsonschema:"accepted or rejected; empty lists all"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of programs, newest first"`
}

type programSummary struct {
	ID     int64    `json:"id"`
	Round  int      `json:"round"`
	Status string   `json:"status"`
	APIs   []string `json:"apis,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type listProgramsOutput struct {
	Programs []programSummary `json:"programs"`
}

type listEnergiesInput struct {
	Top int `json:"top,omitempty" jsonschema:"number of entries; 0 lists all"`
}

type energyEntry struct {
	API    string  `json:"api"`
	Energy float64 `json:"energy"`
}

type listEnergiesOutput struct {
	Energies []energyEntry `json:"energies"`
}

type listPairsInput struct{}

type pairEntry struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Round  int    `json:"round"`
}

type listPairsOutput struct {
	Pairs []pairEntry `json:"pairs"`
}

// --- Bridge ---

func (s *Server) signalPath() string { return filepath.Join(s.ExchangeDir, "signal.json") }

func (s *Server) handleGetPrompt(ctx context.Context, _ *sdkmcp.CallToolRequest, input getPromptInput) (*sdkmcp.CallToolResult, getPromptOutput, error) {
	if s.ExchangeDir == "" {
		return nil, getPromptOutput{}, fmt.Errorf("no exchange dir configured")
	}
	timeout := DefaultGetPromptTimeout
	if input.TimeoutMS > 0 {
		timeout = time.Duration(input.TimeoutMS) * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if out, ok := s.pendingPrompt(); ok {
			return nil, out, nil
		}
		select {
		case <-ctx.Done():
			return nil, getPromptOutput{}, ctx.Err()
		case <-deadline.C:
			return nil, getPromptOutput{Ready: false}, nil
		case <-ticker.C:
		}
	}
}

// pendingPrompt returns the waiting dispatch that has not been answered yet.
func (s *Server) pendingPrompt() (getPromptOutput, bool) {
	sig, err := llm.ReadSignal(s.signalPath())
	if err != nil || sig.Status != "waiting" {
		return getPromptOutput{}, false
	}
	s.mu.Lock()
	answered := s.answered
	s.mu.Unlock()
	if sig.DispatchID <= answered {
		return getPromptOutput{}, false
	}
	text, err := os.ReadFile(sig.PromptPath)
	if err != nil {
		s.log.Warn("prompt file unreadable", "path", sig.PromptPath, "err", err)
		return getPromptOutput{}, false
	}
	return getPromptOutput{
		Ready:       true,
		DispatchID:  sig.DispatchID,
		Prompt:      string(text),
		APIs:        sig.APIs,
		N:           sig.N,
		Temperature: sig.Temperature,
	}, true
}

func (s *Server) handleSubmitResponses(_ context.Context, _ *sdkmcp.CallToolRequest, input submitResponsesInput) (*sdkmcp.CallToolResult, submitResponsesOutput, error) {
	if s.ExchangeDir == "" {
		return nil, submitResponsesOutput{}, fmt.Errorf("no exchange dir configured")
	}
	sig, err := llm.ReadSignal(s.signalPath())
	if err != nil {
		return nil, submitResponsesOutput{}, fmt.Errorf("read signal: %w", err)
	}
	if sig.DispatchID != input.DispatchID || sig.Status != "waiting" {
		return nil, submitResponsesOutput{}, fmt.Errorf("dispatch %d is not pending (current %d, status %s)",
			input.DispatchID, sig.DispatchID, sig.Status)
	}
	if err := llm.WriteArtifact(sig.ArtifactPath, input.DispatchID, llm.Artifact{Responses: input.Responses}); err != nil {
		return nil, submitResponsesOutput{}, err
	}
	s.mu.Lock()
	s.answered = input.DispatchID
	s.mu.Unlock()

	n := 0
	for _, r := range input.Responses {
		n += len(program.ExtractCode(r))
	}
	s.log.Info("responses submitted", "dispatch_id", input.DispatchID, "responses", len(input.Responses), "programs", n)
	return nil, submitResponsesOutput{Accepted: true, Programs: n}, nil
}

// --- Campaign state ---

func (s *Server) handleGetStatus(_ context.Context, _ *sdkmcp.CallToolRequest, _ getStatusInput) (*sdkmcp.CallToolResult, getStatusOutput, error) {
	snap, err := s.Store.LatestSnapshot()
	if err != nil {
		return nil, getStatusOutput{}, err
	}
	if snap == nil {
		return nil, getStatusOutput{}, fmt.Errorf("no session recorded yet")
	}
	acc, err := s.Store.ListPrograms(program.StatusAccepted)
	if err != nil {
		return nil, getStatusOutput{}, err
	}
	rej, err := s.Store.ListPrograms(program.StatusRejected)
	if err != nil {
		return nil, getStatusOutput{}, err
	}
	return nil, getStatusOutput{
		SessionID:  snap.ID,
		Mode:       snap.Mode,
		Loops:      snap.Loop,
		QuietRound: snap.QuietRound,
		Accepted:   len(acc),
		Rejected:   len(rej),
		Pairs:      len(snap.Pairs),
	}, nil
}

func (s *Server) handleListPrograms(_ context.Context, _ *sdkmcp.CallToolRequest, input listProgramsInput) (*sdkmcp.CallToolResult, listProgramsOutput, error) {
	status := program.Status(input.Status)
	switch status {
	case "", program.StatusAccepted, program.StatusRejected:
	default:
		return nil, listProgramsOutput{}, fmt.Errorf("unknown status %q", input.Status)
	}
	recs, err := s.Store.ListPrograms(status)
	if err != nil {
		return nil, listProgramsOutput{}, err
	}
	out := listProgramsOutput{Programs: []programSummary{}}
	for i := len(recs) - 1; i >= 0; i-- {
		if input.Limit > 0 && len(out.Programs) >= input.Limit {
			break
		}
		r := recs[i]
		out.Programs = append(out.Programs, programSummary{
			ID: r.ID, Round: r.Round, Status: string(r.Status), APIs: r.APIs, Error: r.Err,
		})
	}
	return nil, out, nil
}

func (s *Server) handleListEnergies(_ context.Context, _ *sdkmcp.CallToolRequest, input listEnergiesInput) (*sdkmcp.CallToolResult, listEnergiesOutput, error) {
	recs, err := s.Store.ListEnergies()
	if err != nil {
		return nil, listEnergiesOutput{}, err
	}
	out := listEnergiesOutput{Energies: make([]energyEntry, 0, len(recs))}
	for _, r := range recs {
		out.Energies = append(out.Energies, energyEntry{API: r.Name, Energy: r.Energy})
	}
	sortEnergies(out.Energies)
	if input.Top > 0 && len(out.Energies) > input.Top {
		out.Energies = out.Energies[:input.Top]
	}
	return nil, out, nil
}

func (s *Server) handleListPairs(_ context.Context, _ *sdkmcp.CallToolRequest, _ listPairsInput) (*sdkmcp.CallToolResult, listPairsOutput, error) {
	pairs, err := s.Store.ListPairs()
	if err != nil {
		return nil, listPairsOutput{}, err
	}
	out := listPairsOutput{Pairs: make([]pairEntry, 0, len(pairs))}
	for _, p := range pairs {
		out.Pairs = append(out.Pairs, pairEntry{Caller: p.Caller, Callee: p.Callee, Round: p.Round})
	}
	return nil, out, nil
}

func sortEnergies(es []energyEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Energy != es[j].Energy {
			return es[i].Energy > es[j].Energy
		}
		return es[i].API < es[j].API
	})
}
