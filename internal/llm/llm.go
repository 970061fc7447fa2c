// Package llm asks a language model for candidate programs. Two handlers
// exist: an OpenAI-compatible HTTP client and a file-based signal protocol
// for an external agent.
package llm

import (
	"context"

	"promptfuzz/internal/program"
)

// Request is one generation request: the rendered prompt plus sampling knobs.
type Request struct {
	Prompt      string
	APIs        []string
	N           int
	Temperature float64
}

// Handler generates candidate programs for a request. Programs come back
// without ids; an empty result is valid.
type Handler interface {
	Generate(ctx context.Context, req Request) ([]program.Program, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) ([]program.Program, error)

func (f HandlerFunc) Generate(ctx context.Context, req Request) ([]program.Program, error) {
	return f(ctx, req)
}

// programsFrom extracts the code blocks of each response into programs.
func programsFrom(responses []string) []program.Program {
	var out []program.Program
	for _, r := range responses {
		for _, code := range program.ExtractCode(r) {
			out = append(out, program.New(code))
		}
	}
	return out
}
