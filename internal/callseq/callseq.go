// Package callseq extracts the ordered sequence of call-expression callees
// from C/C++ source and turns it into 2-gram API pairs.
package callseq

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"
)

// Pair is an ordered (caller, callee) 2-gram of consecutive callees.
type Pair struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

func (p Pair) String() string { return p.Caller + " -> " + p.Callee }

// Calls parses src as C++ and returns the text of the "function" field of
// every call_expression in pre-order (a call is listed before the calls
// nested in its arguments).
func Calls(ctx context.Context, src []byte) ([]string, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(cpp.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse c++: %w", err)
	}
	defer tree.Close()

	var calls []string
	walk(tree.RootNode(), src, &calls)
	return calls, nil
}

func walk(n *sitter.Node, src []byte, calls *[]string) {
	if n == nil {
		return
	}
	if n.Type() == "call_expression" {
		if fn := n.ChildByFieldName("function"); fn != nil {
			*calls = append(*calls, fn.Content(src))
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), src, calls)
	}
}

// Bigrams returns the pairs formed by each consecutive pair of calls.
// Fewer than two calls yield no pairs.
func Bigrams(calls []string) []Pair {
	if len(calls) < 2 {
		return nil
	}
	pairs := make([]Pair, 0, len(calls)-1)
	for i := 1; i < len(calls); i++ {
		pairs = append(pairs, Pair{Caller: calls[i-1], Callee: calls[i]})
	}
	return pairs
}

// Used returns the distinct callees of calls that satisfy keep, in first-use order.
func Used(calls []string, keep func(string) bool) []string {
	seen := make(map[string]bool, len(calls))
	var out []string
	for _, c := range calls {
		if seen[c] || !keep(c) {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
