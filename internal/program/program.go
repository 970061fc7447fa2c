// Package program defines a candidate driver program and helpers to pull
// program text out of LLM responses.
package program

import (
	"fmt"
	"regexp"
	"strings"
)

// Status is the validation state of a program.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Program is one generated driver. ID is assigned when the program enters
// validation and never reused.
type Program struct {
	ID     int64  `json:"id"`
	Source string `json:"source"`
	Status Status `json:"status"`
	Err    string `json:"error,omitempty"`
	Path   string `json:"path,omitempty"`
	Round  int    `json:"round"`
}

// New returns a pending program with no id yet.
func New(source string) Program {
	return Program{ID: -1, Source: source, Status: StatusPending}
}

// FileName is the on-disk name of the program inside the seed or error dir.
func (p Program) FileName() string {
	return fmt.Sprintf("id_%06d.cc", p.ID)
}

// Accept marks the program as validated.
func (p *Program) Accept() {
	p.Status = StatusAccepted
	p.Err = ""
}

// Reject marks the program as failed with a diagnostic.
func (p *Program) Reject(diag string) {
	p.Status = StatusRejected
	p.Err = diag
}

var fence = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\n(.*?)```")

// ExtractCode returns the fenced code blocks of an LLM response, each ending
// in a newline. A response without fences counts as one bare program only
// when it has a braced body; prose and blank responses yield nothing.
func ExtractCode(response string) []string {
	matches := fence.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		if s := strings.TrimSpace(response); looksLikeCode(s) {
			return []string{s + "\n"}
		}
		return nil
	}
	var out []string
	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		out = append(out, body+"\n")
	}
	return out
}

func looksLikeCode(s string) bool {
	open := strings.IndexByte(s, '{')
	return open >= 0 && strings.LastIndexByte(s, '}') > open
}
