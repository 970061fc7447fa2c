// Package format renders campaign state (energies, rounds, programs, pairs,
// fused batches) as terminal or Markdown tables.
package format

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // box-drawn terminal tables
	Markdown             // GitHub-flavoured Markdown tables
)

// ParseMode maps a --format flag value to a Mode. Unknown values fall back to ASCII.
func ParseMode(s string) Mode {
	if s == "markdown" || s == "md" {
		return Markdown
	}
	return ASCII
}

// ColumnAlign specifies the horizontal alignment for a column.
type ColumnAlign int

const (
	AlignDefault ColumnAlign = iota
	AlignLeft
	AlignCenter
	AlignRight
)

// ColumnConfig controls per-column formatting.
type ColumnConfig struct {
	Number   int // 1-based
	Align    ColumnAlign
	MaxWidth int // 0 = unlimited
}

// Table is built once and rendered in the Mode it was created with.
type Table interface {
	Header(cols ...string)
	Row(vals ...any)
	Footer(vals ...any)
	Columns(cfgs ...ColumnConfig)
	String() string
}

// NewTable returns a Table that renders in m.
func NewTable(m Mode) Table {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return &prettyTable{w: w, mode: m}
}

type prettyTable struct {
	w    table.Writer
	mode Mode
}

func (t *prettyTable) Header(cols ...string) {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	t.w.AppendHeader(row)
}

func (t *prettyTable) Row(vals ...any)    { t.w.AppendRow(table.Row(vals)) }
func (t *prettyTable) Footer(vals ...any) { t.w.AppendFooter(table.Row(vals)) }

func (t *prettyTable) Columns(cfgs ...ColumnConfig) {
	out := make([]table.ColumnConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = table.ColumnConfig{Number: c.Number, Align: textAlign(c.Align), WidthMax: c.MaxWidth}
	}
	t.w.SetColumnConfigs(out)
}

func (t *prettyTable) String() string {
	if t.mode == Markdown {
		return t.w.RenderMarkdown()
	}
	return t.w.Render()
}

func textAlign(a ColumnAlign) text.Align {
	switch a {
	case AlignLeft:
		return text.AlignLeft
	case AlignRight:
		return text.AlignRight
	case AlignCenter:
		return text.AlignCenter
	}
	return text.AlignDefault
}
