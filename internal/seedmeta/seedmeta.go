// Package seedmeta exports per-seed generation metadata as CSV: when each
// accepted seed appeared and the cumulative branch coverage at that point.
package seedmeta

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"promptfuzz/internal/store"
)

var header = []string{"seed_path", "duration_since_start", "cumulative_branch_coverage"}

// Meta is one row.
type Meta struct {
	SeedPath   string
	SinceStart time.Duration
	Branches   int
	HasCov     bool // combination-mode seeds carry no coverage
}

// FromRecords builds rows for accepted records in chronological order.
func FromRecords(recs []*store.ProgramRecord, withCoverage bool) []Meta {
	out := make([]Meta, 0, len(recs))
	for _, r := range recs {
		out = append(out, Meta{
			SeedPath:   r.Path,
			SinceStart: time.Duration(r.Elapsed * float64(time.Second)),
			Branches:   r.Branches,
			HasCov:     withCoverage,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SinceStart < out[j].SinceStart })
	return out
}

// Write stores metas at path, replacing any previous file.
func Write(path string, metas []Meta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create seed metas: %w", err)
	}
	if err := Encode(f, metas); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes metas as CSV with a header row.
func Encode(w io.Writer, metas []Meta) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range metas {
		cov := ""
		if m.HasCov {
			cov = strconv.Itoa(m.Branches)
		}
		row := []string{m.SeedPath, strconv.FormatFloat(m.SinceStart.Seconds(), 'f', -1, 64), cov}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read loads a file written by Write.
func Read(path string) ([]Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses CSV produced by Encode.
func Decode(r io.Reader) ([]Meta, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read seed metas: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var out []Meta
	for i, row := range rows[1:] {
		secs, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: duration: %w", i+1, err)
		}
		m := Meta{SeedPath: row[0], SinceStart: time.Duration(secs * float64(time.Second))}
		if row[2] != "" {
			n, err := strconv.Atoi(row[2])
			if err != nil {
				return nil, fmt.Errorf("row %d: coverage: %w", i+1, err)
			}
			m.Branches, m.HasCov = n, true
		}
		out = append(out, m)
	}
	return out, nil
}
