// Package workspace resolves the on-disk layout of a fuzzing campaign:
// seed corpus, rejected programs, scratch drivers, fused output and logs.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"promptfuzz/internal/program"
)

// Layout is rooted at <output_dir>/<library>.
type Layout struct {
	Root    string
	Library string
}

// New returns the layout for library under outputDir.
func New(outputDir, library string) *Layout {
	return &Layout{Root: filepath.Join(outputDir, library), Library: library}
}

func (l *Layout) Dir() string { return l.Root }

// SeedDir holds accepted programs.
func (l *Layout) SeedDir() string { return filepath.Join(l.Root, "seeds") }

// ErrorDir holds rejected programs and their .err diagnostics.
func (l *Layout) ErrorDir() string { return filepath.Join(l.Root, "errors") }

// DriverDir is the scratch directory the fusion step copies sources into.
func (l *Layout) DriverDir() string { return filepath.Join(l.Root, "drivers") }

// FusedDir is the parent of the Core_NNN batch directories.
func (l *Layout) FusedDir() string { return filepath.Join(l.Root, "fused") }

// CoreDir is the output directory of batch i.
func (l *Layout) CoreDir(i int) string {
	return filepath.Join(l.FusedDir(), fmt.Sprintf("Core_%03d", i))
}

// WorkDir is the per-seed work directory (build products, coverage).
func (l *Layout) WorkDir(id int64) string {
	return filepath.Join(l.Root, "work", fmt.Sprintf("id_%06d", id))
}

// CoveragePath is where the executor leaves the coverage of seed id.
func (l *Layout) CoveragePath(id int64) string {
	return filepath.Join(l.WorkDir(id), "coverage.json")
}

// LogDir holds run logs.
func (l *Layout) LogDir() string { return filepath.Join(l.Root, "logs") }

// DBPath is the default location of the campaign store.
func (l *Layout) DBPath() string { return filepath.Join(l.Root, "promptfuzz.db") }

// ExchangeDir holds the file handler's prompt, signal and artifact files.
func (l *Layout) ExchangeDir() string { return filepath.Join(l.Root, "exchange") }

// SeedMetasPath is the seed metadata CSV.
func (l *Layout) SeedMetasPath() string { return filepath.Join(l.Root, "seed_metas.csv") }

// Ensure creates every directory the fuzz loop writes to.
func (l *Layout) Ensure() error {
	for _, d := range []string{l.SeedDir(), l.ErrorDir(), l.DriverDir(), l.FusedDir(), l.LogDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// SaveAccepted writes p into the seed corpus and records its path.
func (l *Layout) SaveAccepted(p *program.Program) error {
	path := filepath.Join(l.SeedDir(), p.FileName())
	if err := writeAtomic(path, []byte(p.Source)); err != nil {
		return fmt.Errorf("save seed %d: %w", p.ID, err)
	}
	p.Path = path
	return nil
}

// SaveRejected writes p and its diagnostic into the error dir.
func (l *Layout) SaveRejected(p *program.Program) error {
	path := filepath.Join(l.ErrorDir(), p.FileName())
	if err := writeAtomic(path, []byte(p.Source)); err != nil {
		return fmt.Errorf("save rejected %d: %w", p.ID, err)
	}
	if err := writeAtomic(path+".err", []byte(p.Err)); err != nil {
		return fmt.Errorf("save diagnostic %d: %w", p.ID, err)
	}
	p.Path = path
	return nil
}

// Demote moves an accepted seed into the error dir with a diagnostic.
func (l *Layout) Demote(p *program.Program, diag string) error {
	src := filepath.Join(l.SeedDir(), p.FileName())
	p.Reject(diag)
	if err := l.SaveRejected(p); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove demoted seed %d: %w", p.ID, err)
	}
	return nil
}

var seedName = regexp.MustCompile(`^id_(\d+)\.cc$`)

// Seed is one accepted program on disk.
type Seed struct {
	ID   int64
	Path string
}

// ListSeeds returns the seeds of dir (SeedDir when empty) ordered by id.
func (l *Layout) ListSeeds(dir string) ([]Seed, error) {
	if dir == "" {
		dir = l.SeedDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	var seeds []Seed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := seedName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.ParseInt(m[1], 10, 64)
		seeds = append(seeds, Seed{ID: id, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].ID < seeds[j].ID })
	return seeds, nil
}

// writeAtomic writes via a temp file and rename so readers never see a
// partial program.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		defer os.Remove(tmp)
		return os.WriteFile(path, data, 0o644)
	}
	return nil
}
