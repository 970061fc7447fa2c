package store

import (
	"errors"
	"time"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/program"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/session"
)

// ErrNotFound is returned when an update targets a missing record.
var ErrNotFound = errors.New("not found")

// DefaultDBName is the store file name inside the campaign directory.
const DefaultDBName = "promptfuzz.db"

// ProgramRecord is a persisted program plus what the loop learned from it.
type ProgramRecord struct {
	program.Program
	APIs     []string // catalog APIs the program calls
	Elapsed  float64  // seconds since session start at acceptance/rejection
	Branches int      // cumulative covered branches after this program (driver mode)
}

// Round is the summary of one fuzz-loop round.
type Round struct {
	Loop       int
	QuietRound int
	Accepted   int
	Rejected   int
	NewSignal  int // new branches (driver) or new API pairs (combination)
	Branches   int
	Pairs      int
	Shuffled   bool
	At         time.Time
}

// PairRecord is a discovered API pair and the round that found it.
type PairRecord struct {
	callseq.Pair
	Round int
}

// Store is the persistence facade of a campaign: programs, rounds, pairs,
// energies and the session snapshot used to resume.
// Implementations are SQLite (SqlStore) or in-memory (MemStore).
type Store interface {
	SaveProgram(rec *ProgramRecord) error
	UpdateProgramStatus(id int64, status program.Status, diag string) error
	ListPrograms(status program.Status) ([]*ProgramRecord, error)
	// MaxProgramID returns the highest saved program id, or -1 when empty.
	MaxProgramID() (int64, error)

	AddPairs(pairs []callseq.Pair, round int) error
	ListPairs() ([]PairRecord, error)

	RecordRound(r *Round) error
	ListRounds() ([]*Round, error)

	SaveEnergies(recs []schedule.EnergyRecord) error
	ListEnergies() ([]schedule.EnergyRecord, error)

	SaveSnapshot(snap *session.Snapshot) error
	// LatestSnapshot returns nil, nil when nothing was saved yet.
	LatestSnapshot() (*session.Snapshot, error)

	Close() error
}
