package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/program"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/session"
)

// MemStore implements Store in memory. Used by tests and dry runs.
type MemStore struct {
	mu       sync.Mutex
	programs map[int64]*ProgramRecord
	pairs    map[callseq.Pair]int
	rounds   map[int]*Round
	energies []schedule.EnergyRecord
	snap     *session.Snapshot
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		programs: make(map[int64]*ProgramRecord),
		pairs:    make(map[callseq.Pair]int),
		rounds:   make(map[int]*Round),
	}
}

func (s *MemStore) SaveProgram(rec *ProgramRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.APIs = append([]string(nil), rec.APIs...)
	s.programs[rec.ID] = &cp
	return nil
}

func (s *MemStore) UpdateProgramStatus(id int64, status program.Status, diag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.programs[id]
	if !ok {
		return fmt.Errorf("update program %d: %w", id, ErrNotFound)
	}
	rec.Status = status
	rec.Err = diag
	return nil
}

func (s *MemStore) ListPrograms(status program.Status) ([]*ProgramRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProgramRecord
	for _, rec := range s.programs {
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) MaxProgramID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := int64(-1)
	for id := range s.programs {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *MemStore) AddPairs(pairs []callseq.Pair, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		if _, ok := s.pairs[p]; !ok {
			s.pairs[p] = round
		}
	}
	return nil
}

func (s *MemStore) ListPairs() ([]PairRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PairRecord, 0, len(s.pairs))
	for p, r := range s.pairs {
		out = append(out, PairRecord{Pair: p, Round: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		if out[i].Caller != out[j].Caller {
			return out[i].Caller < out[j].Caller
		}
		return out[i].Callee < out[j].Callee
	})
	return out, nil
}

func (s *MemStore) RecordRound(r *Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	cp := *r
	s.rounds[r.Loop] = &cp
	return nil
}

func (s *MemStore) ListRounds() ([]*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Loop < out[j].Loop })
	return out, nil
}

func (s *MemStore) SaveEnergies(recs []schedule.EnergyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energies = append([]schedule.EnergyRecord(nil), recs...)
	return nil
}

func (s *MemStore) ListEnergies() ([]schedule.EnergyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]schedule.EnergyRecord(nil), s.energies...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Energy != out[j].Energy {
			return out[i].Energy > out[j].Energy
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemStore) SaveSnapshot(snap *session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snap = &cp
	return nil
}

func (s *MemStore) LatestSnapshot() (*session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil
	}
	cp := *s.snap
	return &cp, nil
}

func (s *MemStore) Close() error { return nil }
