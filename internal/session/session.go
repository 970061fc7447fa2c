// Package session owns the long-lived mutable state of one fuzzing campaign:
// usage counters, the discovered-pair set and the loop counters. The state is
// snapshotted after every round so a restarted run resumes from it.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"promptfuzz/internal/callseq"
)

// Session is passed explicitly to the fuzz loop and the scheduler.
type Session struct {
	ID        string
	Mode      string
	StartedAt time.Time

	mu         sync.Mutex
	exec       map[string]int
	prompt     map[string]int
	nextID     int64
	quietRound int
	loop       int
	rechecked  bool

	Pairs *PairSet
}

// New starts a fresh session for the given generation mode.
func New(mode string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		exec:      make(map[string]int),
		prompt:    make(map[string]int),
		Pairs:     NewPairSet(),
	}
}

// ExecCount implements schedule.Counters.
func (s *Session) ExecCount(api string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec[api]
}

// PromptCount implements schedule.Counters.
func (s *Session) PromptCount(api string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt[api]
}

// IncExec bumps the exec counter of every api.
func (s *Session) IncExec(apis ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range apis {
		s.exec[a]++
	}
}

// IncPrompt bumps the prompt counter of every api.
func (s *Session) IncPrompt(apis ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range apis {
		s.prompt[a]++
	}
}

// NextProgramID returns a fresh, strictly increasing program id.
func (s *Session) NextProgramID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// SkipProgramIDs makes every later id greater than used. A resumed run calls
// it with the highest id already on disk.
func (s *Session) SkipProgramIDs(used int64) {
	s.mu.Lock()
	if used >= s.nextID {
		s.nextID = used + 1
	}
	s.mu.Unlock()
}

// Rechecked reports whether the seed recheck already ran in this session.
func (s *Session) Rechecked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rechecked
}

// MarkRechecked records that the seed recheck ran.
func (s *Session) MarkRechecked() {
	s.mu.Lock()
	s.rechecked = true
	s.mu.Unlock()
}

// QuietRound returns the number of consecutive rounds without new signal.
func (s *Session) QuietRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quietRound
}

// SetQuietRound overwrites the quiet-round counter.
func (s *Session) SetQuietRound(n int) {
	s.mu.Lock()
	s.quietRound = n
	s.mu.Unlock()
}

// Loop returns the number of completed rounds.
func (s *Session) Loop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

// IncLoop records a completed round and returns the new count.
func (s *Session) IncLoop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop++
	return s.loop
}

// Snapshot is the durable form of a Session.
type Snapshot struct {
	ID            string         `json:"id"`
	Mode          string         `json:"mode"`
	StartedAt     time.Time      `json:"started_at"`
	NextProgramID int64          `json:"next_program_id"`
	QuietRound    int            `json:"quiet_round"`
	Loop          int            `json:"loop"`
	Rechecked     bool           `json:"rechecked,omitempty"`
	Exec          map[string]int `json:"exec"`
	Prompt        map[string]int `json:"prompt"`
	Pairs         []callseq.Pair `json:"pairs"`
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:            s.ID,
		Mode:          s.Mode,
		StartedAt:     s.StartedAt,
		NextProgramID: s.nextID,
		QuietRound:    s.quietRound,
		Loop:          s.loop,
		Rechecked:     s.rechecked,
		Exec:          copyCounts(s.exec),
		Prompt:        copyCounts(s.prompt),
	}
	s.mu.Unlock()
	snap.Pairs = s.Pairs.List()
	return snap
}

// Restore rebuilds a Session from a snapshot.
func Restore(snap Snapshot) *Session {
	s := &Session{
		ID:         snap.ID,
		Mode:       snap.Mode,
		StartedAt:  snap.StartedAt,
		exec:       copyCounts(snap.Exec),
		prompt:     copyCounts(snap.Prompt),
		nextID:     snap.NextProgramID,
		quietRound: snap.QuietRound,
		loop:       snap.Loop,
		rechecked:  snap.Rechecked,
		Pairs:      NewPairSet(),
	}
	s.Pairs.InsertAll(snap.Pairs)
	return s
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
