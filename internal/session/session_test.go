package session

import (
	"sync"
	"testing"

	"promptfuzz/internal/callseq"

	"github.com/google/go-cmp/cmp"
)

func TestPairSet_InsertIdempotent(t *testing.T) {
	s := NewPairSet()
	p := callseq.Pair{Caller: "a", Callee: "b"}
	if !s.Insert(p) {
		t.Fatal("first insert should be new")
	}
	if s.Insert(p) {
		t.Fatal("second insert should report not new")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if !s.Contains(p) || s.Contains(callseq.Pair{Caller: "b", Callee: "a"}) {
		t.Error("Contains reported wrong membership")
	}
}

func TestPairSet_InsertAllReturnsOnlyFresh(t *testing.T) {
	s := NewPairSet()
	s.Insert(callseq.Pair{Caller: "a", Callee: "b"})
	fresh := s.InsertAll([]callseq.Pair{
		{Caller: "a", Callee: "b"},
		{Caller: "b", Callee: "c"},
		{Caller: "b", Callee: "c"},
	})
	want := []callseq.Pair{{Caller: "b", Callee: "c"}}
	if diff := cmp.Diff(want, fresh); diff != "" {
		t.Errorf("fresh mismatch (-want +got):\n%s", diff)
	}
}

func TestPairSet_ConcurrentInserts(t *testing.T) {
	s := NewPairSet()
	var wg sync.WaitGroup
	newCount := make([]int, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if s.Insert(callseq.Pair{Caller: "x", Callee: string(rune('a' + i%26))}) {
					newCount[w]++
				}
				s.Contains(callseq.Pair{Caller: "x", Callee: "a"})
			}
		}(w)
	}
	wg.Wait()
	total := 0
	for _, n := range newCount {
		total += n
	}
	if total != 26 || s.Len() != 26 {
		t.Errorf("new reports = %d, Len = %d, want 26 each", total, s.Len())
	}
}

func TestSession_CountersAndIDs(t *testing.T) {
	s := New("driver")
	s.IncPrompt("inflate", "deflate")
	s.IncPrompt("inflate")
	s.IncExec("deflate")
	if s.PromptCount("inflate") != 2 || s.PromptCount("deflate") != 1 || s.ExecCount("deflate") != 1 {
		t.Errorf("unexpected counters: %+v", s.Snapshot())
	}
	if s.ExecCount("unknown") != 0 {
		t.Error("unseen api should count zero")
	}
	for want := int64(0); want < 5; want++ {
		if got := s.NextProgramID(); got != want {
			t.Fatalf("NextProgramID = %d, want %d", got, want)
		}
	}
}

func TestSession_SnapshotRestoreRoundTrip(t *testing.T) {
	s := New("combination")
	s.IncPrompt("a")
	s.IncExec("b")
	s.NextProgramID()
	s.NextProgramID()
	s.SetQuietRound(3)
	s.IncLoop()
	s.MarkRechecked()
	s.Pairs.Insert(callseq.Pair{Caller: "a", Callee: "b"})

	r := Restore(s.Snapshot())
	if diff := cmp.Diff(s.Snapshot(), r.Snapshot()); diff != "" {
		t.Errorf("restore mismatch (-orig +restored):\n%s", diff)
	}
	if got := r.NextProgramID(); got != 2 {
		t.Errorf("restored NextProgramID = %d, want 2", got)
	}
	if !r.Rechecked() {
		t.Error("restored session lost the recheck flag")
	}
}

func TestSession_SkipProgramIDs(t *testing.T) {
	tests := []struct {
		name string
		next int
		used int64
		want int64
	}{
		{"empty store", 0, -1, 0},
		{"behind disk", 1, 4, 5},
		{"ahead of disk", 6, 2, 6},
		{"equal", 3, 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("driver")
			for i := 0; i < tt.next; i++ {
				s.NextProgramID()
			}
			s.SkipProgramIDs(tt.used)
			if got := s.NextProgramID(); got != tt.want {
				t.Errorf("NextProgramID = %d, want %d", got, tt.want)
			}
		})
	}
}
