package format

import (
	"sort"
	"strings"
	"time"

	"promptfuzz/internal/fusion"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/session"
	"promptfuzz/internal/store"
)

// Energies lists energy records, highest first. top <= 0 shows all.
func Energies(m Mode, recs []schedule.EnergyRecord, top int) string {
	sorted := append([]schedule.EnergyRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Energy != sorted[j].Energy {
			return sorted[i].Energy > sorted[j].Energy
		}
		return sorted[i].Name < sorted[j].Name
	})
	if top > 0 && len(sorted) > top {
		sorted = sorted[:top]
	}
	t := NewTable(m)
	t.Header("API", "Energy", "Coverage", "Exec", "Prompt")
	for _, r := range sorted {
		t.Row(r.Name, FmtEnergy(r.Energy), FmtPercent(r.Coverage), r.ExecCount, r.PromptCount)
	}
	t.Columns(
		ColumnConfig{Number: 2, Align: AlignRight},
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 4, Align: AlignRight},
		ColumnConfig{Number: 5, Align: AlignRight},
	)
	return t.String()
}

// Rounds lists round summaries in loop order.
func Rounds(m Mode, rounds []*store.Round) string {
	t := NewTable(m)
	t.Header("Loop", "Quiet", "Accepted", "Rejected", "New", "Branches", "Pairs", "Shuffled")
	acc, rej := 0, 0
	for _, r := range rounds {
		t.Row(r.Loop, r.QuietRound, r.Accepted, r.Rejected, r.NewSignal,
			FmtCount(r.Branches), FmtCount(r.Pairs), BoolMark(r.Shuffled))
		acc += r.Accepted
		rej += r.Rejected
	}
	t.Footer("TOTAL", "", acc, rej, "", "", "", "")
	return t.String()
}

// Programs lists program records with their first diagnostic line.
func Programs(m Mode, recs []*store.ProgramRecord) string {
	t := NewTable(m)
	t.Header("ID", "Round", "Status", "APIs", "Branches", "Error")
	for _, r := range recs {
		t.Row(r.ID, r.Round, string(r.Status), strings.Join(r.APIs, ","), r.Branches,
			Truncate(FirstLine(r.Err), 60))
	}
	t.Columns(ColumnConfig{Number: 4, MaxWidth: 40})
	return t.String()
}

// Pairs lists discovered API pairs.
func Pairs(m Mode, pairs []store.PairRecord) string {
	t := NewTable(m)
	t.Header("Caller", "Callee", "Round")
	for _, p := range pairs {
		t.Row(p.Caller, p.Callee, p.Round)
	}
	t.Footer("TOTAL", len(pairs), "")
	return t.String()
}

// Status summarizes a session snapshot and the persisted counts.
func Status(m Mode, snap *session.Snapshot, accepted, rejected int, now time.Time) string {
	t := NewTable(m)
	t.Header("Field", "Value")
	t.Row("Session", snap.ID)
	t.Row("Mode", snap.Mode)
	t.Row("Running for", FmtDuration(now.Sub(snap.StartedAt)))
	t.Row("Loops", snap.Loop)
	t.Row("Quiet rounds", snap.QuietRound)
	t.Row("Programs issued", snap.NextProgramID)
	t.Row("Accepted", accepted)
	t.Row("Rejected", rejected)
	t.Row("API pairs", len(snap.Pairs))
	return t.String()
}

// FusionBatches lists compiled batches and, when available, how each ran.
func FusionBatches(m Mode, res *fusion.Result, outcomes []fusion.Outcome) string {
	ran := make(map[int]fusion.Outcome, len(outcomes))
	for _, o := range outcomes {
		ran[o.Batch] = o
	}
	t := NewTable(m)
	t.Header("Batch", "Members", "Compiled", "Compile time", "Ran", "Calls", "Error")
	for _, b := range res.Batches {
		errText := ""
		if b.Err != nil {
			errText = Truncate(FirstLine(b.Err.Error()), 60)
		}
		runMark, calls := "-", "-"
		if o, ok := ran[b.Index]; ok {
			runMark = BoolMark(o.Passed)
			calls = FmtCount(o.Calls)
		}
		t.Row(b.Index, len(b.Ordinals), BoolMark(b.Err == nil), FmtDuration(b.Elapsed), runMark, calls, errText)
	}
	t.Footer("TOTAL", "", len(res.Batches)-len(res.Failed()), "", "", "", "")
	return t.String()
}
