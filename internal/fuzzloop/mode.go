package fuzzloop

import (
	"context"

	"promptfuzz/internal/program"
	"promptfuzz/internal/store"
)

// Mode is the per-session generation strategy. A session picks one mode at
// start and keeps it; the loop never branches on the mode name.
type Mode interface {
	Name() string
	// Init rebuilds derived state from the persisted corpus before round one.
	Init(ctx context.Context, l *Loop, accepted []*store.ProgramRecord) error
	// Validate returns one diagnostic per program; nil means accepted.
	Validate(ctx context.Context, programs []program.Program) ([]error, error)
	// Feedback folds the round's accepted programs into the session and
	// reports how much new signal they carried.
	Feedback(ctx context.Context, l *Loop, res *RoundResult) (int, error)
	// NextPrompt replaces l's prompt under power scheduling.
	NextPrompt(l *Loop) error
	Minimize(ctx context.Context, l *Loop) error
	SummaryAttrs(l *Loop) []any
}

// Rechecker is implemented by modes that can revalidate the corpus once the
// loop starts going quiet. Recheck reports whether it ran.
type Rechecker interface {
	Recheck(ctx context.Context, l *Loop) (bool, error)
}
