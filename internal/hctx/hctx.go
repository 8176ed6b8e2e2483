package hctx

import "context"

// State carries per-execution callbacks the runtime installs so handlers
// can report progress and observe cooperative cancellation without
// importing the engine.
type State struct {
	// TaskID identifies the task being executed.
	TaskID string
	// PutProgress persists a progress report for the task.
	PutProgress func(progress float64, message string) error
	// Cancelled reports whether the task's cancellation flag is set.
	Cancelled func() bool
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
