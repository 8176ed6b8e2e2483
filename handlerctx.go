package modelq

import (
	"context"

	"github.com/ModelsLab/modelq-go/internal/hctx"
)

// ProgressInfo is the task's progress sidecar record.
type ProgressInfo struct {
	// Progress is the reported completion fraction, always in [0, 1].
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	// UpdatedAt is fractional seconds since epoch.
	UpdatedAt float64 `json:"updated_at"`
}

// SetProgress lets a handler report progress for the current task. The
// value is clamped to [0, 1]. It is a no-op outside a ModelQ worker.
func SetProgress(ctx context.Context, progress float64, message string) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil || st.PutProgress == nil {
		return nil
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	return st.PutProgress(progress, message)
}

// TaskID returns the id of the task being executed, or an empty string
// outside a ModelQ worker.
func TaskID(ctx context.Context) string {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return ""
	}
	return st.TaskID
}

// IsCancelled reports whether the current task's cancellation flag is set.
// Long-running handlers should consult it at convenient points and abort.
func IsCancelled(ctx context.Context) bool {
	st, ok := hctx.From(ctx)
	if !ok || st == nil || st.Cancelled == nil {
		return false
	}
	return st.Cancelled()
}
