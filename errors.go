package modelq

import (
	"errors"
	"fmt"

	"github.com/ModelsLab/modelq-go/internal/store"
)

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("modelq: unknown status")

// ErrTaskNotFound is returned when no record exists for the requested task id.
var ErrTaskNotFound = errors.New("modelq: task not found")

// ErrTaskTimeout is returned when a caller's wait budget is exceeded, or
// recorded when a handler runs past its declared deadline.
var ErrTaskTimeout = errors.New("modelq: task timed out")

// ErrTaskCancelled is returned when a waited-on task was cancelled.
var ErrTaskCancelled = errors.New("modelq: task cancelled")

// ErrRetryTask is the control-flow marker a handler returns (or wraps) to
// request a delayed re-enqueue. It is not a fault: the retry budget is not
// decremented.
var ErrRetryTask = errors.New("modelq: retry requested")

// StoreError wraps a backing-store failure. Use errors.As to recover the
// operation name and underlying cause.
type StoreError = store.Error

// TaskError reports a task that finished in the failed state. The result
// getter surfaces it to callers; Info carries the recorded failure detail.
type TaskError struct {
	TaskID string
	Info   ErrorInfo
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("modelq: task %s failed: %s", e.TaskID, e.Info.Message)
}
