package modelq

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Payload carries the structured input of a task along with its execution
// options. It is stored verbatim in the task record; OriginalPayload on the
// task keeps the enqueue-time snapshot so retries never accumulate mutation.
type Payload struct {
	// Data is the opaque user bag passed to the handler.
	Data map[string]any `json:"data,omitempty"`
	// Timeout is the soft deadline for handler execution, in seconds.
	Timeout float64 `json:"timeout,omitempty"`
	// Stream marks the task as producing incremental results.
	Stream bool `json:"stream,omitempty"`
	// Retries is the remaining retry budget.
	Retries int `json:"retries,omitempty"`
}

// Clone returns a copy of the payload with its own data bag. The data bag is
// copied one level deep: nested maps and slices are still shared.
func (p Payload) Clone() Payload {
	out := p
	if p.Data != nil {
		out.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	return out
}

// ErrorInfo records the failure detail kept on a failed task record.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// Task represents a unit of work identified by task_id. It is serialized to
// JSON and stored in Redis; the wire schema is stable.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"task_id"`
	// Name routes the task to a registered handler.
	Name string `json:"task_name"`
	// Payload is the current (possibly mutated) payload.
	Payload Payload `json:"payload"`
	// OriginalPayload is the immutable enqueue-time snapshot used to
	// reconstruct retries.
	OriginalPayload Payload `json:"original_payload"`
	// Status is the task lifecycle state.
	Status Status `json:"status"`
	// Result is the handler output on success, or the error message string
	// on failure.
	Result any `json:"result,omitempty"`
	// Stream mirrors Payload.Stream on the top level of the wire schema.
	Stream bool `json:"stream,omitempty"`
	// Timestamps are fractional seconds since epoch.
	CreatedAt  float64 `json:"created_at,omitempty"`
	QueuedAt   float64 `json:"queued_at,omitempty"`
	StartedAt  float64 `json:"started_at,omitempty"`
	FinishedAt float64 `json:"finished_at,omitempty"`
	// Error holds the failure detail for failed tasks.
	Error *ErrorInfo `json:"error,omitempty"`
	// AdditionalParams is caller metadata merged into the top level of the
	// stored record (for example a user id). It never shadows schema fields.
	AdditionalParams map[string]any `json:"-"`
}

// taskAlias breaks the MarshalJSON recursion.
type taskAlias Task

// schemaFields are the top-level wire keys owned by the task schema.
// Additional params with these names are dropped rather than shadowed.
var schemaFields = map[string]struct{}{
	"task_id": {}, "task_name": {}, "payload": {}, "original_payload": {},
	"status": {}, "result": {}, "stream": {}, "created_at": {},
	"queued_at": {}, "started_at": {}, "finished_at": {}, "error": {},
}

// MarshalJSON flattens AdditionalParams into the top level of the record.
func (t Task) MarshalJSON() ([]byte, error) {
	base, err := sonic.Marshal(taskAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.AdditionalParams) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := sonic.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range t.AdditionalParams {
		if _, owned := schemaFields[k]; owned {
			continue
		}
		m[k] = v
	}
	return sonic.Marshal(m)
}

// UnmarshalJSON restores schema fields and collects unrecognized top-level
// keys back into AdditionalParams.
func (t *Task) UnmarshalJSON(data []byte) error {
	var a taskAlias
	if err := sonic.Unmarshal(data, &a); err != nil {
		return err
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return err
	}
	*t = Task(a)
	for k := range m {
		if _, owned := schemaFields[k]; owned {
			continue
		}
		if t.AdditionalParams == nil {
			t.AdditionalParams = make(map[string]any)
		}
		t.AdditionalParams[k] = m[k]
	}
	return nil
}

// NewTask builds a queued task with a fresh id and enqueue-time stamps.
// The payload snapshot is taken here.
func NewTask(name string, p Payload) *Task {
	now := Now()
	return &Task{
		ID:              uuid.NewString(),
		Name:            name,
		Payload:         p,
		OriginalPayload: p.Clone(),
		Status:          StatusQueued,
		Stream:          p.Stream,
		CreatedAt:       now,
		QueuedAt:        now,
	}
}

// Now returns the current time as fractional seconds since epoch, the unit
// used by every task timestamp and sorted-set score.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
