package runtime

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// Task statuses as stored on the wire. The runtime keeps its own mirror of
// the public constants to avoid an import cycle with the root package.
const (
	statusQueued     = "queued"
	statusProcessing = "processing"
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusCancelled  = "cancelled"
	statusExpired    = "expired"
)

type payloadRec struct {
	Data    map[string]any `json:"data,omitempty"`
	Timeout float64        `json:"timeout,omitempty"`
	Stream  bool           `json:"stream,omitempty"`
	Retries int            `json:"retries,omitempty"`
}

type errInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// taskRec is the runtime's representation of the task record. Top-level
// keys outside the schema (caller metadata merged at enqueue) are preserved
// in Extra across every rewrite.
type taskRec struct {
	ID              string         `json:"task_id"`
	Name            string         `json:"task_name"`
	Payload         payloadRec     `json:"payload"`
	OriginalPayload payloadRec     `json:"original_payload"`
	Status          string         `json:"status"`
	Result          any            `json:"result,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	CreatedAt       float64        `json:"created_at,omitempty"`
	QueuedAt        float64        `json:"queued_at,omitempty"`
	StartedAt       float64        `json:"started_at,omitempty"`
	FinishedAt      float64        `json:"finished_at,omitempty"`
	Error           *errInfo       `json:"error,omitempty"`
	Extra           map[string]any `json:"-"`
}

type taskRecAlias taskRec

var recSchemaFields = map[string]struct{}{
	"task_id": {}, "task_name": {}, "payload": {}, "original_payload": {},
	"status": {}, "result": {}, "stream": {}, "created_at": {},
	"queued_at": {}, "started_at": {}, "finished_at": {}, "error": {},
}

func (t taskRec) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(taskRecAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, owned := recSchemaFields[k]; owned {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

func (t *taskRec) UnmarshalJSON(data []byte) error {
	var a taskRecAlias
	if err := sonic.Unmarshal(data, &a); err != nil {
		return err
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return err
	}
	*t = taskRec(a)
	for k := range m {
		if _, owned := recSchemaFields[k]; owned {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[k] = m[k]
	}
	return nil
}

func clonePayload(p payloadRec) payloadRec {
	out := p
	if p.Data != nil {
		out.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	return out
}

// encodeJSON encodes with stdlib json.Marshal; decoding goes through sonic.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// nowTS returns fractional seconds since epoch, the unit of every task
// timestamp and sorted-set score.
func nowTS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
