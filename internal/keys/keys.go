package keys

// Package keys centralizes Redis key construction.
// The layout is stable: dashboards and other consumers rely on it.

const (
	// Queue is the main FIFO list of queued task JSON payloads.
	Queue = "ml_tasks"
	// QueuedIndex is a ZSET of task ids scored by queued_at.
	QueuedIndex = "queued_requests"
	// Delayed is a ZSET of serialized task JSON scored by ready time.
	Delayed = "delayed_tasks"
	// Processing is a SET of task ids currently owned by some worker.
	Processing = "processing_tasks"
	// History is a ZSET of task ids scored by created_at.
	History = "task_history"
	// Servers is a hash mapping worker_id to worker JSON.
	Servers = "servers"
)

// Task returns the key holding the full task JSON record.
func Task(id string) string { return "task:" + id }

// Result returns the key holding the terminal task JSON record.
func Result(id string) string { return "task_result:" + id }

// Stream returns the per-task stream key holding incremental results.
func Stream(id string) string { return "task_stream:" + id }

// HistoryRecord returns the key holding the history copy of the task record.
func HistoryRecord(id string) string { return "task_history:" + id }

// Cancelled returns the sidecar key whose presence marks a cancelled task.
func Cancelled(id string) string { return "task:" + id + ":cancelled" }

// Progress returns the sidecar key holding the task's progress JSON.
func Progress(id string) string { return "task:" + id + ":progress" }

// ResultScanPattern matches all terminal task records, for the reaper's
// retention sweep.
const ResultScanPattern = "task_result:*"

// ResultID extracts the task id from a terminal record key. It returns an
// empty string if the key does not match the layout.
func ResultID(key string) string {
	const prefix = "task_result:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	return key[len(prefix):]
}
