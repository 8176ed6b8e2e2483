package modelq

import (
	"context"
	"time"
)

// WorkerInfo is one entry of the worker registry.
type WorkerInfo struct {
	WorkerID      string         `json:"worker_id"`
	AllowedTasks  []string       `json:"allowed_tasks"`
	Status        string         `json:"status"`
	LastHeartbeat float64        `json:"last_heartbeat"`
	SystemInfo    map[string]any `json:"system_info,omitempty"`
}

// TaskNameStats aggregates history per task name.
type TaskNameStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// FailedTaskInfo is one recent failure surfaced by Stats.
type FailedTaskInfo struct {
	TaskID     string  `json:"task_id"`
	TaskName   string  `json:"task_name"`
	Error      string  `json:"error"`
	FinishedAt float64 `json:"finished_at"`
}

// QueueStats is the aggregate view over the whole task history.
type QueueStats struct {
	Total       int                      `json:"total"`
	ByStatus    map[Status]int           `json:"by_status"`
	ByTaskName  map[string]TaskNameStats `json:"by_task_name"`
	FailedTasks []FailedTaskInfo         `json:"failed_tasks"`
}

// History returns the newest-first slice of task records, applying the
// status and name filters in memory after the fetch (the sorted index holds
// ids only). Empty filter values match everything.
func (c *Client) History(ctx context.Context, limit, offset int64, status Status, name string) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := c.st.HistoryRangeRev(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, ok := c.historyRecord(ctx, id)
		if !ok {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if name != "" && t.Name != name {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Failed returns up to limit most recent failed tasks.
func (c *Client) Failed(ctx context.Context, limit int) ([]*Task, error) {
	return c.scanHistory(ctx, limit, func(t *Task) bool { return t.Status == StatusFailed })
}

// Completed returns up to limit most recent completed tasks.
func (c *Client) Completed(ctx context.Context, limit int) ([]*Task, error) {
	return c.scanHistory(ctx, limit, func(t *Task) bool { return t.Status == StatusCompleted })
}

// TasksByName returns up to limit most recent tasks with the given name.
func (c *Client) TasksByName(ctx context.Context, name string, limit int) ([]*Task, error) {
	return c.scanHistory(ctx, limit, func(t *Task) bool { return t.Name == name })
}

// scanHistory walks the whole index newest-first collecting matches until
// limit is reached.
func (c *Client) scanHistory(ctx context.Context, limit int, match func(*Task) bool) ([]*Task, error) {
	ids, err := c.st.HistoryRangeRev(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		t, ok := c.historyRecord(ctx, id)
		if !ok {
			continue
		}
		if match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Stats iterates the entire history index and aggregates totals, per-status
// counts, per-task-name counts, and up to 10 recent failures.
func (c *Client) Stats(ctx context.Context) (*QueueStats, error) {
	ids, err := c.st.HistoryRangeRev(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{
		ByStatus:    make(map[Status]int),
		ByTaskName:  make(map[string]TaskNameStats),
		FailedTasks: []FailedTaskInfo{},
	}
	for _, id := range ids {
		t, ok := c.historyRecord(ctx, id)
		if !ok {
			continue
		}
		stats.Total++
		stats.ByStatus[t.Status]++
		byName := stats.ByTaskName[t.Name]
		byName.Total++
		switch t.Status {
		case StatusCompleted:
			byName.Completed++
		case StatusFailed:
			byName.Failed++
		}
		stats.ByTaskName[t.Name] = byName

		if t.Status == StatusFailed && len(stats.FailedTasks) < 10 {
			msg := ""
			if t.Error != nil {
				msg = t.Error.Message
			} else if s, ok := t.Result.(string); ok {
				msg = s
			}
			stats.FailedTasks = append(stats.FailedTasks, FailedTaskInfo{
				TaskID:     t.ID,
				TaskName:   t.Name,
				Error:      msg,
				FinishedAt: t.FinishedAt,
			})
		}
	}
	return stats, nil
}

// HistoryCount returns the size of the history index.
func (c *Client) HistoryCount(ctx context.Context) (int64, error) {
	return c.st.HistoryCount(ctx)
}

// ClearHistory removes history entries older than the given age, along with
// their record copies. It returns how many entries were removed.
func (c *Client) ClearHistory(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := c.st.HistoryOlder(ctx, Now()-olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	if err := c.st.HistoryRemove(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Workers lists all registered workers.
func (c *Client) Workers(ctx context.Context) ([]*WorkerInfo, error) {
	all, err := c.st.WorkersAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*WorkerInfo, 0, len(all))
	for id, raw := range all {
		var w WorkerInfo
		if err := c.encoder.Decode(raw, &w); err != nil {
			c.log.Warnf("workers: skipping undecodable registration id=%s: %v", id, err)
			continue
		}
		out = append(out, &w)
	}
	return out, nil
}

// Worker returns one worker registration, or ErrTaskNotFound if absent.
func (c *Client) Worker(ctx context.Context, workerID string) (*WorkerInfo, error) {
	raw, err := c.st.WorkerGet(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrTaskNotFound
	}
	var w WorkerInfo
	if err := c.encoder.Decode(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) historyRecord(ctx context.Context, id string) (*Task, bool) {
	raw, err := c.st.HistoryGet(ctx, id)
	if err != nil || raw == nil {
		return nil, false
	}
	var t Task
	if err := c.encoder.Decode(raw, &t); err != nil {
		c.log.Warnf("history: skipping undecodable record id=%s: %v", id, err)
		return nil, false
	}
	return &t, true
}
