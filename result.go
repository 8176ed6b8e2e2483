package modelq

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// resultPollInterval paces the result getter.
const resultPollInterval = 100 * time.Millisecond

// Wait blocks until the task reaches a terminal state and returns its
// record. It polls the terminal record every 100ms up to timeout (the
// default stream timeout when zero). A failed task returns the record
// alongside a *TaskError; a cancelled task returns ErrTaskCancelled;
// exceeding the wait budget returns ErrTaskTimeout.
func (c *Client) Wait(ctx context.Context, taskID string, timeout time.Duration) (*Task, error) {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		cancelled, err := c.st.CancelExists(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, ErrTaskCancelled
		}

		raw, err := c.st.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var t Task
			if err := c.encoder.Decode(raw, &t); err != nil {
				return nil, err
			}
			switch t.Status {
			case StatusCompleted:
				return &t, nil
			case StatusFailed:
				info := ErrorInfo{}
				if t.Error != nil {
					info = *t.Error
				} else if s, ok := t.Result.(string); ok {
					info.Message = s
				}
				return &t, &TaskError{TaskID: taskID, Info: info}
			case StatusCancelled:
				return &t, ErrTaskCancelled
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrTaskTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConsumeStream reads a streaming task's incremental results in insertion
// order, invoking fn for each JSON-encoded value. It blocks up to one
// second per batch of at most ten entries and consults the terminal record
// between batches: completion returns normally, failure returns a
// *TaskError, and cancellation ends the sequence silently. Exceeding
// timeout (default 300s when zero) returns ErrTaskTimeout.
//
// The returned string is the combined result: string values concatenated,
// other values appended as their JSON encoding.
func (c *Client) ConsumeStream(ctx context.Context, taskID string, timeout time.Duration, fn func(value json.RawMessage) error) (string, error) {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	deadline := time.Now().Add(timeout)
	from := "0-0"
	var combined strings.Builder

	for {
		entries, err := c.st.StreamRead(ctx, taskID, from, 10, time.Second)
		if err != nil {
			return combined.String(), err
		}
		for _, e := range entries {
			from = e.ID
			if fn != nil {
				if err := fn(json.RawMessage(e.Result)); err != nil {
					return combined.String(), err
				}
			}
			var v any
			if err := c.encoder.Decode(e.Result, &v); err == nil {
				if s, ok := v.(string); ok {
					combined.WriteString(s)
				} else {
					combined.Write(e.Result)
				}
			}
		}

		// A full batch means more entries may be waiting; drain them before
		// consulting the terminal record so a finished task's tail is not
		// cut off.
		if len(entries) < 10 {
			done, err := c.streamFinished(ctx, taskID)
			if err != nil {
				return combined.String(), err
			}
			if done {
				return combined.String(), nil
			}
		}

		if time.Now().After(deadline) {
			return combined.String(), ErrTaskTimeout
		}
		select {
		case <-ctx.Done():
			return combined.String(), ctx.Err()
		default:
		}
	}
}

// streamFinished checks the terminal record and the cancellation flag.
// A failed task surfaces *TaskError; cancellation reads as a silent end.
func (c *Client) streamFinished(ctx context.Context, taskID string) (bool, error) {
	raw, err := c.st.GetResult(ctx, taskID)
	if err != nil {
		return false, err
	}
	if raw != nil {
		var t Task
		if err := c.encoder.Decode(raw, &t); err != nil {
			return false, err
		}
		switch t.Status {
		case StatusCompleted:
			return true, nil
		case StatusFailed:
			info := ErrorInfo{}
			if t.Error != nil {
				info = *t.Error
			}
			return false, &TaskError{TaskID: taskID, Info: info}
		case StatusCancelled:
			return true, nil
		}
	}
	cancelled, err := c.st.CancelExists(ctx, taskID)
	if err != nil {
		return false, err
	}
	return cancelled, nil
}
