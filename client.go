package modelq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ModelsLab/modelq-go/internal/store"
	"github.com/ModelsLab/modelq-go/internal/telemetry"
)

// Client is the producer API: it enqueues tasks, cancels them, waits on
// results, and answers queue/history queries. A Client never executes
// handlers; that is the Server's job.
type Client struct {
	st      *store.Store
	encoder Encoder
	mux     *Mux
	hooks   Hooks
	log     Logger

	taskTTL          time.Duration
	historyRetention time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMux lets Enqueue inherit the execution defaults (timeout, stream,
// retries) registered for each task name.
func WithMux(m *Mux) ClientOption {
	return func(c *Client) { c.mux = m }
}

// WithHooks binds the lifecycle observer fired around enqueue.
func WithHooks(h Hooks) ClientOption {
	return func(c *Client) { c.hooks = h }
}

// WithLogger sets the client logger.
func WithLogger(l Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithTaskTTL overrides the task record retention window.
func WithTaskTTL(d time.Duration) ClientOption {
	return func(c *Client) { c.taskTTL = d }
}

// WithHistoryRetention overrides the history record retention window.
func WithHistoryRetention(d time.Duration) ClientOption {
	return func(c *Client) { c.historyRetention = d }
}

// NewClient creates a new ModelQ client.
func NewClient(rdb redis.UniversalClient, opts ...ClientOption) *Client {
	c := &Client{
		st:               store.New(rdb),
		encoder:          &JSONEncoder{},
		hooks:            NoopHooks{},
		log:              NewFmtLogger(),
		taskTTL:          DefaultTaskTTL,
		historyRetention: DefaultHistoryRetention,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue creates a task and appends it to the main queue (or, with
// WithDelay, to the delayed set). It stamps created_at and queued_at,
// writes the task record with its TTL, indexes the task in history, and
// fires the enqueue hooks. Handlers are never invoked on the caller's
// goroutine.
func (c *Client) Enqueue(ctx context.Context, name string, data map[string]any, opts ...Option) (*Task, error) {
	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	c.applyRegisteredDefaults(name, &o)

	p := Payload{Data: data, Timeout: o.timeout, Stream: o.stream, Retries: o.retries}
	t := NewTask(name, p)
	if o.id != "" {
		t.ID = o.id
	}
	if len(o.params) > 0 {
		t.AdditionalParams = o.params
	}

	safeHook(c.log, "before_enqueue", func() { c.hooks.BeforeEnqueue(t) })

	raw, err := c.encoder.Encode(t)
	if err != nil {
		return nil, err
	}

	if o.delay > 0 {
		if err := c.st.DelayedAdd(ctx, Now()+o.delay.Seconds(), raw); err != nil {
			return nil, err
		}
	} else {
		if err := c.st.QueuePush(ctx, raw); err != nil {
			return nil, err
		}
		if err := c.st.QueuedIndexAdd(ctx, t.ID, t.QueuedAt); err != nil {
			return nil, err
		}
	}
	if err := c.st.SetTask(ctx, t.ID, raw, c.taskTTL); err != nil {
		return nil, err
	}
	if err := c.st.HistoryAdd(ctx, t.CreatedAt, t.ID); err != nil {
		return nil, err
	}
	if err := c.st.HistoryPut(ctx, t.ID, raw, c.historyRetention); err != nil {
		return nil, err
	}
	telemetry.TasksEnqueued.Inc()

	safeHook(c.log, "after_enqueue", func() { c.hooks.AfterEnqueue(t) })
	return t, nil
}

// EnqueueDelayed inserts an already-built task into the delayed set with a
// ready time of now + delay. Zero and very large delays are accepted; the
// promoter handles them uniformly.
func (c *Client) EnqueueDelayed(ctx context.Context, t *Task, delay time.Duration) error {
	raw, err := c.encoder.Encode(t)
	if err != nil {
		return err
	}
	return c.st.DelayedAdd(ctx, Now()+delay.Seconds(), raw)
}

// Cancel writes the cancellation flag, removes the task from the queue if
// still queued, and transitions the record to cancelled. It returns true if
// a task record was found; otherwise it reports whether a queue entry was
// removed. Cancellation of a running task is cooperative: the flag is
// consulted by workers and handlers at their observation points.
func (c *Client) Cancel(ctx context.Context, taskID string) (bool, error) {
	if err := c.st.CancelSet(ctx, taskID, c.taskTTL); err != nil {
		return false, err
	}
	removed, err := c.RemoveFromQueue(ctx, taskID)
	if err != nil {
		return false, err
	}

	raw, err := c.st.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return removed, nil
	}

	var t Task
	if err := c.encoder.Decode(raw, &t); err != nil {
		c.log.Warnf("cancel: undecodable task record id=%s err=%v", taskID, err)
		return removed, nil
	}
	t.Status = StatusCancelled
	t.FinishedAt = Now()
	updated, err := c.encoder.Encode(&t)
	if err != nil {
		return false, err
	}
	if err := c.st.SetTask(ctx, taskID, updated, c.taskTTL); err != nil {
		return false, err
	}
	if err := c.st.SetResult(ctx, taskID, updated, ResultTTL); err != nil {
		return false, err
	}
	if err := c.st.HistoryPut(ctx, taskID, updated, c.historyRetention); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFromQueue scans the main queue for the task id, removes the
// matching entry by value, and drops the queued index entry. Undecodable
// queue entries are skipped with a log line.
func (c *Client) RemoveFromQueue(ctx context.Context, taskID string) (bool, error) {
	snapshot, err := c.st.QueueSnapshot(ctx)
	if err != nil {
		return false, err
	}
	for _, raw := range snapshot {
		var t Task
		if err := c.encoder.Decode(raw, &t); err != nil {
			c.log.Warnf("remove_from_queue: skipping undecodable entry: %v", err)
			continue
		}
		if t.ID != taskID {
			continue
		}
		removed, err := c.st.QueueRemoveOne(ctx, raw)
		if err != nil {
			return false, err
		}
		if err := c.st.QueuedIndexRemove(ctx, taskID); err != nil {
			return false, err
		}
		return removed, nil
	}
	return false, nil
}

// DeleteQueue drops the main queue and the queued index.
func (c *Client) DeleteQueue(ctx context.Context) error {
	return c.st.QueueDelete(ctx)
}

// Status returns the task's current lifecycle state, consulting the live
// record, the terminal record, and history in that order.
func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	t, err := c.Details(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Details returns the freshest record available for the task.
func (c *Client) Details(ctx context.Context, taskID string) (*Task, error) {
	for _, get := range []func(context.Context, string) ([]byte, error){
		c.st.GetTask, c.st.GetResult, c.st.HistoryGet,
	} {
		raw, err := get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		var t Task
		if err := c.encoder.Decode(raw, &t); err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, ErrTaskNotFound
}

// Queued returns the tasks currently sitting in the main queue, head first.
func (c *Client) Queued(ctx context.Context) ([]*Task, error) {
	snapshot, err := c.st.QueueSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(snapshot))
	for _, raw := range snapshot {
		var t Task
		if err := c.encoder.Decode(raw, &t); err != nil {
			c.log.Warnf("queued: skipping undecodable entry: %v", err)
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// Processing returns the tasks currently owned by some worker. Members
// whose record has expired are skipped; the reaper removes such orphans.
func (c *Client) Processing(ctx context.Context) ([]*Task, error) {
	ids, err := c.st.ProcessingMembers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		raw, err := c.st.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		var t Task
		if err := c.encoder.Decode(raw, &t); err != nil {
			c.log.Warnf("processing: skipping undecodable record id=%s: %v", id, err)
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// CheckCancellation reports whether the task's cancellation flag is set.
// Handler authors can call this to abort long work cooperatively.
func (c *Client) CheckCancellation(ctx context.Context, taskID string) (bool, error) {
	return c.st.CancelExists(ctx, taskID)
}

// Progress reads the task's progress sidecar; ErrTaskNotFound when no
// progress has been reported.
func (c *Client) Progress(ctx context.Context, taskID string) (*ProgressInfo, error) {
	raw, err := c.st.ProgressGet(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrTaskNotFound
	}
	var p ProgressInfo
	if err := c.encoder.Decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) applyRegisteredDefaults(name string, o *enqueueOptions) {
	if c.mux == nil {
		return
	}
	reg, ok := c.mux.Options(name)
	if !ok {
		return
	}
	if !o.timeoutSet {
		o.timeout = reg.Timeout
	}
	if !o.streamSet {
		o.stream = reg.Stream
	}
	if !o.retriesSet {
		o.retries = reg.Retries
	}
}
