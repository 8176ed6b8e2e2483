// Package runtime drives the worker side of the engine: the claim → execute
// → report loop, the delayed-task promoter, the reaper, and registry upkeep.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ModelsLab/modelq-go/internal/hctx"
	"github.com/ModelsLab/modelq-go/internal/store"
	"github.com/ModelsLab/modelq-go/internal/telemetry"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Events receives task-failure notifications. The root package adapts the
// public lifecycle hooks onto it; raw is the terminal task JSON.
type Events interface {
	OnTimeout(raw []byte)
	OnError(raw []byte, err error)
}

type noopEvents struct{}

func (noopEvents) OnTimeout([]byte)      {}
func (noopEvents) OnError([]byte, error) {}

// Executor runs the handler registered for a task name. For streaming tasks
// the emitted values flow through emit and the returned result is nil.
type Executor func(ctx context.Context, name string, data map[string]any, emit func(any) error) (any, error)

// Config parameterizes a worker runtime.
type Config struct {
	WorkerID string
	// AllowedTasks yields the capability set advertised in the registry.
	// It is re-evaluated on every registration so late handler
	// registrations are re-advertised.
	AllowedTasks func() []string

	HeartbeatInterval  time.Duration
	PruneCheckInterval time.Duration
	PromoteInterval    time.Duration
	PopTimeout         time.Duration

	PruneTimeout     time.Duration
	RequeueThreshold time.Duration
	RetryDelay       time.Duration

	TaskTTL          time.Duration
	HistoryRetention time.Duration
	ResultRetention  time.Duration
	ResultTTL        time.Duration
	StreamTTL        time.Duration

	WebhookURL string

	// Known reports whether this instance has a handler for the task name.
	Known func(name string) bool
	// Exec dispatches a claimed task to its handler.
	Exec Executor
	// RetryMarker is the sentinel a handler returns to request a delayed
	// re-enqueue without spending the retry budget.
	RetryMarker error

	Logger Logger
	Events Events
}

// Runtime is a single-threaded cooperative worker loop. Concurrency comes
// from running multiple engine instances.
type Runtime struct {
	st  *store.Store
	cfg Config
	log Logger
	ev  Events

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker runtime over the given store adapter.
func New(st *store.Store, cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = noopEvents{}
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		st:     st,
		cfg:    cfg,
		log:    cfg.Logger,
		ev:     cfg.Events,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the worker and launches the loop. It is idempotent.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()

	rt.log.Infof("runtime starting: worker=%s", rt.cfg.WorkerID)
	if err := rt.register(rt.ctx); err != nil {
		rt.log.Warnf("worker registration failed: %v", err)
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.loop()
	}()
}

// Stop flips the cooperative stop flag and waits for the loop to exit after
// its current iteration. Handlers are not pre-empted.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()

	rt.log.Infof("runtime stopping: worker=%s", rt.cfg.WorkerID)
	rt.cancel()
	rt.wg.Wait()
	rt.setWorkerStatus(context.Background(), workerIdle)
}

func (rt *Runtime) loop() {
	var lastHeartbeat, lastReap, lastPromote time.Time
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		now := time.Now()
		if now.Sub(lastHeartbeat) >= rt.cfg.HeartbeatInterval {
			rt.heartbeat(rt.ctx)
			lastHeartbeat = now
		}
		if now.Sub(lastReap) >= rt.cfg.PruneCheckInterval {
			rt.Reap(rt.ctx)
			lastReap = now
		}
		if now.Sub(lastPromote) >= rt.cfg.PromoteInterval {
			rt.PromoteDelayed(rt.ctx)
			lastPromote = now
		}

		rt.setWorkerStatus(rt.ctx, workerIdle)
		raw, err := rt.st.QueuePopBlocking(rt.ctx, rt.cfg.PopTimeout)
		if err != nil {
			rt.log.Errorf("queue pop failed: %v", err)
			rt.sleep(time.Second)
			continue
		}
		if raw == nil {
			continue
		}

		rt.setWorkerStatus(rt.ctx, workerBusy)
		rt.Process(rt.ctx, raw)
	}
}

// Process handles one popped queue payload: parse, claim, execute. Exported
// so tests can drive single iterations.
func (rt *Runtime) Process(ctx context.Context, raw []byte) {
	var rec taskRec
	if err := rec.UnmarshalJSON(raw); err != nil {
		rt.log.Errorf("dropping undecodable queue entry: %v", err)
		return
	}
	if rec.ID == "" {
		rt.log.Errorf("dropping queue entry without task_id")
		return
	}

	if rt.cfg.Known != nil && !rt.cfg.Known(rec.Name) {
		// Not allowed on this worker: push back to the tail for a capable
		// instance. The short pause keeps a lone unknown task from spinning
		// the loop.
		if err := rt.st.QueuePush(ctx, raw); err != nil {
			rt.log.Errorf("requeue of unknown task %s failed: %v", rec.Name, err)
		}
		rt.sleep(100 * time.Millisecond)
		return
	}

	inserted, err := rt.st.ProcessingAdd(ctx, rec.ID)
	if err != nil {
		rt.log.Errorf("claim failed: id=%s err=%v", rec.ID, err)
		return
	}
	if !inserted {
		// Duplicate delivery: another worker owns this id. Yield without
		// side effects.
		rt.log.Warnf("duplicate delivery dropped: id=%s", rec.ID)
		return
	}
	rt.execute(ctx, &rec)
}

func (rt *Runtime) execute(ctx context.Context, rec *taskRec) {
	defer func() {
		if err := rt.st.ProcessingRemove(context.Background(), rec.ID); err != nil {
			rt.log.Warnf("processing-set release failed: id=%s err=%v", rec.ID, err)
		}
	}()
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	if cancelled, err := rt.st.CancelExists(ctx, rec.ID); err != nil {
		rt.log.Errorf("cancel check failed: id=%s err=%v", rec.ID, err)
	} else if cancelled {
		rt.log.Infof("skipping cancelled task: id=%s", rec.ID)
		return
	}

	streaming := rec.Payload.Stream || rec.Stream
	rec.Status = statusProcessing
	if streaming {
		rec.Status = statusInProgress
	}
	rec.StartedAt = nowTS()
	rt.persist(ctx, rec)

	state := &hctx.State{
		TaskID: rec.ID,
		PutProgress: func(progress float64, message string) error {
			return rt.st.ProgressPut(ctx, rec.ID, encodeJSON(map[string]any{
				"progress":   progress,
				"message":    message,
				"updated_at": nowTS(),
			}), rt.cfg.TaskTTL)
		},
		Cancelled: func() bool {
			cancelled, err := rt.st.CancelExists(ctx, rec.ID)
			return err == nil && cancelled
		},
	}

	execCtx, cancelExec := context.WithCancel(hctx.WithState(rt.ctx, state))
	defer cancelExec()

	emit := func(v any) error {
		return rt.st.StreamAppend(execCtx, rec.ID, encodeJSON(v))
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{val: r, stack: debug.Stack()}}
			}
		}()
		val, err := rt.cfg.Exec(execCtx, rec.Name, rec.Payload.Data, emit)
		done <- outcome{val: val, err: err}
	}()

	var res outcome
	if t := rec.Payload.Timeout; t > 0 {
		timer := time.NewTimer(time.Duration(t * float64(time.Second)))
		defer timer.Stop()
		select {
		case res = <-done:
		case <-timer.C:
			cancelExec()
			raw := rt.failTask(ctx, rec, errInfo{
				Message: fmt.Sprintf("task timed out after %gs", t),
				Type:    "TaskTimeoutError",
			})
			rt.ev.OnTimeout(raw)
			rt.maybeRetry(ctx, rec)
			return
		}
	} else {
		res = <-done
	}

	switch {
	case res.err == nil:
		rt.completeTask(ctx, rec, res.val, streaming)
	case rt.cfg.RetryMarker != nil && errors.Is(res.err, rt.cfg.RetryMarker):
		// Explicit retry: budget untouched, no failure recorded.
		rt.log.Infof("retry requested: id=%s name=%s", rec.ID, rec.Name)
		rt.scheduleRetry(ctx, rec, false)
	default:
		raw := rt.failTask(ctx, rec, infoFromError(res.err))
		rt.ev.OnError(raw, res.err)
		rt.maybeRetry(ctx, rec)
	}
}

func (rt *Runtime) completeTask(ctx context.Context, rec *taskRec, result any, streaming bool) {
	rec.Status = statusCompleted
	rec.FinishedAt = nowTS()
	if !streaming {
		rec.Result = result
	}
	raw := encodeJSON(rec)
	rt.writeTerminal(ctx, rec.ID, raw)
	if streaming {
		if err := rt.st.StreamExpire(ctx, rec.ID, rt.cfg.StreamTTL); err != nil {
			rt.log.Warnf("stream expire failed: id=%s err=%v", rec.ID, err)
		}
	}
	telemetry.TasksCompleted.Inc()
	rt.log.Debugf("completed: id=%s name=%s", rec.ID, rec.Name)
}

// failTask writes the terminal failed record and returns its raw JSON.
func (rt *Runtime) failTask(ctx context.Context, rec *taskRec, info errInfo) []byte {
	rec.Status = statusFailed
	rec.FinishedAt = nowTS()
	rec.Error = &info
	rec.Result = info.Message
	raw := encodeJSON(rec)
	rt.writeTerminal(ctx, rec.ID, raw)
	telemetry.TasksFailed.Inc()
	rt.log.Warnf("failed: id=%s name=%s err=%s", rec.ID, rec.Name, info.Message)
	if rt.cfg.WebhookURL != "" {
		rt.postWebhook(raw)
	}
	return raw
}

// maybeRetry schedules a delayed re-enqueue when the budget allows.
func (rt *Runtime) maybeRetry(ctx context.Context, rec *taskRec) {
	if rec.OriginalPayload.Retries > 0 {
		rt.scheduleRetry(ctx, rec, true)
	}
}

// scheduleRetry inserts a delayed copy reconstructed from the original
// payload. decrement spends one unit of the retry budget; the explicit
// retry marker passes false.
func (rt *Runtime) scheduleRetry(ctx context.Context, rec *taskRec, decrement bool) {
	p := clonePayload(rec.OriginalPayload)
	if decrement {
		p.Retries--
		if p.Retries < 0 {
			p.Retries = 0
		}
	}
	next := taskRec{
		ID:              rec.ID,
		Name:            rec.Name,
		Payload:         p,
		OriginalPayload: clonePayload(p),
		Status:          statusQueued,
		Stream:          rec.Stream,
		CreatedAt:       rec.CreatedAt,
		QueuedAt:        nowTS(),
		Extra:           rec.Extra,
	}
	raw := encodeJSON(next)
	if err := rt.st.DelayedAdd(ctx, nowTS()+rt.cfg.RetryDelay.Seconds(), raw); err != nil {
		rt.log.Errorf("retry scheduling failed: id=%s err=%v", rec.ID, err)
		return
	}
	rt.persistRaw(ctx, next.ID, raw)
	telemetry.TasksRetried.Inc()
	rt.log.Infof("retry scheduled: id=%s delay=%s remaining=%d", rec.ID, rt.cfg.RetryDelay, p.Retries)
}

// PromoteDelayed moves every due delayed task to the front of the main
// queue. Runs at most once per promote interval inside the loop; exported
// for tests.
func (rt *Runtime) PromoteDelayed(ctx context.Context) {
	for {
		raw, err := rt.st.DelayedPromoteOne(ctx, nowTS())
		if err != nil {
			rt.log.Warnf("delayed promotion failed: %v", err)
			return
		}
		if raw == nil {
			return
		}
		var rec taskRec
		if err := rec.UnmarshalJSON(raw); err == nil && rec.ID != "" {
			if err := rt.st.QueuedIndexAdd(ctx, rec.ID, nowTS()); err != nil {
				rt.log.Warnf("queued index update failed: id=%s err=%v", rec.ID, err)
			}
		}
	}
}

// persist rewrites the task record and its history copy.
func (rt *Runtime) persist(ctx context.Context, rec *taskRec) {
	rt.persistRaw(ctx, rec.ID, encodeJSON(rec))
}

func (rt *Runtime) persistRaw(ctx context.Context, id string, raw []byte) {
	if err := rt.st.SetTask(ctx, id, raw, rt.cfg.TaskTTL); err != nil {
		rt.log.Errorf("task record write failed: id=%s err=%v", id, err)
	}
	if err := rt.st.HistoryPut(ctx, id, raw, rt.cfg.HistoryRetention); err != nil {
		rt.log.Warnf("history write failed: id=%s err=%v", id, err)
	}
}

// writeTerminal writes the terminal record, the task record, and history.
func (rt *Runtime) writeTerminal(ctx context.Context, id string, raw []byte) {
	if err := rt.st.SetResult(ctx, id, raw, rt.cfg.ResultTTL); err != nil {
		rt.log.Errorf("terminal record write failed: id=%s err=%v", id, err)
	}
	rt.persistRaw(ctx, id, raw)
}

func (rt *Runtime) sleep(d time.Duration) {
	select {
	case <-rt.ctx.Done():
	case <-time.After(d):
	}
}

// panicError carries a recovered handler panic with its stack.
type panicError struct {
	val   any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.val) }
