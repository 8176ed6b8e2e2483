package modelq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fastServerConfig keeps the loop cadences short so end-to-end tests finish
// quickly.
func fastServerConfig() ServerConfig {
	return ServerConfig{
		WorkerID:        "test-worker",
		RetryDelay:      50 * time.Millisecond,
		PromoteInterval: 50 * time.Millisecond,
	}
}

func startServer(t *testing.T, rdb *redis.Client, mux *Mux, cfg ServerConfig) *Server {
	t.Helper()
	srv := NewServer(rdb, cfg, mux)
	srv.Start()
	t.Cleanup(srv.Stop)
	return srv
}

func TestServer_StartStop_Idempotent(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.Handle("t", func(ctx context.Context, data map[string]any) (any, error) { return nil, nil })
	srv := NewServer(rdb, fastServerConfig(), mux)

	srv.Start()
	srv.Start()
	srv.Stop()
	srv.Stop()
}

func TestServer_Arithmetic_EndToEnd(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.Handle("add", func(ctx context.Context, data map[string]any) (any, error) {
		a, _ := data["a"].(float64)
		b, _ := data["b"].(float64)
		return map[string]any{"sum": a + b}, nil
	})
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb, WithMux(mux))
	task, err := c.Enqueue(context.Background(), "add", map[string]any{"a": 5, "b": 3})
	require.NoError(t, err)

	got, err := c.Wait(context.Background(), task.ID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, map[string]any{"sum": float64(8)}, got.Result)
	require.NotZero(t, got.StartedAt)
	require.NotZero(t, got.FinishedAt)
}

func TestServer_Streaming_EndToEnd(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.HandleStream("stream_words", func(ctx context.Context, data map[string]any, emit func(any) error) error {
		text, _ := data["text"].(string)
		for _, word := range strings.Fields(text) {
			if err := emit(word); err != nil {
				return err
			}
		}
		return nil
	})
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "stream_words", map[string]any{"text": "The quick brown fox"})
	require.NoError(t, err)
	require.True(t, task.Payload.Stream)

	// wait for the terminal record, then drain the whole stream
	_, err = c.Wait(ctx, task.ID, 10*time.Second)
	require.NoError(t, err)

	var words []string
	combined, err := c.ConsumeStream(ctx, task.ID, 10*time.Second, func(v json.RawMessage) error {
		var s string
		require.NoError(t, json.Unmarshal(v, &s))
		words = append(words, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"The", "quick", "brown", "fox"}, words)
	require.Equal(t, "Thequickbrownfox", combined)

	got, err := c.Details(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestServer_RetryBudget_EndToEnd(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	var mu sync.Mutex
	attempts := 0

	mux := NewMux()
	mux.Handle("flaky", func(ctx context.Context, data map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	}, TaskRetries(2))
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)
	require.Equal(t, 2, task.Payload.Retries)

	deadline := time.Now().Add(15 * time.Second)
	for {
		got, derr := c.Details(ctx, task.ID)
		if derr == nil && got.Status == StatusCompleted {
			require.Equal(t, "ok", got.Result)
			break
		}
		require.False(t, time.Now().After(deadline), "task did not complete in time")
		time.Sleep(100 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}

func TestServer_RetryBudgetZero_NoRetry(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	var mu sync.Mutex
	attempts := 0

	mux := NewMux()
	mux.Handle("hopeless", func(ctx context.Context, data map[string]any) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("always broken")
	})
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "hopeless", nil)
	require.NoError(t, err)

	_, err = c.Wait(ctx, task.ID, 10*time.Second)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "always broken", te.Info.Message)

	// give any wrongly scheduled retry a chance to fire, then check
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, attempts)
}

func TestServer_ExplicitRetryMarker_DoesNotSpendBudget(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	var mu sync.Mutex
	attempts := 0

	mux := NewMux()
	mux.Handle("again", func(ctx context.Context, data map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, ErrRetryTask
		}
		return "finally", nil
	})
	startServer(t, rdb, mux, fastServerConfig())

	// zero retry budget: only the explicit marker can reschedule
	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "again", nil, WithRetries(0))
	require.NoError(t, err)

	deadline := time.Now().Add(15 * time.Second)
	for {
		got, derr := c.Details(ctx, task.ID)
		if derr == nil && got.Status == StatusCompleted {
			require.Equal(t, "finally", got.Result)
			break
		}
		require.False(t, time.Now().After(deadline), "task did not complete in time")
		time.Sleep(100 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}

func TestServer_HandlerTimeout(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	hooks := &recordingHooks{}
	mux := NewMux()
	mux.Handle("sleepy", func(ctx context.Context, data map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	cfg := fastServerConfig()
	cfg.Hooks = hooks
	startServer(t, rdb, mux, cfg)

	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "sleepy", nil, WithTimeout(0.2))
	require.NoError(t, err)

	_, err = c.Wait(ctx, task.ID, 10*time.Second)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "TaskTimeoutError", te.Info.Type)
	require.Eventually(t, func() bool { return hooks.count("on_timeout") == 1 },
		2*time.Second, 50*time.Millisecond)
}

func TestServer_UnknownTask_RequeuedNotDropped(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.Handle("known", func(ctx context.Context, data map[string]any) (any, error) { return nil, nil })
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb)
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "mystery", nil)
	require.NoError(t, err)

	// the worker keeps pushing it back; it must stay visible and queued
	require.Eventually(t, func() bool {
		queued, qerr := c.Queued(ctx)
		if qerr != nil {
			return false
		}
		for _, q := range queued {
			if q.ID == task.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	st, err := c.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, st)
}

func TestServer_ProgressReporting(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.Handle("progressive", func(ctx context.Context, data map[string]any) (any, error) {
		// reported values are clamped into [0, 1]
		if err := SetProgress(ctx, 2.5, "overshoot"); err != nil {
			return nil, err
		}
		return "done", nil
	})
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "progressive", nil)
	require.NoError(t, err)

	_, err = c.Wait(ctx, task.ID, 10*time.Second)
	require.NoError(t, err)

	p, err := c.Progress(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, p.Progress)
	require.Equal(t, "overshoot", p.Message)
}

func TestServer_WorkerRegistration(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.Handle("b", func(ctx context.Context, data map[string]any) (any, error) { return nil, nil })
	mux.Handle("a", func(ctx context.Context, data map[string]any) (any, error) { return nil, nil })
	startServer(t, rdb, mux, fastServerConfig())

	c := NewClient(rdb)
	require.Eventually(t, func() bool {
		w, err := c.Worker(context.Background(), "test-worker")
		return err == nil && len(w.AllowedTasks) == 2
	}, 2*time.Second, 20*time.Millisecond)

	w, err := c.Worker(context.Background(), "test-worker")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, w.AllowedTasks)
	require.NotZero(t, w.LastHeartbeat)
}

func TestServer_LifecycleHooks(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	hooks := &recordingHooks{}
	mux := NewMux()
	mux.Handle("boom", func(ctx context.Context, data map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	cfg := fastServerConfig()
	cfg.Hooks = hooks
	srv := NewServer(rdb, cfg, mux)
	srv.Start()

	c := NewClient(rdb, WithMux(mux), WithHooks(hooks))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "boom", nil)
	require.NoError(t, err)

	_, err = c.Wait(ctx, task.ID, 10*time.Second)
	require.Error(t, err)

	srv.Stop()

	require.Equal(t, 1, hooks.count("before_worker_boot"))
	require.Equal(t, 1, hooks.count("after_worker_boot"))
	require.Equal(t, 1, hooks.count("before_worker_shutdown"))
	require.Equal(t, 1, hooks.count("after_worker_shutdown"))
	require.Equal(t, 1, hooks.count("before_enqueue"))
	require.Equal(t, 1, hooks.count("after_enqueue"))
	require.Equal(t, 1, hooks.count("on_error"))
	require.Equal(t, task.ID, hooks.lastErrorTaskID())
}

func TestServer_HookPanicsAreSwallowed(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()

	mux := NewMux()
	mux.Handle("fine", func(ctx context.Context, data map[string]any) (any, error) { return "ok", nil })
	cfg := fastServerConfig()
	cfg.Hooks = panickyHooks{}
	startServer(t, rdb, mux, cfg)

	c := NewClient(rdb, WithMux(mux), WithHooks(panickyHooks{}))
	ctx := context.Background()
	task, err := c.Enqueue(ctx, "fine", nil)
	require.NoError(t, err)

	got, err := c.Wait(ctx, task.ID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "ok", got.Result)
}

// recordingHooks counts lifecycle events for assertions.
type recordingHooks struct {
	mu     sync.Mutex
	events map[string]int
	errID  string
}

func (h *recordingHooks) bump(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		h.events = make(map[string]int)
	}
	h.events[event]++
}

func (h *recordingHooks) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[event]
}

func (h *recordingHooks) lastErrorTaskID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errID
}

func (h *recordingHooks) BeforeWorkerBoot()     { h.bump("before_worker_boot") }
func (h *recordingHooks) AfterWorkerBoot()      { h.bump("after_worker_boot") }
func (h *recordingHooks) BeforeWorkerShutdown() { h.bump("before_worker_shutdown") }
func (h *recordingHooks) AfterWorkerShutdown()  { h.bump("after_worker_shutdown") }
func (h *recordingHooks) BeforeEnqueue(*Task)   { h.bump("before_enqueue") }
func (h *recordingHooks) AfterEnqueue(*Task)    { h.bump("after_enqueue") }
func (h *recordingHooks) OnTimeout(*Task)       { h.bump("on_timeout") }
func (h *recordingHooks) OnError(t *Task, _ error) {
	h.bump("on_error")
	h.mu.Lock()
	if t != nil {
		h.errID = t.ID
	}
	h.mu.Unlock()
}

// panickyHooks panics on every event; task outcomes must be unaffected.
type panickyHooks struct{ NoopHooks }

func (panickyHooks) BeforeEnqueue(*Task) { panic("before_enqueue") }
func (panickyHooks) AfterEnqueue(*Task)  { panic("after_enqueue") }
func (panickyHooks) OnError(*Task, error) { panic("on_error") }
