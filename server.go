package modelq

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ModelsLab/modelq-go/internal/runtime"
	"github.com/ModelsLab/modelq-go/internal/store"
)

// ServerConfig defines the configuration for a ModelQ worker server.
type ServerConfig struct {
	// WorkerID identifies this engine instance; defaults to the host name.
	WorkerID string
	// Workers is presently advisory: each engine instance runs one
	// cooperative loop, and concurrency comes from running more instances.
	Workers int
	// RequeueThreshold is how long a processing task may sit before the
	// reaper considers it stuck.
	RequeueThreshold time.Duration
	// RetryDelay is the delay applied when scheduling retries.
	RetryDelay time.Duration
	// TaskTTL is the task record retention window.
	TaskTTL time.Duration
	// HistoryRetention is the history record retention window.
	HistoryRetention time.Duration
	// WebhookURL, when set, receives a best-effort POST for each failure.
	WebhookURL string

	// HeartbeatInterval, PruneCheckInterval, and PromoteInterval override
	// the loop cadences; zero keeps the engine defaults.
	HeartbeatInterval  time.Duration
	PruneCheckInterval time.Duration
	PromoteInterval    time.Duration

	// Hooks is the lifecycle observer bound at construction.
	Hooks Hooks
	// Logger is the logger used for worker events.
	Logger Logger
}

// Server claims tasks from the queue and executes the handlers registered
// on its Mux. Within one instance the loop executes at most one handler at
// a time.
type Server struct {
	rt      *runtime.Runtime
	mux     *Mux
	hooks   Hooks
	log     Logger
	mu      sync.Mutex
	started bool
}

// NewServer creates a new ModelQ worker server.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, mux *Mux) *Server {
	log := cfg.Logger
	if log == nil {
		log = NewFmtLogger()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NoopHooks{}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if cfg.RequeueThreshold <= 0 {
		cfg.RequeueThreshold = DefaultRequeueThreshold
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = DefaultTaskTTL
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartbeatInterval
	}
	if cfg.PruneCheckInterval <= 0 {
		cfg.PruneCheckInterval = PruneCheckInterval
	}

	enc := &JSONEncoder{}
	exec := func(ctx context.Context, name string, data map[string]any, emit func(any) error) (any, error) {
		return mux.Dispatch(ctx, name, data, emit)
	}

	rtc := runtime.Config{
		WorkerID:           cfg.WorkerID,
		AllowedTasks:       mux.Names,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		PruneCheckInterval: cfg.PruneCheckInterval,
		PromoteInterval:    cfg.PromoteInterval,
		PruneTimeout:       PruneTimeout,
		RequeueThreshold:   cfg.RequeueThreshold,
		RetryDelay:         cfg.RetryDelay,
		TaskTTL:            cfg.TaskTTL,
		HistoryRetention:   cfg.HistoryRetention,
		ResultRetention:    TaskResultRetention,
		ResultTTL:          ResultTTL,
		StreamTTL:          ResultTTL,
		WebhookURL:         cfg.WebhookURL,
		Known:              mux.Known,
		Exec:               exec,
		RetryMarker:        ErrRetryTask,
		Logger:             log,
		Events:             &hookEvents{hooks: hooks, log: log, enc: enc},
	}

	return &Server{
		rt:    runtime.New(store.New(rdb), rtc),
		mux:   mux,
		hooks: hooks,
		log:   log,
	}
}

// Start launches the worker loop and background upkeep. It is idempotent
// and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	safeHook(s.log, "before_worker_boot", s.hooks.BeforeWorkerBoot)
	s.log.Infof("starting worker: tasks=%d", len(s.mux.Names()))
	s.rt.Start()
	safeHook(s.log, "after_worker_boot", s.hooks.AfterWorkerBoot)
}

// Stop flips the cooperative stop flag and waits for the loop to exit
// after its current iteration. Handlers are not pre-empted.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	safeHook(s.log, "before_worker_shutdown", s.hooks.BeforeWorkerShutdown)
	s.log.Infof("stopping worker")
	s.rt.Stop()
	safeHook(s.log, "after_worker_shutdown", s.hooks.AfterWorkerShutdown)
}

// hookEvents adapts the public Hooks observer to the runtime's failure
// notifications. Hook panics never affect task outcomes.
type hookEvents struct {
	hooks Hooks
	log   Logger
	enc   Encoder
}

func (h *hookEvents) OnTimeout(raw []byte) {
	t := h.decode(raw)
	safeHook(h.log, "on_timeout", func() { h.hooks.OnTimeout(t) })
}

func (h *hookEvents) OnError(raw []byte, err error) {
	t := h.decode(raw)
	safeHook(h.log, "on_error", func() { h.hooks.OnError(t, err) })
}

func (h *hookEvents) decode(raw []byte) *Task {
	if raw == nil {
		return nil
	}
	var t Task
	if err := h.enc.Decode(raw, &t); err != nil {
		h.log.Warnf("hook event: undecodable task record: %v", err)
		return nil
	}
	return &t
}
