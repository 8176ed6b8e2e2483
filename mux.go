package modelq

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc processes a task's data bag and returns its result.
type HandlerFunc func(ctx context.Context, data map[string]any) (any, error)

// StreamHandlerFunc processes a task's data bag and delivers incremental
// results through emit. Values are appended to the task's stream log in
// emit order; a nil return completes the stream.
type StreamHandlerFunc func(ctx context.Context, data map[string]any, emit func(any) error) error

// Middleware wraps a HandlerFunc to provide cross-cutting concerns. For
// streaming tasks the middleware observes the handler's completion, not the
// individual emitted values.
type Middleware func(HandlerFunc) HandlerFunc

// TaskOptions are the per-name execution defaults advertised at
// registration and stamped into the payload at enqueue time.
type TaskOptions struct {
	// Timeout is the soft handler deadline in seconds; 0 means none.
	Timeout float64
	// Stream marks handlers registered via HandleStream.
	Stream bool
	// Retries is the default retry budget.
	Retries int
}

// TaskOption configures a handler registration.
type TaskOption func(*TaskOptions)

// TaskTimeout declares the default soft deadline in seconds.
func TaskTimeout(seconds float64) TaskOption {
	return func(o *TaskOptions) { o.Timeout = seconds }
}

// TaskRetries declares the default retry budget.
func TaskRetries(n int) TaskOption {
	return func(o *TaskOptions) {
		if n < 0 {
			n = 0
		}
		o.Retries = n
	}
}

type handler struct {
	exec   HandlerFunc
	stream StreamHandlerFunc
	opts   TaskOptions
}

// Mux binds task names to handlers and their execution options. A worker
// advertises the registered names as its capability set; a producer sharing
// the Mux inherits the registered defaults at enqueue time.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	middlewares []Middleware
}

// NewMux creates an empty task Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]handler)}
}

// Handle registers a unary handler for a task name.
func (m *Mux) Handle(name string, fn HandlerFunc, opts ...TaskOption) {
	o := TaskOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	m.mu.Lock()
	m.handlers[name] = handler{exec: fn, opts: o}
	m.mu.Unlock()
}

// HandleStream registers a streaming handler for a task name.
func (m *Mux) HandleStream(name string, fn StreamHandlerFunc, opts ...TaskOption) {
	o := TaskOptions{Stream: true}
	for _, opt := range opts {
		opt(&o)
	}
	o.Stream = true
	m.mu.Lock()
	m.handlers[name] = handler{stream: fn, opts: o}
	m.mu.Unlock()
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order
// they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// Names returns the registered task names in sorted order.
func (m *Mux) Names() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Options returns the registered execution defaults for a task name.
func (m *Mux) Options(name string) (TaskOptions, bool) {
	m.mu.RLock()
	h, ok := m.handlers[name]
	m.mu.RUnlock()
	return h.opts, ok
}

// Known reports whether a handler is registered for the task name.
func (m *Mux) Known(name string) bool {
	m.mu.RLock()
	_, ok := m.handlers[name]
	m.mu.RUnlock()
	return ok
}

// Dispatch runs the handler registered for name. For streaming handlers the
// emitted values flow through emit and the returned result is nil.
func (m *Mux) Dispatch(ctx context.Context, name string, data map[string]any, emit func(any) error) (any, error) {
	m.mu.RLock()
	h, ok := m.handlers[name]
	mws := m.middlewares
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	fn := h.exec
	if h.opts.Stream {
		sfn := h.stream
		fn = func(ctx context.Context, data map[string]any) (any, error) {
			return nil, sfn(ctx, data, emit)
		}
	}
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return fn(ctx, data)
}
