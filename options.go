package modelq

import "time"

type enqueueOptions struct {
	id         string
	delay      time.Duration
	timeout    float64
	timeoutSet bool
	stream     bool
	streamSet  bool
	retries    int
	retriesSet bool
	params     map[string]any
}

// Option configures task behavior during Enqueue.
type Option func(*enqueueOptions)

// WithTaskID sets a custom id for the task. If not provided, a random UUID
// is generated.
func WithTaskID(id string) Option {
	return func(o *enqueueOptions) { o.id = id }
}

// WithDelay schedules the task to become ready after the given duration
// instead of entering the main queue immediately.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithTimeout declares a soft deadline, in seconds, for handler execution.
func WithTimeout(seconds float64) Option {
	return func(o *enqueueOptions) { o.timeout = seconds; o.timeoutSet = true }
}

// WithStream marks the task as producing incremental results.
func WithStream(stream bool) Option {
	return func(o *enqueueOptions) { o.stream = stream; o.streamSet = true }
}

// WithRetries sets the retry budget consumed by failures.
func WithRetries(n int) Option {
	return func(o *enqueueOptions) {
		if n < 0 {
			n = 0
		}
		o.retries = n
		o.retriesSet = true
	}
}

// WithParams merges caller metadata into the top level of the stored task
// record, for example a user id. Schema field names are never shadowed.
func WithParams(params map[string]any) Option {
	return func(o *enqueueOptions) {
		if o.params == nil {
			o.params = make(map[string]any, len(params))
		}
		for k, v := range params {
			o.params[k] = v
		}
	}
}
