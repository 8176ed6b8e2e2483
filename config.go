package modelq

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Engine timing constants. These are part of the coordination contract
// between workers and the reaper. ServerConfig can override the heartbeat
// and reaper cadences per instance; the others are fixed.
const (
	// HeartbeatInterval is how often a running worker refreshes its
	// registry heartbeat.
	HeartbeatInterval = 30 * time.Second
	// PruneTimeout is the heartbeat age past which the reaper evicts a
	// worker registration.
	PruneTimeout = 300 * time.Second
	// PruneCheckInterval is how often the worker loop runs the reaper.
	PruneCheckInterval = 60 * time.Second
	// TaskResultRetention is how long terminal records are kept before the
	// reaper prunes them.
	TaskResultRetention = 86400 * time.Second
	// DefaultStreamTimeout bounds stream consumption when the caller does
	// not supply a timeout.
	DefaultStreamTimeout = 300 * time.Second
	// ResultTTL is the expiry of the terminal record and the stream key.
	ResultTTL = time.Hour
)

// Tunable defaults.
const (
	DefaultRequeueThreshold = 180 * time.Second
	DefaultRetryDelay       = 30 * time.Second
	DefaultTaskTTL          = 24 * time.Hour
	DefaultHistoryRetention = 24 * time.Hour
)

// Config holds shared runtime configuration for producers and workers.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string

	// WorkerID identifies this engine instance; defaults to the host name.
	WorkerID string
	// WebhookURL, when set, receives a best-effort POST for each failure.
	WebhookURL string
	// RequeueThreshold is how long a processing task may sit before the
	// reaper considers it stuck.
	RequeueThreshold time.Duration
	// RetryDelay is the default delay when scheduling retries.
	RetryDelay time.Duration
	// TaskTTL is the expiry of the task record.
	TaskTTL time.Duration
	// HistoryRetention is the expiry of the history copy.
	HistoryRetention time.Duration
}

// LoadConfig reads configuration from environment variables with sane
// defaults for local development.
func LoadConfig() Config {
	return Config{
		Host:             getEnv("MODELQ_REDIS_HOST", "localhost"),
		Port:             getEnvInt("MODELQ_REDIS_PORT", 6379),
		DB:               getEnvInt("MODELQ_REDIS_DB", 0),
		Password:         getEnv("MODELQ_REDIS_PASSWORD", ""),
		WorkerID:         getEnv("MODELQ_WORKER_ID", defaultWorkerID()),
		WebhookURL:       getEnv("MODELQ_WEBHOOK_URL", ""),
		RequeueThreshold: getEnvDuration("MODELQ_REQUEUE_THRESHOLD", DefaultRequeueThreshold),
		RetryDelay:       getEnvDuration("MODELQ_RETRY_DELAY", DefaultRetryDelay),
		TaskTTL:          getEnvDuration("MODELQ_TASK_TTL", DefaultTaskTTL),
		HistoryRetention: getEnvDuration("MODELQ_HISTORY_RETENTION", DefaultHistoryRetention),
	}
}

// NewRedisClient builds a go-redis client from the connection fields.
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func defaultWorkerID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "modelq-worker"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are accepted as seconds for dashboard parity.
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
