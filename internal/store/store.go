// Package store is the typed adapter over the backing Redis store. It is the
// single component that knows the concrete key layout.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ModelsLab/modelq-go/internal/keys"
)

// Store exposes the typed operations the engine performs against Redis.
// Every failure is wrapped into *Error, except context cancellation, which
// is reported as no error; absent values are (nil, nil) or (false, nil),
// never an error.
type Store struct {
	rdb redis.UniversalClient
}

// New creates a store adapter over the given Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func wrap(op string, err error) error {
	if err == nil || err == redis.Nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// --- main queue ---

// QueuePush appends a task payload to the tail of the main queue.
func (s *Store) QueuePush(ctx context.Context, raw []byte) error {
	return wrap("queue_push", s.rdb.RPush(ctx, keys.Queue, raw).Err())
}

// QueuePushFront prepends a task payload. Delayed-task promotion does its
// own front-push inside promoteOneScript and does not call this.
func (s *Store) QueuePushFront(ctx context.Context, raw []byte) error {
	return wrap("queue_push_front", s.rdb.LPush(ctx, keys.Queue, raw).Err())
}

// QueuePopBlocking pops one payload from the head of the main queue,
// blocking up to timeout. It returns (nil, nil) when the queue stays empty.
func (s *Store) QueuePopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := s.rdb.BLPop(ctx, timeout, keys.Queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("queue_pop_blocking", err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// QueueSnapshot lists the queued payloads head-first.
func (s *Store) QueueSnapshot(ctx context.Context) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, keys.Queue, 0, -1).Result()
	if err != nil {
		return nil, wrap("queue_snapshot", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// QueueRemoveOne removes the first queue entry matching raw by value.
func (s *Store) QueueRemoveOne(ctx context.Context, raw []byte) (bool, error) {
	n, err := s.rdb.LRem(ctx, keys.Queue, 1, raw).Result()
	if err != nil {
		return false, wrap("queue_remove_one", err)
	}
	return n > 0, nil
}

// QueueLen returns the current depth of the main queue.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, keys.Queue).Result()
	return n, wrap("queue_len", err)
}

// QueueDelete drops the main queue and the queued-at index.
func (s *Store) QueueDelete(ctx context.Context) error {
	return wrap("queue_delete", s.rdb.Del(ctx, keys.Queue, keys.QueuedIndex).Err())
}

// QueuedIndexAdd records the task id in the time-sorted queued index.
func (s *Store) QueuedIndexAdd(ctx context.Context, id string, queuedAt float64) error {
	return wrap("queued_index_add", s.rdb.ZAdd(ctx, keys.QueuedIndex, redis.Z{Score: queuedAt, Member: id}).Err())
}

// QueuedIndexRemove drops the task id from the queued index.
func (s *Store) QueuedIndexRemove(ctx context.Context, id string) error {
	return wrap("queued_index_remove", s.rdb.ZRem(ctx, keys.QueuedIndex, id).Err())
}

// --- task records ---

// SetTask writes the full task record with the given expiry.
func (s *Store) SetTask(ctx context.Context, id string, raw []byte, ttl time.Duration) error {
	return wrap("set_task", s.rdb.Set(ctx, keys.Task(id), raw, ttl).Err())
}

// GetTask reads the full task record; (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, keys.Task(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, wrap("get_task", err)
}

// DelTask removes the full task record.
func (s *Store) DelTask(ctx context.Context, id string) error {
	return wrap("del_task", s.rdb.Del(ctx, keys.Task(id)).Err())
}

// SetResult writes the terminal task record with the given expiry.
func (s *Store) SetResult(ctx context.Context, id string, raw []byte, ttl time.Duration) error {
	return wrap("set_result", s.rdb.Set(ctx, keys.Result(id), raw, ttl).Err())
}

// GetResult reads the terminal task record; (nil, nil) when absent.
func (s *Store) GetResult(ctx context.Context, id string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, keys.Result(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, wrap("get_result", err)
}

// DelResult removes the terminal task record.
func (s *Store) DelResult(ctx context.Context, id string) error {
	return wrap("del_result", s.rdb.Del(ctx, keys.Result(id)).Err())
}

// ScanResults walks all terminal record keys and returns their task ids.
func (s *Store) ScanResults(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, keys.ResultScanPattern, 256).Result()
		if err != nil {
			return nil, wrap("scan_results", err)
		}
		for _, k := range batch {
			if id := keys.ResultID(k); id != "" {
				ids = append(ids, id)
			}
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// --- stream log ---

// StreamEntry is one decoded entry of a task's stream log.
type StreamEntry struct {
	// ID is the stream entry id used to resume reads.
	ID string
	// Result is the JSON-encoded value the handler emitted.
	Result []byte
}

// StreamAppend appends one handler-emitted value to the task's stream log.
func (s *Store) StreamAppend(ctx context.Context, id string, result []byte) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: keys.Stream(id),
		Values: map[string]any{"result": string(result)},
	}).Err()
	return wrap("stream_append", err)
}

// StreamRead reads up to count entries after fromID, waiting up to block
// when the log is empty. It returns (nil, nil) on timeout. Waiting is a
// short poll rather than a server-side block so the caller's context stays
// responsive.
func (s *Store) StreamRead(ctx context.Context, id, fromID string, count int64, block time.Duration) ([]StreamEntry, error) {
	deadline := time.Now().Add(block)
	for {
		res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{keys.Stream(id), fromID},
			Count:   count,
			Block:   -1,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, wrap("stream_read", err)
		}
		var out []StreamEntry
		for _, stream := range res {
			for _, msg := range stream.Messages {
				e := StreamEntry{ID: msg.ID}
				if v, ok := msg.Values["result"].(string); ok {
					e.Result = []byte(v)
				}
				out = append(out, e)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// StreamExpire sets the expiry of the task's stream log.
func (s *Store) StreamExpire(ctx context.Context, id string, ttl time.Duration) error {
	return wrap("stream_expire", s.rdb.Expire(ctx, keys.Stream(id), ttl).Err())
}

// --- processing set ---

// ProcessingAdd claims the task id for this worker. The returned bool is
// true only when the id was newly inserted; false signals duplicate
// delivery and the claimant must yield without side effects.
func (s *Store) ProcessingAdd(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, keys.Processing, id).Result()
	if err != nil {
		return false, wrap("processing_add", err)
	}
	return n == 1, nil
}

// ProcessingRemove releases the task id.
func (s *Store) ProcessingRemove(ctx context.Context, id string) error {
	return wrap("processing_remove", s.rdb.SRem(ctx, keys.Processing, id).Err())
}

// ProcessingMembers lists all in-flight task ids.
func (s *Store) ProcessingMembers(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keys.Processing).Result()
	return ids, wrap("processing_members", err)
}

// --- delayed set ---

// DelayedAdd inserts a serialized task scored by its absolute ready time.
func (s *Store) DelayedAdd(ctx context.Context, runAt float64, raw []byte) error {
	return wrap("delayed_add", s.rdb.ZAdd(ctx, keys.Delayed, redis.Z{Score: runAt, Member: raw}).Err())
}

// DelayedDue lists serialized tasks whose ready time is at or before now.
func (s *Store) DelayedDue(ctx context.Context, now float64) ([][]byte, error) {
	vals, err := s.rdb.ZRangeByScore(ctx, keys.Delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(now, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, wrap("delayed_due", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// DelayedRemove drops one serialized task from the delayed set. The bool
// reports whether the member was present, which makes removal the winner's
// serialization point when several promoters race.
func (s *Store) DelayedRemove(ctx context.Context, raw []byte) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keys.Delayed, raw).Result()
	if err != nil {
		return false, wrap("delayed_remove", err)
	}
	return n > 0, nil
}

// DelayedLen returns the size of the delayed set.
func (s *Store) DelayedLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keys.Delayed).Result()
	return n, wrap("delayed_len", err)
}

// --- history ---

// HistoryAdd indexes the task id scored by its creation time.
func (s *Store) HistoryAdd(ctx context.Context, score float64, id string) error {
	return wrap("history_add", s.rdb.ZAdd(ctx, keys.History, redis.Z{Score: score, Member: id}).Err())
}

// HistoryPut writes the history copy of the task record.
func (s *Store) HistoryPut(ctx context.Context, id string, raw []byte, ttl time.Duration) error {
	return wrap("history_put", s.rdb.Set(ctx, keys.HistoryRecord(id), raw, ttl).Err())
}

// HistoryGet reads the history copy; (nil, nil) when absent.
func (s *Store) HistoryGet(ctx context.Context, id string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, keys.HistoryRecord(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, wrap("history_get", err)
}

// HistoryRangeRev lists task ids newest-first. count < 0 returns the whole
// index from offset.
func (s *Store) HistoryRangeRev(ctx context.Context, offset, count int64) ([]string, error) {
	stop := int64(-1)
	if count >= 0 {
		stop = offset + count - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, keys.History, offset, stop).Result()
	return ids, wrap("history_range_rev", err)
}

// HistoryOlder lists indexed ids with scores at or below cutoff.
func (s *Store) HistoryOlder(ctx context.Context, cutoff float64) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, keys.History, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(cutoff, 'f', -1, 64),
	}).Result()
	return ids, wrap("history_older", err)
}

// HistoryRemove drops ids from the index and deletes their history copies.
func (s *Store) HistoryRemove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.ZRem(ctx, keys.History, id)
			p.Del(ctx, keys.HistoryRecord(id))
		}
		return nil
	})
	return wrap("history_remove", err)
}

// HistoryCount returns the size of the history index.
func (s *Store) HistoryCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keys.History).Result()
	return n, wrap("history_count", err)
}

// --- worker registry ---

// WorkerPut writes a worker registration.
func (s *Store) WorkerPut(ctx context.Context, id string, raw []byte) error {
	return wrap("worker_put", s.rdb.HSet(ctx, keys.Servers, id, raw).Err())
}

// WorkerGet reads one registration; (nil, nil) when absent.
func (s *Store) WorkerGet(ctx context.Context, id string) ([]byte, error) {
	v, err := s.rdb.HGet(ctx, keys.Servers, id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, wrap("worker_get", err)
}

// WorkerDel removes a registration.
func (s *Store) WorkerDel(ctx context.Context, id string) error {
	return wrap("worker_del", s.rdb.HDel(ctx, keys.Servers, id).Err())
}

// WorkersAll returns every registration keyed by worker id.
func (s *Store) WorkersAll(ctx context.Context) (map[string][]byte, error) {
	vals, err := s.rdb.HGetAll(ctx, keys.Servers).Result()
	if err != nil {
		return nil, wrap("workers_all", err)
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

// --- cancellation and progress sidecars ---

// CancelSet writes the cancellation flag; idempotent.
func (s *Store) CancelSet(ctx context.Context, id string, ttl time.Duration) error {
	return wrap("cancel_set", s.rdb.Set(ctx, keys.Cancelled(id), "1", ttl).Err())
}

// CancelExists reports whether the cancellation flag is present.
func (s *Store) CancelExists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keys.Cancelled(id)).Result()
	if err != nil {
		return false, wrap("cancel_exists", err)
	}
	return n > 0, nil
}

// ProgressPut writes the task's progress sidecar.
func (s *Store) ProgressPut(ctx context.Context, id string, raw []byte, ttl time.Duration) error {
	return wrap("progress_put", s.rdb.Set(ctx, keys.Progress(id), raw, ttl).Err())
}

// ProgressGet reads the task's progress sidecar; (nil, nil) when absent.
func (s *Store) ProgressGet(ctx context.Context, id string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, keys.Progress(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, wrap("progress_get", err)
}
