package modelq

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ModelsLab/modelq-go/internal/keys"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func TestClient_Enqueue_Basics(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	task, err := c.Enqueue(ctx, "add", map[string]any{"a": 5, "b": 3})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, StatusQueued, task.Status)

	// queue entry
	nQueued, _ := rdb.LLen(ctx, keys.Queue).Result()
	require.Equal(t, int64(1), nQueued)

	// queued index
	nIndex, _ := rdb.ZCard(ctx, keys.QueuedIndex).Result()
	require.Equal(t, int64(1), nIndex)

	// task record with TTL
	ttl, err := rdb.TTL(ctx, keys.Task(task.ID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	// history index + record
	nHist, _ := rdb.ZCard(ctx, keys.History).Result()
	require.Equal(t, int64(1), nHist)
	hraw, err := rdb.Get(ctx, keys.HistoryRecord(task.ID)).Result()
	require.NoError(t, err)
	require.NotEmpty(t, hraw)
}

func TestClient_Enqueue_CustomIDAndParams(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	task, err := c.Enqueue(ctx, "add", map[string]any{"a": 1},
		WithTaskID("fixed-id"),
		WithParams(map[string]any{"user_id": "u-7"}),
	)
	require.NoError(t, err)
	require.Equal(t, "fixed-id", task.ID)

	got, err := c.Details(ctx, "fixed-id")
	require.NoError(t, err)
	require.Equal(t, "u-7", got.AdditionalParams["user_id"])
}

func TestClient_Enqueue_Delayed(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "later", map[string]any{"x": 1}, WithDelay(time.Hour))
	require.NoError(t, err)

	nDelayed, _ := rdb.ZCard(ctx, keys.Delayed).Result()
	require.Equal(t, int64(1), nDelayed)
	nQueued, _ := rdb.LLen(ctx, keys.Queue).Result()
	require.Equal(t, int64(0), nQueued)
}

func TestClient_Enqueue_MuxDefaults(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	mux := NewMux()
	mux.Handle("slow", func(ctx context.Context, data map[string]any) (any, error) {
		return nil, nil
	}, TaskTimeout(30), TaskRetries(2))
	c := NewClient(rdb, WithMux(mux))
	ctx := context.Background()

	task, err := c.Enqueue(ctx, "slow", nil)
	require.NoError(t, err)
	require.Equal(t, float64(30), task.Payload.Timeout)
	require.Equal(t, 2, task.Payload.Retries)

	// explicit options win over registered defaults
	task, err = c.Enqueue(ctx, "slow", nil, WithRetries(0), WithTimeout(1))
	require.NoError(t, err)
	require.Equal(t, float64(1), task.Payload.Timeout)
	require.Equal(t, 0, task.Payload.Retries)
}

func TestClient_Cancel_QueuedTask(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	task, err := c.Enqueue(ctx, "slow", map[string]any{"n": 1})
	require.NoError(t, err)

	found, err := c.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)

	// status flipped, flag set, queue emptied
	st, err := c.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, st)

	flag, _ := rdb.Exists(ctx, keys.Cancelled(task.ID)).Result()
	require.Equal(t, int64(1), flag)

	queued, err := c.Queued(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestClient_Cancel_Idempotent(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	task, err := c.Enqueue(ctx, "slow", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		found, err := c.Cancel(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestClient_Cancel_UnknownTask(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)

	found, err := c.Cancel(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestClient_RemoveFromQueue(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	t1, err := c.Enqueue(ctx, "a", nil)
	require.NoError(t, err)
	t2, err := c.Enqueue(ctx, "b", nil)
	require.NoError(t, err)

	removed, err := c.RemoveFromQueue(ctx, t1.ID)
	require.NoError(t, err)
	require.True(t, removed)

	queued, err := c.Queued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, t2.ID, queued[0].ID)

	nIndex, _ := rdb.ZCard(ctx, keys.QueuedIndex).Result()
	require.Equal(t, int64(1), nIndex)

	removed, err = c.RemoveFromQueue(ctx, "missing")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestClient_DeleteQueue(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "a", nil)
	require.NoError(t, err)
	require.NoError(t, c.DeleteQueue(ctx))

	nQueued, _ := rdb.LLen(ctx, keys.Queue).Result()
	require.Equal(t, int64(0), nQueued)
	nIndex, _ := rdb.ZCard(ctx, keys.QueuedIndex).Result()
	require.Equal(t, int64(0), nIndex)
}

func TestClient_StatusAndDetails_NotFound(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)

	_, err := c.Status(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = c.Details(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestClient_Progress(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	_, err := c.Progress(ctx, "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)

	raw := []byte(`{"progress":0.5,"message":"halfway","updated_at":1700000000}`)
	require.NoError(t, rdb.Set(ctx, keys.Progress("p-1"), raw, 0).Err())

	p, err := c.Progress(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, 0.5, p.Progress)
	require.Equal(t, "halfway", p.Message)
}
