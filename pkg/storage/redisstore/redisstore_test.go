package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/queue/queuetest"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/store/storetest"
	"github.com/LENAX/node-engine/pkg/core/types"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client, err := Open(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestQueue_Contract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts ...queue.Option) queue.TaskQueue {
		client, _ := newTestClient(t)
		return NewQueue(client, "test:", opts...)
	})
}

func TestHotStore_Contract(t *testing.T) {
	storetest.RunHotStore(t, func(t *testing.T, now types.NowFunc) store.HotStore {
		client, _ := newTestClient(t)
		return NewHotStore(client, "test:", now)
	})
}

func TestQueue_CorruptBodyStillLeased(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	q := NewQueue(client, "test:")

	mr.HSet("test:q:task:bad", "execution_id", "e1", "task_type", "node", "priority", "0", "body", "{not json",
		"retry_count", "2", "visible_at", "0", "lease_token", "", "lease_expires_at", "0", "created_at", "0")
	_, err := mr.ZAdd("test:q:pending", 0, "bad")
	require.NoError(t, err)

	leases, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "bad", leases[0].Task.ID)
	assert.Equal(t, "e1", leases[0].Task.ExecutionID)
	assert.Equal(t, 2, leases[0].Task.RetryCount)
}

func TestQueue_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	a := NewQueue(client, "a:")
	b := NewQueue(client, "b:")

	_, err := a.Enqueue(ctx, types.NewWorkflowTask("e1", "wf", types.PayloadRef{}))
	require.NoError(t, err)
	leases, err := b.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leases, "不同前缀互不可见")
}

func TestLock_FencingToken(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	a := NewLock(client, "test:", "janitor", "node-a", time.Minute)
	b := NewLock(client, "test:", "janitor", "node-b", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), a.Token())

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "持有者续期")
	assert.Equal(t, int64(1), a.Token())

	mr.FastForward(2 * time.Minute)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "过期后被接管")
	assert.Equal(t, int64(2), b.Token())

	require.NoError(t, a.Release(ctx), "非持有者释放为空操作")
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx))
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), a.Token())
}
