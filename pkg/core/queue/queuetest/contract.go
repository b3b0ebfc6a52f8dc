// Package queuetest 提供所有TaskQueue后端共用的契约测试
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// Clock 测试用可拨动时钟
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 创建时钟
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

// Now 当前时间
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 拨动时钟
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory 创建一个干净的队列实例
type Factory func(t *testing.T, opts ...queue.Option) queue.TaskQueue

func newTask(exec, id string) *types.Task {
	task := types.NewWorkflowTask(exec, "wf", types.PayloadRef{Inline: []byte(`{"k":"v"}`)})
	task.ID = id
	task.MaxRetries = 3
	return task
}

// Run 执行全部契约测试
func Run(t *testing.T, factory Factory) {
	t.Run("入队后出队且租约期间不可见", func(t *testing.T) { testLeaseHidesTask(t, factory) })
	t.Run("Ack幂等", func(t *testing.T) { testAckIdempotent(t, factory) })
	t.Run("Nack延迟重新可见并持久化重试状态", func(t *testing.T) { testNackDelay(t, factory) })
	t.Run("租约过期后重新投递", func(t *testing.T) { testLeaseExpiry(t, factory) })
	t.Run("延长租约", func(t *testing.T) { testExtendLease(t, factory) })
	t.Run("延长租约以存储的到期时间为准", func(t *testing.T) { testExtendLeaseFromStoredExpiry(t, factory) })
	t.Run("延迟任务", func(t *testing.T) { testScheduledAt(t, factory) })
	t.Run("重复入队去重", func(t *testing.T) { testDuplicateEnqueue(t, factory) })
	t.Run("闸门拒绝入队", func(t *testing.T) { testGate(t, factory) })
	t.Run("优先级", func(t *testing.T) { testPriority(t, factory) })
	t.Run("统计与按Execution清理", func(t *testing.T) { testStatsAndPurge(t, factory) })
	t.Run("并发出队不重复投递", func(t *testing.T) { testConcurrentDequeue(t, factory) })
}

func testLeaseHidesTask(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	id, err := q.Enqueue(ctx, newTask("e1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	leases, err := q.Dequeue(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "t1", leases[0].Task.ID)
	assert.Equal(t, `{"k":"v"}`, string(leases[0].Task.Payload.Inline))
	assert.NotEmpty(t, leases[0].LeaseToken)
	assert.True(t, leases[0].ExpiresAt.Equal(clock.Now().Add(30*time.Second)))

	again, err := q.Dequeue(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func testAckIdempotent(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	_, err := q.Enqueue(ctx, newTask("e1", "t1"))
	require.NoError(t, err)
	leases, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, q.Ack(ctx, leases[0]))
	require.NoError(t, q.Ack(ctx, leases[0]))
	require.NoError(t, q.Nack(ctx, leases[0], time.Second))

	unknown := &types.LeasedTask{Task: newTask("e1", "missing"), LeaseToken: "x"}
	require.NoError(t, q.Ack(ctx, unknown))

	clock.Advance(time.Hour)
	leases, err = q.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func testNackDelay(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	_, err := q.Enqueue(ctx, newTask("e1", "t1"))
	require.NoError(t, err)
	leases, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	lease := leases[0]
	lease.Task.RetryCount++
	lease.Task.RecordAttempt(types.AttemptRecord{Attempt: 1, Error: "网络抖动", Kind: types.ErrorKindTransient, Delay: 2 * time.Second})
	require.NoError(t, q.Nack(ctx, lease, 2*time.Second))

	clock.Advance(time.Second)
	leases, err = q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leases, "延迟未到不可见")

	clock.Advance(time.Second)
	leases, err = q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, 1, leases[0].Task.RetryCount)
	require.Len(t, leases[0].Task.Attempts, 1)
	assert.Equal(t, "网络抖动", leases[0].Task.Attempts[0].Error)
}

func testLeaseExpiry(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	_, err := q.Enqueue(ctx, newTask("e1", "t1"))
	require.NoError(t, err)
	first, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(11 * time.Second)
	second, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].LeaseToken, second[0].LeaseToken)

	// 旧租约的Ack是空操作
	require.NoError(t, q.Ack(ctx, first[0]))
	n, err := q.CountByExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Ack(ctx, second[0]))
	n, err = q.CountByExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testExtendLease(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	_, err := q.Enqueue(ctx, newTask("e1", "t1"))
	require.NoError(t, err)
	leases, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	lease := leases[0]

	clock.Advance(8 * time.Second)
	require.NoError(t, q.ExtendLease(ctx, lease, 10*time.Second))

	clock.Advance(5 * time.Second)
	other, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	assert.Empty(t, other, "延长后的租约仍然有效")

	clock.Advance(10 * time.Second)
	other, err = q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, other, 1)

	err = q.ExtendLease(ctx, lease, time.Second)
	assert.True(t, errors.Is(err, types.ErrLeaseLost))
}

func testScheduledAt(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	task := newTask("e1", "t1")
	at := clock.Now().Add(5 * time.Second)
	task.ScheduledAt = &at
	_, err := q.Enqueue(ctx, task)
	require.NoError(t, err)

	leases, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leases)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	clock.Advance(5 * time.Second)
	leases, err = q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func testDuplicateEnqueue(t *testing.T, factory Factory) {
	ctx := context.Background()
	q := factory(t, queue.WithClock(NewClock().Now))

	_, err := q.Enqueue(ctx, newTask("e1", "same"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, newTask("e1", "same"))
	require.NoError(t, err)

	leases, err := q.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func testGate(t *testing.T, factory Factory) {
	ctx := context.Background()
	gate := queue.GateFunc(func(_ context.Context, executionID string) error {
		if executionID == "done" {
			return types.ErrExecutionTerminal
		}
		return nil
	})
	q := factory(t, queue.WithClock(NewClock().Now), queue.WithGate(gate))

	_, err := q.Enqueue(ctx, newTask("done", "t1"))
	assert.ErrorIs(t, err, types.ErrExecutionTerminal)

	ids, err := q.EnqueueBatch(ctx, []*types.Task{newTask("e1", "a"), newTask("e1", "b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func testPriority(t *testing.T, factory Factory) {
	ctx := context.Background()
	q := factory(t, queue.WithClock(NewClock().Now))

	low := newTask("e1", "low")
	high := newTask("e1", "high")
	high.Priority = 10
	_, err := q.Enqueue(ctx, low)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, high)
	require.NoError(t, err)

	leases, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "high", leases[0].Task.ID)
}

func testStatsAndPurge(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, newTask("e1", fmt.Sprintf("e1-%d", i)))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, newTask("e2", "e2-0"))
	require.NoError(t, err)

	leases, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Ready: 3, Delayed: 0, Leased: 1}, stats)
	assert.Equal(t, 4, stats.Depth())

	leasedExec := leases[0].Task.ExecutionID
	purged, err := q.PurgeExecution(ctx, leasedExec)
	require.NoError(t, err)
	n, err := q.CountByExecution(ctx, leasedExec)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "已租出的任务不会被清理")
	if leasedExec == "e1" {
		assert.Equal(t, 2, purged)
	} else {
		assert.Equal(t, 0, purged)
	}
}

func testConcurrentDequeue(t *testing.T, factory Factory) {
	ctx := context.Background()
	q := factory(t, queue.WithClock(NewClock().Now))

	const total = 40
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, newTask("e1", fmt.Sprintf("t-%02d", i)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leases, err := q.Dequeue(ctx, 3, time.Minute)
				if err != nil {
					t.Errorf("出队失败: %v", err)
					return
				}
				if len(leases) == 0 {
					return
				}
				mu.Lock()
				for _, l := range leases {
					seen[l.Task.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "任务 %s 被重复投递", id)
	}
}

func testExtendLeaseFromStoredExpiry(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := factory(t, queue.WithClock(clock.Now))

	_, err := q.Enqueue(ctx, newTask("e1", "t1"))
	require.NoError(t, err)
	leases, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	heartbeat := leases[0]
	stale := *heartbeat
	start := clock.Now()

	// 心跳先延长，执行器持有的旧副本再延长，不能缩短租约
	require.NoError(t, q.ExtendLease(ctx, heartbeat, 10*time.Second))
	assert.True(t, heartbeat.ExpiresAt.Equal(start.Add(20*time.Second)))
	require.NoError(t, q.ExtendLease(ctx, &stale, 5*time.Second))
	assert.True(t, stale.ExpiresAt.Equal(start.Add(25*time.Second)), "应在已存储的到期时间上延长")

	clock.Advance(22 * time.Second)
	other, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	assert.Empty(t, other, "租约应持续到25秒")

	clock.Advance(4 * time.Second)
	other, err = q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
