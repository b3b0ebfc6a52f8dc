// Package storetest 提供所有HotStore后端共用的契约测试
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// Factory 创建一个干净的热存储实例
type Factory func(t *testing.T, now types.NowFunc) store.HotStore

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.UnixMilli(1_700_000_000_000)}
}

func newExecution(c *clock, id string) *types.Execution {
	e := types.NewExecution("wf", types.ModeNodeLevel, types.PayloadRef{Inline: []byte(`{}`)}, 3)
	e.ExecutionID = id
	e.CreatedAt = c.Now()
	e.UpdatedAt = c.Now()
	return e
}

// RunHotStore 执行全部热存储契约测试
func RunHotStore(t *testing.T, factory Factory) {
	t.Run("Execution状态单调迁移", func(t *testing.T) { testTransitions(t, factory) })
	t.Run("取消标记与Touch", func(t *testing.T) { testCancelAndTouch(t, factory) })
	t.Run("节点记录终态保护", func(t *testing.T) { testTerminalGuard(t, factory) })
	t.Run("节点认领", func(t *testing.T) { testClaim(t, factory) })
	t.Run("入度按边幂等递减", func(t *testing.T) { testCounters(t, factory) })
	t.Run("并发递减入度只有一个归零", func(t *testing.T) { testConcurrentDecrement(t, factory) })
	t.Run("停车间", func(t *testing.T) { testParking(t, factory) })
	t.Run("删除Execution热状态", func(t *testing.T) { testDelete(t, factory) })
}

func testTransitions(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	require.NoError(t, s.CreateExecution(ctx, newExecution(c, "e1")))
	assert.Error(t, s.CreateExecution(ctx, newExecution(c, "e1")), "重复创建应报错")

	_, err := s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)

	ok, e, err := s.TransitionExecution(ctx, "e1", types.ExecutionRunning, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ExecutionRunning, e.Status)
	require.NotNil(t, e.StartedAt)

	c.Advance(time.Second)
	ok, e, err = s.TransitionExecution(ctx, "e1", types.ExecutionFailed, "节点b失败")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "节点b失败", e.Error)
	require.NotNil(t, e.EndedAt)

	ok, e, err = s.TransitionExecution(ctx, "e1", types.ExecutionSuccess, "")
	require.NoError(t, err)
	assert.False(t, ok, "终态不可再迁移")
	assert.Equal(t, types.ExecutionFailed, e.Status)

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, got.Status)

	list, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testCancelAndTouch(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)
	require.NoError(t, s.CreateExecution(ctx, newExecution(c, "e1")))

	c.Advance(time.Minute)
	require.NoError(t, s.TouchExecution(ctx, "e1"))
	e, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, e.UpdatedAt.Equal(c.Now()))

	e, err = s.RequestCancel(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, e.CancelRequested)

	_, err = s.RequestCancel(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)
}

func testTerminalGuard(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	rec, err := s.GetNodeRecord(ctx, "e1", "a")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.PutNodeRecord(ctx, &types.NodeResultRecord{ExecutionID: "e1", NodeID: "a", Status: types.NodeRunning}))
	require.NoError(t, s.PutNodeRecord(ctx, &types.NodeResultRecord{
		ExecutionID: "e1", NodeID: "a", Status: types.NodeSuccess,
		OutputRef: types.PayloadRef{Inline: []byte(`{"x":1}`)},
	}))
	err = s.PutNodeRecord(ctx, &types.NodeResultRecord{ExecutionID: "e1", NodeID: "a", Status: types.NodeFailed})
	assert.ErrorIs(t, err, types.ErrTerminalRecordExists)

	rec, err = s.GetNodeRecord(ctx, "e1", "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.NodeSuccess, rec.Status)
	assert.JSONEq(t, `{"x":1}`, string(rec.OutputRef.Inline))

	recs, err := s.ListNodeRecords(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testClaim(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	res, rec, err := s.ClaimNode(ctx, "e1", "a", "task-1", c.Now().Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAcquired, res)
	assert.Equal(t, types.NodeRunning, rec.Status)

	res, _, err = s.ClaimNode(ctx, "e1", "a", "task-2", c.Now().Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.ClaimHeld, res, "他人未过期的认领")

	res, _, err = s.ClaimNode(ctx, "e1", "a", "task-1", c.Now().Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAcquired, res, "同一claimant可以接管")

	c.Advance(11 * time.Second)
	res, rec, err = s.ClaimNode(ctx, "e1", "a", "task-2", c.Now().Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAcquired, res, "过期认领可以接管")
	assert.Equal(t, "task-2", rec.ClaimedBy)

	require.NoError(t, s.PutNodeRecord(ctx, &types.NodeResultRecord{ExecutionID: "e1", NodeID: "a", Status: types.NodeSuccess}))
	res, rec, err = s.ClaimNode(ctx, "e1", "a", "task-3", c.Now().Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.ClaimTerminal, res)
	assert.Equal(t, types.NodeSuccess, rec.Status)
}

func testCounters(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	_, _, err := s.DecrementIndegree(ctx, "e1", "c", "a")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)

	require.NoError(t, s.InitCounters(ctx, "e1", map[string]int{"a": 0, "b": 0, "c": 2}, 3))

	n, applied, err := s.DecrementIndegree(ctx, "e1", "c", "a")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, n)

	n, applied, err = s.DecrementIndegree(ctx, "e1", "c", "a")
	require.NoError(t, err)
	assert.False(t, applied, "同一条边重复递减无效")
	assert.Equal(t, 1, n)

	n, applied, err = s.DecrementIndegree(ctx, "e1", "c", "b")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 0, n)

	got, err := s.GetIndegree(ctx, "e1", "c")
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	remaining, applied, err := s.MarkNodeDone(ctx, "e1", "a")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, remaining)
	remaining, applied, err = s.MarkNodeDone(ctx, "e1", "a")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, remaining)
}

func testConcurrentDecrement(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	preds := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	require.NoError(t, s.InitCounters(ctx, "e1", map[string]int{"join": len(preds)}, len(preds)+1))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		zeros int
	)
	for _, p := range preds {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(pred string) {
				defer wg.Done()
				n, applied, err := s.DecrementIndegree(ctx, "e1", "join", pred)
				if err != nil {
					t.Errorf("递减失败: %v", err)
					return
				}
				if applied && n == 0 {
					mu.Lock()
					zeros++
					mu.Unlock()
				}
			}(p)
		}
	}
	wg.Wait()
	assert.Equal(t, 1, zeros, "只有一次递减使入度归零")
}

func testParking(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	task := types.NewNodeTask("e1", "wf", types.NodeSpec{ID: "c", Type: "noop"}, types.PayloadRef{})
	park := func(taskID, waitingOn string, deadline time.Duration) {
		tk := task.Clone()
		tk.ID = taskID
		require.NoError(t, s.Park(ctx, &types.ParkedTaskEntry{
			TaskID: taskID, ExecutionID: "e1", WaitingOn: waitingOn, Task: tk,
			WakeDeadline: c.Now().Add(deadline), ParkedAt: c.Now(),
		}))
	}
	park("t1", "a", 5*time.Second)
	park("t2", "a", 10*time.Second)
	park("t3", "b", 2*time.Second)
	park("t3", "b", 3*time.Second)

	n, err := s.CountParked(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "同一任务重复停车覆盖旧条目")

	entries, err := s.TakeParked(ctx, "e1", "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].TaskID)
	require.NotNil(t, entries[0].Task)
	assert.Equal(t, "c", entries[0].Task.NodeID())

	entries, err = s.TakeParked(ctx, "e1", "a")
	require.NoError(t, err)
	assert.Empty(t, entries, "取出后条目被移除")

	expired, err := s.TakeExpiredParked(ctx, c.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	c.Advance(3 * time.Second)
	expired, err = s.TakeExpiredParked(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t3", expired[0].TaskID)
	assert.True(t, expired[0].WakeDeadline.Equal(c.Now()))

	park("t4", "x", time.Second)
	rest, err := s.TakeParkedByExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	n, err = s.CountParked(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testDelete(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	s := factory(t, c.Now)

	require.NoError(t, s.CreateExecution(ctx, newExecution(c, "e1")))
	require.NoError(t, s.InitCounters(ctx, "e1", map[string]int{"a": 0}, 1))
	require.NoError(t, s.PutNodeRecord(ctx, &types.NodeResultRecord{ExecutionID: "e1", NodeID: "a", Status: types.NodeSuccess}))

	require.NoError(t, s.DeleteExecution(ctx, "e1"))
	_, err := s.GetExecution(ctx, "e1")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)
	rec, err := s.GetNodeRecord(ctx, "e1", "a")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
