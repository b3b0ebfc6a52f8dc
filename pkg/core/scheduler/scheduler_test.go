package scheduler

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/queue/queuetest"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
)

type harness struct {
	clock  *queuetest.Clock
	store  *store.ExecutionStore
	queue  *queue.MemoryQueue
	nodes  *NodeScheduler
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: queuetest.NewClock()}
	h.store = store.NewExecutionStore(store.NewMemoryHotStore(h.clock.Now), store.NewMemoryColdStore())
	h.queue = queue.NewMemoryQueue(queue.WithGate(h.store), queue.WithClock(h.clock.Now))
	sink := events.SinkFunc(func(_ context.Context, ev events.Event) { h.events = append(h.events, ev) })
	h.nodes = NewNodeScheduler(h.store, h.queue, blob.NewCodec(blob.NewMemoryStore(), 1024),
		WithClock(h.clock.Now), WithEvents(sink), WithWakeDeadline(5*time.Second), WithStoreWriteRetry(1, 0))
	return h
}

// drain 领取并确认队列中所有可见任务，返回节点ID（排序后）
func (h *harness) drain(t *testing.T) []string {
	t.Helper()
	leases, err := h.queue.Dequeue(context.Background(), 100, time.Minute)
	require.NoError(t, err)
	ids := make([]string, 0, len(leases))
	for _, l := range leases {
		ids = append(ids, l.Task.NodeID())
		require.NoError(t, h.queue.Ack(context.Background(), l))
	}
	sort.Strings(ids)
	return ids
}

func (h *harness) complete(t *testing.T, exec *types.Execution, nodeID string, status types.NodeStatus) {
	t.Helper()
	ctx := context.Background()
	rec := &types.NodeResultRecord{ExecutionID: exec.ExecutionID, NodeID: nodeID, Status: status, UpdatedAt: h.clock.Now()}
	require.NoError(t, h.store.PutNodeRecord(ctx, rec))
	h.notify(t, exec, rec)
}

func (h *harness) notify(t *testing.T, exec *types.Execution, rec *types.NodeResultRecord) {
	t.Helper()
	task := &types.Task{ID: types.NodeTaskID(exec.ExecutionID, rec.NodeID), ExecutionID: exec.ExecutionID, Node: &types.NodeTaskSpec{NodeID: rec.NodeID}}
	require.NoError(t, h.nodes.OnNodeTerminal(context.Background(), task, rec))
}

func (h *harness) status(t *testing.T, exec *types.Execution) types.ExecutionStatus {
	t.Helper()
	e, err := h.store.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	return e.Status
}

func linear() *types.WorkflowSnapshot {
	return &types.WorkflowSnapshot{
		WorkflowID: "linear",
		Nodes:      []types.NodeSpec{{ID: "A", Type: "t"}, {ID: "B", Type: "t"}, {ID: "C", Type: "t"}},
		Edges:      []types.Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	}
}

func fanOut() *types.WorkflowSnapshot {
	return &types.WorkflowSnapshot{
		WorkflowID: "fan",
		Nodes:      []types.NodeSpec{{ID: "A", Type: "t"}, {ID: "B", Type: "t"}, {ID: "C", Type: "t"}, {ID: "D", Type: "t"}},
		Edges:      []types.Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	}
}

func (h *harness) start(t *testing.T, snapshot *types.WorkflowSnapshot) *types.Execution {
	t.Helper()
	ctx := context.Background()
	ref, err := h.nodes.Codec().Encode(ctx, snapshot)
	require.NoError(t, err)
	exec := types.NewExecution(snapshot.WorkflowID, types.ModeNodeLevel, ref, len(snapshot.Nodes))
	require.NoError(t, h.nodes.StartExecution(ctx, exec, snapshot, nil))
	return exec
}

func TestDecide(t *testing.T) {
	small := linear()
	assert.Equal(t, types.ModeWorkflowLevel, Decide(small, HybridConfig{NodeLevelThreshold: 10}))
	assert.Equal(t, types.ModeNodeLevel, Decide(small, HybridConfig{NodeLevelThreshold: 3}), "节点数达到阈值")
	assert.Equal(t, types.ModeNodeLevel, Decide(small, HybridConfig{ForceMode: types.ModeNodeLevel}))
	assert.Equal(t, types.ModeWorkflowLevel, Decide(fanOut(), HybridConfig{ForceMode: types.ModeWorkflowLevel, NodeLevelThreshold: 1}))
	assert.Equal(t, types.ModeNodeLevel, Decide(small, HybridConfig{LongRunningTypes: []string{"t"}}))

	hinted := linear()
	hinted.Hints.Parallel = true
	assert.Equal(t, types.ModeNodeLevel, Decide(hinted, HybridConfig{}))

	slow := linear()
	slow.Hints.EstimatedDuration = time.Hour
	assert.Equal(t, types.ModeNodeLevel, Decide(slow, HybridConfig{DurationThreshold: time.Minute}))
	assert.Equal(t, types.ModeWorkflowLevel, Decide(slow, HybridConfig{}), "未配置时长阈值")

	long := linear()
	long.Nodes[1].LongRunning = true
	assert.Equal(t, types.ModeNodeLevel, Decide(long, HybridConfig{}))

	cfg := HybridConfig{NodeLevelThreshold: 4, LongRunningTypes: []string{"x"}}
	for i := 0; i < 20; i++ {
		assert.Equal(t, Decide(fanOut(), cfg), Decide(fanOut(), cfg), "决策必须是确定性的")
	}
}

func TestNodeScheduler_LinearRunsInOrder(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, linear())
	assert.Equal(t, types.ExecutionRunning, h.status(t, exec))

	var order []string
	for i := 0; i < 3; i++ {
		ready := h.drain(t)
		require.Len(t, ready, 1)
		order = append(order, ready[0])
		h.complete(t, exec, ready[0], types.NodeSuccess)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
	assert.Empty(t, h.drain(t))
	assert.Equal(t, types.ExecutionSuccess, h.status(t, exec))
}

func TestNodeScheduler_FanInWaitsForAllPredecessors(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, fanOut())

	assert.Equal(t, []string{"A"}, h.drain(t))
	h.complete(t, exec, "A", types.NodeSuccess)
	assert.Equal(t, []string{"B", "C"}, h.drain(t), "B与C可以并发派发")

	h.complete(t, exec, "B", types.NodeSuccess)
	assert.Empty(t, h.drain(t), "C未完成前D不能派发")
	// 重复通知不会重复派发
	h.notify(t, exec, &types.NodeResultRecord{ExecutionID: exec.ExecutionID, NodeID: "B", Status: types.NodeSuccess})
	assert.Empty(t, h.drain(t))

	h.complete(t, exec, "C", types.NodeSuccess)
	assert.Equal(t, []string{"D"}, h.drain(t))
	h.complete(t, exec, "D", types.NodeSuccess)
	assert.Equal(t, types.ExecutionSuccess, h.status(t, exec))
}

func TestNodeScheduler_FailureSkipsDescendants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, fanOut())

	h.drain(t)
	h.complete(t, exec, "A", types.NodeSuccess)
	h.drain(t)
	h.complete(t, exec, "B", types.NodeSuccess)
	h.complete(t, exec, "C", types.NodeFailed)

	assert.Empty(t, h.drain(t), "D不能被派发")
	assert.Equal(t, types.ExecutionFailed, h.status(t, exec))
	d, err := h.store.GetNodeRecord(ctx, exec.ExecutionID, "D")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.NodeSkipped, d.Status)

	var failed int
	for _, ev := range h.events {
		if ev.Type == events.ExecutionFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestNodeScheduler_ParkAndWake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, linear())
	h.drain(t)

	// B在A完成前被投递（例如人工重放），进入停车间
	task := h.nodes.NewNodeTask(exec, types.NodeSpec{ID: "B", Type: "t"})
	state, waitingOn, err := h.nodes.CheckDependencies(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, DependenciesParked, state)
	assert.Equal(t, "A", waitingOn)
	n, err := h.store.CountParked(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	woken, err := h.nodes.WakeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, woken, "未到唤醒期限")

	h.clock.Advance(6 * time.Second)
	woken, err = h.nodes.WakeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, woken)
	assert.Equal(t, []string{"B"}, h.drain(t))

	// 再次停车后由前驱终结事件唤醒
	state, _, err = h.nodes.CheckDependencies(ctx, task)
	require.NoError(t, err)
	require.Equal(t, DependenciesParked, state)
	h.complete(t, exec, "A", types.NodeSuccess)
	n, err = h.store.CountParked(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"B"}, h.drain(t))

	state, _, err = h.nodes.CheckDependencies(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, DependenciesReady, state)
}

func TestNodeScheduler_CheckDependenciesReportsFailedPredecessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, linear())
	h.drain(t)
	require.NoError(t, h.store.PutNodeRecord(ctx, &types.NodeResultRecord{ExecutionID: exec.ExecutionID, NodeID: "A", Status: types.NodeFailed}))

	state, pred, err := h.nodes.CheckDependencies(ctx, h.nodes.NewNodeTask(exec, types.NodeSpec{ID: "B", Type: "t"}))
	require.NoError(t, err)
	assert.Equal(t, DependencyFailed, state)
	assert.Equal(t, "A", pred)
}

func TestNodeScheduler_CancelStopsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, fanOut())
	h.drain(t)

	cancelled, err := h.nodes.Cancel(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)

	// 取消后，进行中的A完成也不会派发后继
	h.complete(t, exec, "A", types.NodeSuccess)
	assert.Empty(t, h.drain(t))
	_, err = h.queue.Enqueue(ctx, h.nodes.NewNodeTask(exec, types.NodeSpec{ID: "B", Type: "t"}))
	assert.Error(t, err, "闸门拒绝入队")

	again, err := h.nodes.Cancel(ctx, exec.ExecutionID)
	require.NoError(t, err, "重复取消是幂等的")
	assert.Equal(t, types.ExecutionCancelled, again.Status)
}

func TestNodeScheduler_CancelFinishedExecution(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, &types.WorkflowSnapshot{WorkflowID: "one", Nodes: []types.NodeSpec{{ID: "A", Type: "t"}}})
	h.drain(t)
	h.complete(t, exec, "A", types.NodeSuccess)

	_, err := h.nodes.Cancel(context.Background(), exec.ExecutionID)
	assert.ErrorIs(t, err, types.ErrExecutionTerminal)
}

func TestNodeScheduler_FinalizeIfDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, linear())
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, h.store.PutNodeRecord(ctx, &types.NodeResultRecord{ExecutionID: exec.ExecutionID, NodeID: id, Status: types.NodeSuccess}))
	}
	ok, err := h.nodes.FinalizeIfDone(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ExecutionSuccess, h.status(t, exec))
}

func TestHybridScheduler_SubmitWorkflowLevel(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	reg.MustRegister("t", registry.ExecutorFunc(func(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
		return nil, nil
	}))
	hs := NewHybridScheduler(HybridConfig{NodeLevelThreshold: 10}, h.nodes, reg)

	exec, err := hs.Submit(context.Background(), linear())
	require.NoError(t, err)
	assert.Equal(t, types.ModeWorkflowLevel, exec.Mode)
	assert.Equal(t, types.ExecutionRunning, exec.Status)

	leases, err := h.queue.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, types.TaskTypeWorkflow, leases[0].Task.Type)
	assert.Equal(t, types.WorkflowTaskID(exec.ExecutionID), leases[0].Task.ID)
}

func TestHybridScheduler_SubmitRejectsInvalidSnapshots(t *testing.T) {
	h := newHarness(t)
	hs := NewHybridScheduler(HybridConfig{}, h.nodes, registry.New())

	_, err := hs.Submit(context.Background(), linear())
	assert.Equal(t, types.ErrorKindValidation, types.Classify(err), "未注册的节点类型")

	cyclic := linear()
	cyclic.Edges = append(cyclic.Edges, types.Edge{From: "C", To: "A"})
	_, err = NewHybridScheduler(HybridConfig{}, h.nodes, nil).Submit(context.Background(), cyclic)
	assert.Error(t, err)
}

func TestHybridScheduler_ResumeKeepsCompletedNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hs := NewHybridScheduler(HybridConfig{ForceMode: types.ModeNodeLevel}, h.nodes, nil)

	exec, err := hs.Submit(ctx, linear())
	require.NoError(t, err)
	h.drain(t)
	h.complete(t, exec, "A", types.NodeSuccess)
	h.drain(t)
	h.complete(t, exec, "B", types.NodeFailed)
	require.Equal(t, types.ExecutionFailed, h.status(t, exec))

	resumed, err := hs.Resume(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.ExecutionID, resumed.ResumedFrom)
	assert.Equal(t, []string{"B"}, h.drain(t), "只重新派发未成功的节点")

	a, err := h.store.GetNodeRecord(ctx, resumed.ExecutionID, "A")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, types.NodeSuccess, a.Status)

	h.complete(t, resumed, "B", types.NodeSuccess)
	assert.Equal(t, []string{"C"}, h.drain(t))
	h.complete(t, resumed, "C", types.NodeSuccess)
	assert.Equal(t, types.ExecutionSuccess, h.status(t, resumed))
}

func TestNodeScheduler_WakeBeforeAckKeepsParkedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, linear())
	require.Equal(t, []string{"A"}, h.drain(t))

	// B提前被投递并领取，停车后、确认前A完成
	_, err := h.queue.Enqueue(ctx, h.nodes.NewNodeTask(exec, types.NodeSpec{ID: "B", Type: "t"}))
	require.NoError(t, err)
	leases, err := h.queue.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	original := leases[0]

	state, _, err := h.nodes.CheckDependencies(ctx, original.Task)
	require.NoError(t, err)
	require.Equal(t, DependenciesParked, state)

	h.complete(t, exec, "A", types.NodeSuccess)
	require.NoError(t, h.queue.Ack(ctx, original))

	n, err := h.queue.CountByExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "唤醒的B不应被原投递的确认删除")
	assert.Equal(t, []string{"B"}, h.drain(t))
	parked, err := h.store.CountParked(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Zero(t, parked)
}
