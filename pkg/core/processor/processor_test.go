package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/queue/queuetest"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/scheduler"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
)

type fixture struct {
	clock    *queuetest.Clock
	store    *store.ExecutionStore
	queue    *queue.MemoryQueue
	nodes    *scheduler.NodeScheduler
	registry *registry.Registry
	dlq      *reliability.MemoryDLQ
	breaker  *reliability.CircuitBreaker
	proc     *Processor

	mu     sync.Mutex
	events []events.Event
	calls  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: queuetest.NewClock(), registry: registry.New(), dlq: reliability.NewMemoryDLQ()}
	f.store = store.NewExecutionStore(store.NewMemoryHotStore(f.clock.Now), store.NewMemoryColdStore())
	f.queue = queue.NewMemoryQueue(queue.WithGate(f.store), queue.WithClock(f.clock.Now))
	f.nodes = scheduler.NewNodeScheduler(f.store, f.queue, blob.NewCodec(blob.NewMemoryStore(), 64),
		scheduler.WithClock(f.clock.Now), scheduler.WithStoreWriteRetry(1, 0))
	return f
}

// build 注册完执行器后创建处理器
func (f *fixture) build(opts ...Option) *Processor {
	policies := reliability.NewPolicySet(reliability.NewExponentialBackoff(time.Second, time.Minute, 2, 0))
	sink := events.SinkFunc(func(_ context.Context, ev events.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	base := []Option{WithClock(f.clock.Now), WithEvents(sink), WithStoreWriteRetry(1, 0), WithCancelCheckInterval(0), WithWorkerID("w1")}
	if f.breaker != nil {
		base = append(base, WithBreaker(f.breaker))
	}
	f.proc = New(f.queue, f.nodes, f.registry, policies, f.dlq, append(base, opts...)...)
	return f.proc
}

func (f *fixture) register(nodeType string, fn registry.ExecutorFunc) {
	f.registry.MustRegister(nodeType, registry.ExecutorFunc(func(ctx context.Context, spec types.NodeSpec, inputs map[string]any, ectx *registry.ExecContext) (map[string]any, error) {
		f.mu.Lock()
		f.calls = append(f.calls, spec.ID)
		f.mu.Unlock()
		return fn(ctx, spec, inputs, ectx)
	}))
}

func (f *fixture) callCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == nodeID {
			n++
		}
	}
	return n
}

func (f *fixture) start(t *testing.T, snapshot *types.WorkflowSnapshot) *types.Execution {
	t.Helper()
	ctx := context.Background()
	ref, err := f.nodes.Codec().Encode(ctx, snapshot)
	require.NoError(t, err)
	exec := types.NewExecution(snapshot.WorkflowID, types.ModeNodeLevel, ref, len(snapshot.Nodes))
	require.NoError(t, f.nodes.StartExecution(ctx, exec, snapshot, nil))
	return exec
}

func (f *fixture) next(t *testing.T) *types.LeasedTask {
	t.Helper()
	leases, err := f.queue.Dequeue(context.Background(), 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leases, 1, "队列中应有一个可见任务")
	return leases[0]
}

// runAll 循环处理直到队列为空
func (f *fixture) runAll(t *testing.T) []Outcome {
	t.Helper()
	var outcomes []Outcome
	for i := 0; i < 100; i++ {
		leases, err := f.queue.Dequeue(context.Background(), 1, 30*time.Second)
		require.NoError(t, err)
		if len(leases) == 0 {
			return outcomes
		}
		outcomes = append(outcomes, f.proc.Process(context.Background(), leases[0]))
	}
	t.Fatal("队列未在预期步数内清空")
	return nil
}

func (f *fixture) execution(t *testing.T, id string) *types.Execution {
	t.Helper()
	e, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) record(t *testing.T, execID, nodeID string) *types.NodeResultRecord {
	t.Helper()
	rec, err := f.store.GetNodeRecord(context.Background(), execID, nodeID)
	require.NoError(t, err)
	require.NotNil(t, rec, "节点 %s 应有记录", nodeID)
	return rec
}

func ok(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func linear() *types.WorkflowSnapshot {
	return &types.WorkflowSnapshot{
		WorkflowID: "linear",
		Nodes:      []types.NodeSpec{{ID: "A", Type: "t"}, {ID: "B", Type: "t"}, {ID: "C", Type: "t"}},
		Edges:      []types.Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	}
}

func fanOut(cType string) *types.WorkflowSnapshot {
	return &types.WorkflowSnapshot{
		WorkflowID: "fan",
		Nodes:      []types.NodeSpec{{ID: "A", Type: "t"}, {ID: "B", Type: "t"}, {ID: "C", Type: cType}, {ID: "D", Type: "t"}},
		Edges:      []types.Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	}
}

func TestProcessor_LinearWorkflow(t *testing.T) {
	f := newFixture(t)
	f.register("t", func(_ context.Context, spec types.NodeSpec, inputs map[string]any, _ *registry.ExecContext) (map[string]any, error) {
		return map[string]any{"node": spec.ID, "inputs": len(inputs)}, nil
	})
	f.build()
	exec := f.start(t, linear())

	outcomes := f.runAll(t)
	assert.Equal(t, []Outcome{OutcomeAcked, OutcomeAcked, OutcomeAcked}, outcomes)
	assert.Equal(t, []string{"A", "B", "C"}, f.calls)
	assert.Equal(t, types.ExecutionSuccess, f.execution(t, exec.ExecutionID).Status)
}

func TestProcessor_PassesPredecessorOutputs(t *testing.T) {
	f := newFixture(t)
	var got map[string]any
	f.register("t", func(_ context.Context, spec types.NodeSpec, inputs map[string]any, _ *registry.ExecContext) (map[string]any, error) {
		if spec.ID == "B" {
			got = inputs
		}
		// 超过内联阈值的输出写入Blob Store
		return map[string]any{"payload": "0123456789012345678901234567890123456789012345678901234567890123456789"}, nil
	})
	f.build()
	f.start(t, linear())
	f.runAll(t)

	require.Contains(t, got, "A")
	assert.Equal(t, map[string]any{"payload": "0123456789012345678901234567890123456789012345678901234567890123456789"}, got["A"])
}

func TestProcessor_FanOutFailureSkipsJoin(t *testing.T) {
	f := newFixture(t)
	f.register("t", ok)
	f.register("bad", func(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
		return nil, types.NewValidationError("参数非法", nil)
	})
	f.build()
	exec := f.start(t, fanOut("bad"))

	f.runAll(t)
	assert.Zero(t, f.callCount("D"), "D不能被派发")
	assert.Equal(t, types.ExecutionFailed, f.execution(t, exec.ExecutionID).Status)
	assert.Equal(t, types.NodeFailed, f.record(t, exec.ExecutionID, "C").Status)
	assert.Equal(t, types.NodeSkipped, f.record(t, exec.ExecutionID, "D").Status)

	n, err := f.dlq.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "校验错误直接进入死信队列")
	assert.Equal(t, 1, f.callCount("C"), "校验错误不重试")
}

func TestProcessor_TransientFailureBackoffThenDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.register("flaky", func(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
		return nil, types.NewTransientError("连接超时", nil)
	})
	f.build()
	exec := f.start(t, &types.WorkflowSnapshot{WorkflowID: "d", Nodes: []types.NodeSpec{{ID: "X", Type: "flaky", MaxRetries: 3}}})

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		lease := f.next(t)
		require.Equal(t, OutcomeNacked, f.proc.Process(context.Background(), lease))
		assert.LessOrEqual(t, lease.Task.RetryCount, lease.Task.MaxRetries)
		last := lease.Task.Attempts[len(lease.Task.Attempts)-1]
		delays = append(delays, last.Delay)
		f.clock.Advance(last.Delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	lease := f.next(t)
	assert.Equal(t, OutcomeDeadLettered, f.proc.Process(context.Background(), lease))
	assert.Equal(t, 4, f.callCount("X"))

	entries, err := f.dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].AttemptHistory, 3)
	assert.Equal(t, types.ErrorKindTransient, entries[0].ErrorKind)
	assert.Equal(t, types.ExecutionFailed, f.execution(t, exec.ExecutionID).Status)

	var retrying int
	for _, ev := range f.events {
		if ev.Type == events.TaskRetrying {
			retrying++
		}
	}
	assert.Equal(t, 3, retrying)
}

func TestProcessor_RedeliveryAfterCrashRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.register("t", ok)
	f.build()
	exec := f.start(t, linear())
	ctx := context.Background()

	require.Equal(t, OutcomeAcked, f.proc.Process(ctx, f.next(t)))

	// 第一个Worker领取B后崩溃
	crashed := f.next(t)
	require.Equal(t, "B", crashed.Task.NodeID())
	f.clock.Advance(31 * time.Second)

	redelivered := f.next(t)
	require.Equal(t, "B", redelivered.Task.NodeID())
	assert.NotEqual(t, crashed.LeaseToken, redelivered.LeaseToken)
	assert.Equal(t, OutcomeAcked, f.proc.Process(ctx, redelivered))

	// 过期租约的迟到处理直接短路
	assert.Equal(t, OutcomeShortCircuited, f.proc.Process(ctx, crashed))
	assert.Equal(t, 1, f.callCount("B"))

	records, err := f.store.ListNodeRecords(ctx, exec.ExecutionID)
	require.NoError(t, err)
	var b int
	for _, r := range records {
		if r.NodeID == "B" {
			b++
		}
	}
	assert.Equal(t, 1, b)
}

func TestProcessor_ParksEarlyDelivery(t *testing.T) {
	f := newFixture(t)
	f.register("t", ok)
	f.build()
	exec := f.start(t, linear())
	ctx := context.Background()

	a := f.next(t)
	// B在A完成前被投递
	_, err := f.queue.Enqueue(ctx, f.nodes.NewNodeTask(exec, types.NodeSpec{ID: "B", Type: "t"}))
	require.NoError(t, err)
	b := f.next(t)
	assert.Equal(t, OutcomeDeferred, f.proc.Process(ctx, b))
	assert.Zero(t, f.callCount("B"))
	parked, err := f.store.CountParked(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, parked)

	require.Equal(t, OutcomeAcked, f.proc.Process(ctx, a))
	f.runAll(t)
	assert.Equal(t, []string{"A", "B", "C"}, f.calls)
	assert.Equal(t, types.ExecutionSuccess, f.execution(t, exec.ExecutionID).Status)
}

func TestProcessor_OpenBreakerDoesNotConsumeRetries(t *testing.T) {
	f := newFixture(t)
	f.breaker = reliability.NewCircuitBreaker(1, 30*time.Second, reliability.WithBreakerClock(f.clock.Now))
	f.register("ext", func(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
		return nil, types.NewTransientError("依赖不可用", nil)
	})
	f.build()
	f.start(t, &types.WorkflowSnapshot{WorkflowID: "b", Nodes: []types.NodeSpec{{ID: "X", Type: "ext", Dependency: "db", MaxRetries: 5}}})
	ctx := context.Background()

	require.Equal(t, OutcomeNacked, f.proc.Process(ctx, f.next(t)))
	key := reliability.BreakerKey{NodeType: "ext", Dependency: "db"}
	assert.Equal(t, reliability.BreakerOpen, f.breaker.State(key))

	f.clock.Advance(time.Second)
	lease := f.next(t)
	assert.Equal(t, OutcomeNacked, f.proc.Process(ctx, lease))
	assert.Equal(t, 1, lease.Task.RetryCount, "熔断期间不消耗重试次数")
	assert.Len(t, lease.Task.Attempts, 1)
	assert.Equal(t, 1, f.callCount("X"))
}

func TestProcessor_CooperativeCancellation(t *testing.T) {
	f := newFixture(t)
	var execID string
	f.register("t", func(ctx context.Context, _ types.NodeSpec, _ map[string]any, ectx *registry.ExecContext) (map[string]any, error) {
		if _, err := f.nodes.Cancel(ctx, execID); err != nil {
			return nil, err
		}
		return nil, ectx.CheckCancelled()
	})
	f.build()
	exec := f.start(t, linear())
	execID = exec.ExecutionID

	assert.Equal(t, OutcomeCancelled, f.proc.Process(context.Background(), f.next(t)))
	assert.Equal(t, types.ExecutionCancelled, f.execution(t, exec.ExecutionID).Status)
	assert.Equal(t, types.NodeCancelled, f.record(t, exec.ExecutionID, "A").Status)

	n, err := f.dlq.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "取消不进入死信队列")
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Depth(), "取消后不再派发新任务")
}

func TestProcessor_UnknownNodeTypeDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.build()
	exec := f.start(t, &types.WorkflowSnapshot{WorkflowID: "u", Nodes: []types.NodeSpec{{ID: "X", Type: "missing", MaxRetries: 3}}})

	assert.Equal(t, OutcomeDeadLettered, f.proc.Process(context.Background(), f.next(t)))
	entries, err := f.dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ErrorKindValidation, entries[0].ErrorKind)
	assert.Empty(t, entries[0].AttemptHistory)
	assert.Equal(t, types.ExecutionFailed, f.execution(t, exec.ExecutionID).Status)
}

func TestProcessor_SkipOnFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.register("t", ok)
	f.register("optional", func(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
		return nil, errors.New("可选步骤失败")
	})
	f.build()
	snapshot := linear()
	snapshot.Nodes[1] = types.NodeSpec{ID: "B", Type: "optional", SkipOnFailure: true, MaxRetries: 1}
	exec := f.start(t, snapshot)

	f.runAll(t)
	f.clock.Advance(time.Second)
	f.runAll(t)
	assert.Equal(t, types.NodeSkipped, f.record(t, exec.ExecutionID, "B").Status)
	assert.Equal(t, 1, f.callCount("C"))
	assert.Equal(t, types.ExecutionSuccess, f.execution(t, exec.ExecutionID).Status)
}

func TestProcessor_WorkflowLevelRetryResumesFromCompletedNodes(t *testing.T) {
	f := newFixture(t)
	f.register("t", ok)
	failures := 1
	f.register("once", func(context.Context, types.NodeSpec, map[string]any, *registry.ExecContext) (map[string]any, error) {
		if failures > 0 {
			failures--
			return nil, types.NewTransientError("暂时失败", nil)
		}
		return map[string]any{"ok": true}, nil
	})
	f.build()
	hs := scheduler.NewHybridScheduler(scheduler.HybridConfig{ForceMode: types.ModeWorkflowLevel}, f.nodes, f.registry)
	snapshot := linear()
	snapshot.Nodes[1].Type = "once"
	exec, err := hs.Submit(context.Background(), snapshot)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNacked, f.proc.Process(context.Background(), f.next(t)))
	f.clock.Advance(time.Second)
	assert.Equal(t, OutcomeAcked, f.proc.Process(context.Background(), f.next(t)))

	assert.Equal(t, 1, f.callCount("A"), "重试时跳过已完成的节点")
	assert.Equal(t, 2, f.callCount("B"))
	assert.Equal(t, types.ExecutionSuccess, f.execution(t, exec.ExecutionID).Status)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, types.NodeSuccess, f.record(t, exec.ExecutionID, id).Status)
	}
}

func TestProcessor_ShutdownAbandonsLease(t *testing.T) {
	f := newFixture(t)
	f.register("t", ok)
	f.build()
	f.start(t, linear())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, OutcomeAbandoned, f.proc.Process(ctx, f.next(t)))
	assert.Empty(t, f.calls)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "dead_lettered", OutcomeDeadLettered.String())
	assert.Equal(t, "deferred", OutcomeDeferred.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
