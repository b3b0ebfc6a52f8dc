package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/types"
)

func echo(_ context.Context, spec types.NodeSpec, inputs map[string]any, _ *ExecContext) (map[string]any, error) {
	return map[string]any{"node": spec.ID, "inputs": len(inputs)}, nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterFunc("echo", echo))
	assert.Error(t, r.RegisterFunc("echo", echo), "重复注册应报错")
	assert.Error(t, r.Register("", ExecutorFunc(echo)))

	exec, err := r.Resolve("echo")
	require.NoError(t, err)
	out, err := exec.Execute(context.Background(), types.NodeSpec{ID: "a"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", out["node"])

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, types.ErrUnknownNodeType)
	assert.Equal(t, types.ErrorKindValidation, types.Classify(err))

	assert.Equal(t, []string{"echo"}, r.Types())
}

func TestRegistry_SnapshotIsFrozen(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterFunc("echo", echo))
	snap := r.Snapshot()

	require.NoError(t, r.RegisterFunc("later", echo))
	assert.False(t, snap.Has("later"), "快照不受后续注册影响")
	assert.Error(t, snap.RegisterFunc("x", echo))

	err := snap.ValidateSnapshot(&types.WorkflowSnapshot{WorkflowID: "wf", Nodes: []types.NodeSpec{{ID: "a", Type: "later"}}})
	assert.ErrorIs(t, err, types.ErrUnknownNodeType)
}

func TestExecContext_CancelCheckIsThrottled(t *testing.T) {
	var calls atomic.Int32
	cancelled := atomic.Bool{}
	check := func(context.Context) (bool, error) {
		calls.Add(1)
		return cancelled.Load(), nil
	}
	task := types.NewNodeTask("e1", "wf", types.NodeSpec{ID: "a", Type: "echo", Config: map[string]any{"n": float64(3), "on": "yes"}}, types.PayloadRef{})
	ectx := NewExecContext(context.Background(), task, types.NodeSpec{ID: "a", Type: "echo", Config: map[string]any{"n": float64(3), "on": "yes"}},
		WithCancelCheck(check, time.Hour))

	assert.False(t, ectx.IsCancelled())
	assert.False(t, ectx.IsCancelled())
	assert.Equal(t, int32(1), calls.Load(), "检查间隔内复用结果")
	assert.Equal(t, 1, ectx.Attempt)

	n, err := ectx.GetParamInt("n")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	on, err := ectx.GetParamBool("on")
	require.NoError(t, err)
	assert.True(t, on)
	_, err = ectx.GetParamInt("missing")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := NewExecContext(ctx, task, types.NodeSpec{ID: "a"})
	assert.True(t, done.IsCancelled())
	assert.Equal(t, types.ErrorKindCancellation, types.Classify(done.CheckCancelled()))
}

func TestContextHelpers(t *testing.T) {
	task := types.NewNodeTask("e1", "wf", types.NodeSpec{ID: "a", Type: "echo"}, types.PayloadRef{})
	ectx := NewExecContext(context.Background(), task, types.NodeSpec{ID: "a", Type: "echo"})
	ctx := WithExecContext(context.Background(), ectx)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, ectx, got)
	assert.Equal(t, "e1", GetExecutionID(ctx))
	assert.Equal(t, "a", GetNodeID(ctx))
	assert.Equal(t, "", GetNodeID(context.Background()))
}

func diamond() *types.WorkflowSnapshot {
	return &types.WorkflowSnapshot{
		WorkflowID: "wf",
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "echo"}, {ID: "b", Type: "echo"}, {ID: "c", Type: "flaky"}, {ID: "d", Type: "echo"},
		},
		Edges: []types.Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
	}
}

func TestSequentialExecutor_RunsInTopologicalOrder(t *testing.T) {
	r := New()
	var order []string
	record := func(_ context.Context, spec types.NodeSpec, inputs map[string]any, _ *ExecContext) (map[string]any, error) {
		order = append(order, spec.ID)
		return map[string]any{"inputs": len(inputs)}, nil
	}
	require.NoError(t, r.RegisterFunc("echo", record))
	require.NoError(t, r.RegisterFunc("flaky", record))

	runs := map[string]NodeRun{}
	run := &WorkflowRun{
		Snapshot: diamond(),
		OnNode: func(_ context.Context, nr NodeRun) error {
			runs[nr.NodeID] = nr
			return nil
		},
	}
	task := types.NewWorkflowTask("e1", "wf", types.PayloadRef{})
	err := r.WorkflowExecutor().ExecuteWorkflow(context.Background(), r, run, NewExecContext(context.Background(), task, types.NodeSpec{}))
	require.NoError(t, err)

	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
	assert.Len(t, runs, 4)
	assert.Equal(t, 2, runs["d"].Output["inputs"], "汇合节点拿到两个前驱的输出")
}

func TestSequentialExecutor_FailureAndResume(t *testing.T) {
	r := New()
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	require.NoError(t, r.RegisterFunc("echo", func(_ context.Context, spec types.NodeSpec, _ map[string]any, _ *ExecContext) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"id": spec.ID}, nil
	}))
	require.NoError(t, r.RegisterFunc("flaky", func(context.Context, types.NodeSpec, map[string]any, *ExecContext) (map[string]any, error) {
		if fail.Load() {
			return nil, errors.New("下游不可用")
		}
		return map[string]any{}, nil
	}))

	completed := map[string]types.NodeStatus{}
	outputs := map[string]map[string]any{}
	run := func() error {
		return r.WorkflowExecutor().ExecuteWorkflow(context.Background(), r, &WorkflowRun{
			Snapshot:  diamond(),
			Completed: completed,
			Outputs:   outputs,
			OnNode: func(_ context.Context, nr NodeRun) error {
				completed[nr.NodeID] = nr.Status
				outputs[nr.NodeID] = nr.Output
				return nil
			},
		}, NewExecContext(context.Background(), types.NewWorkflowTask("e1", "wf", types.PayloadRef{}), types.NodeSpec{}))
	}

	err := run()
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindExecutor, types.Classify(err))
	assert.NotContains(t, completed, "d")

	fail.Store(false)
	before := calls.Load()
	require.NoError(t, run())
	assert.Equal(t, types.NodeSuccess, completed["d"])
	assert.Equal(t, before+1, calls.Load(), "重试时只执行未完成的节点")
}

func TestSequentialExecutor_SkipOnFailure(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterFunc("echo", echo))
	require.NoError(t, r.RegisterFunc("flaky", func(context.Context, types.NodeSpec, map[string]any, *ExecContext) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	snap := diamond()
	snap.Nodes[2].SkipOnFailure = true

	statuses := map[string]types.NodeStatus{}
	err := r.WorkflowExecutor().ExecuteWorkflow(context.Background(), r, &WorkflowRun{
		Snapshot: snap,
		OnNode: func(_ context.Context, nr NodeRun) error {
			statuses[nr.NodeID] = nr.Status
			return nil
		},
	}, NewExecContext(context.Background(), types.NewWorkflowTask("e1", "wf", types.PayloadRef{}), types.NodeSpec{}))
	require.NoError(t, err)
	assert.Equal(t, types.NodeSkipped, statuses["c"])
	assert.Equal(t, types.NodeSuccess, statuses["d"])
}
