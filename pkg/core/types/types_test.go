package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_Monotonic(t *testing.T) {
	assert.True(t, ExecutionPending.CanTransitionTo(ExecutionRunning))
	assert.True(t, ExecutionPending.CanTransitionTo(ExecutionCancelled))
	assert.True(t, ExecutionRunning.CanTransitionTo(ExecutionSuccess))
	assert.False(t, ExecutionRunning.CanTransitionTo(ExecutionPending))

	// 终态不可再迁移
	for _, s := range []ExecutionStatus{ExecutionSuccess, ExecutionFailed, ExecutionCancelled} {
		for _, target := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled} {
			assert.False(t, s.CanTransitionTo(target), "%s -> %s 不应被允许", s, target)
		}
	}

	assert.ElementsMatch(t, []ExecutionStatus{ExecutionPending, ExecutionRunning}, ExecutionSourcesFor(ExecutionFailed))
	assert.ElementsMatch(t, []ExecutionStatus{ExecutionPending}, ExecutionSourcesFor(ExecutionRunning))
}

func TestExecution_ApplyTransition(t *testing.T) {
	exec := NewExecution("wf", ModeNodeLevel, PayloadRef{}, 3)
	now := time.Now()

	require.True(t, exec.ApplyTransition(ExecutionRunning, "", now))
	require.NotNil(t, exec.StartedAt)
	require.True(t, exec.ApplyTransition(ExecutionFailed, "节点失败", now.Add(time.Second)))
	require.NotNil(t, exec.EndedAt)
	assert.Equal(t, "节点失败", exec.Error)
	assert.False(t, exec.ApplyTransition(ExecutionSuccess, "", now))
	assert.Equal(t, ExecutionFailed, exec.Status)
}

func TestNodeStatus(t *testing.T) {
	assert.True(t, NodeSkipped.SatisfiesDependency())
	assert.True(t, NodeSuccess.SatisfiesDependency())
	assert.False(t, NodeFailed.SatisfiesDependency())
	assert.True(t, NodeCancelled.IsTerminal())
	assert.False(t, NodeRunning.IsTerminal())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{NewTransientError("网络抖动", nil), ErrorKindTransient},
		{fmt.Errorf("包装: %w", NewTransientError("锁竞争", nil)), ErrorKindTransient},
		{NewValidationError("负载格式错误", nil), ErrorKindValidation},
		{fmt.Errorf("http: %w", ErrUnknownNodeType), ErrorKindValidation},
		{NewExecutorError("http", "返回500", nil), ErrorKindExecutor},
		{errors.New("未知错误"), ErrorKindExecutor},
		{&DependencyUnsatisfiedError{NodeID: "b", WaitingOn: "a"}, ErrorKindDependencyUnsatisfied},
		{&CancellationRequestedError{ExecutionID: "e1"}, ErrorKindCancellation},
		{context.Canceled, ErrorKindCancellation},
		{context.DeadlineExceeded, ErrorKindTransient},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "错误: %v", c.err)
	}
	assert.Equal(t, ErrorKind(""), Classify(nil))
	assert.True(t, ErrorKindExecutor.Retryable())
	assert.False(t, ErrorKindValidation.Retryable())
}

func TestTask_CloneIsDeep(t *testing.T) {
	at := time.Now()
	task := NewNodeTask("e1", "wf", NodeSpec{ID: "a", Type: "noop", MaxRetries: 3}, PayloadRef{BlobKey: "snap"})
	task.ScheduledAt = &at
	task.Metadata = map[string]string{"k": "v"}
	task.Node.InputDataRefs = map[string]PayloadRef{"p": {BlobKey: "x"}}
	task.RecordAttempt(AttemptRecord{Attempt: 1, Error: "boom"})

	c := task.Clone()
	c.Metadata["k"] = "changed"
	c.Node.InputDataRefs["p"] = PayloadRef{BlobKey: "y"}
	c.Attempts[0].Error = "changed"
	*c.ScheduledAt = at.Add(time.Hour)

	assert.Equal(t, "v", task.Metadata["k"])
	assert.Equal(t, "x", task.Node.InputDataRefs["p"].BlobKey)
	assert.Equal(t, "boom", task.Attempts[0].Error)
	assert.Equal(t, at, *task.ScheduledAt)
	assert.Equal(t, "e1/a", task.ID)
}

func TestTask_JSONRoundTripKeepsHistory(t *testing.T) {
	task := NewNodeTask("e1", "wf", NodeSpec{ID: "a", Type: "noop"}, PayloadRef{Inline: []byte(`{"x":1}`)})
	task.RetryCount = 2
	task.RecordAttempt(AttemptRecord{Attempt: 1, Kind: ErrorKindTransient, Delay: time.Second})

	data, err := task.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalTask(data)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, time.Second, got.Attempts[0].Delay)
	assert.Equal(t, "a", got.NodeID())
}

func TestWorkflowSnapshot_Validate(t *testing.T) {
	ok := &WorkflowSnapshot{
		WorkflowID: "wf",
		Nodes:      []NodeSpec{{ID: "a", Type: "t"}, {ID: "b", Type: "t"}},
		Edges:      []Edge{{From: "a", To: "b"}},
	}
	require.NoError(t, ok.Validate())

	dup := &WorkflowSnapshot{WorkflowID: "wf", Nodes: []NodeSpec{{ID: "a", Type: "t"}, {ID: "a", Type: "t"}}}
	assert.Equal(t, ErrorKindValidation, Classify(dup.Validate()))

	dangling := &WorkflowSnapshot{WorkflowID: "wf", Nodes: []NodeSpec{{ID: "a", Type: "t"}}, Edges: []Edge{{From: "a", To: "x"}}}
	assert.Error(t, dangling.Validate())

	selfLoop := &WorkflowSnapshot{WorkflowID: "wf", Nodes: []NodeSpec{{ID: "a", Type: "t"}}, Edges: []Edge{{From: "a", To: "a"}}}
	assert.Error(t, selfLoop.Validate())
}

func TestWakeTaskID(t *testing.T) {
	base := NodeTaskID("exec-1", "B")
	first := WakeTaskID(base)
	assert.NotEqual(t, base, first, "唤醒后的任务ID必须与原投递不同")
	assert.True(t, strings.HasPrefix(first, base+"/wake-"))

	second := WakeTaskID(first)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(second, base+"/wake-"), "多次唤醒不应累积后缀")
	assert.Equal(t, len(first), len(second))
}
