package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/types"
)

func TestNewDeadLetterEntry_CopiesContext(t *testing.T) {
	task := types.NewNodeTask("e1", "wf", types.NodeSpec{ID: "x", Type: "http", MaxRetries: 3}, types.PayloadRef{})
	task.RecordAttempt(types.AttemptRecord{Attempt: 1, Error: "超时"})
	task.RecordAttempt(types.AttemptRecord{Attempt: 2, Error: "超时"})

	entry := NewDeadLetterEntry(task, types.NewValidationError("负载格式错误", nil))
	assert.Equal(t, types.ErrorKindValidation, entry.ErrorKind)
	assert.Len(t, entry.AttemptHistory, 2)
	assert.Contains(t, entry.Error, "负载格式错误")

	// 修改原任务不影响死信条目
	task.RecordAttempt(types.AttemptRecord{Attempt: 3})
	assert.Len(t, entry.Task.Attempts, 2)
}

func TestMemoryDLQ(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryDLQ()

	older := NewDeadLetterEntry(types.NewWorkflowTask("e1", "wf", types.PayloadRef{}), errors.New("a"))
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := NewDeadLetterEntry(types.NewWorkflowTask("e2", "wf", types.PayloadRef{}), errors.New("b"))
	require.NoError(t, q.Put(ctx, older))
	require.NoError(t, q.Put(ctx, newer))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := q.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, newer.ID, list[0].ID)

	got, err := q.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.Task.ExecutionID)

	require.NoError(t, q.Delete(ctx, older.ID))
	require.NoError(t, q.Delete(ctx, older.ID))
	_, err = q.Get(ctx, older.ID)
	assert.ErrorIs(t, err, types.ErrDLQEntryNotFound)
}

type recordingEnqueuer struct {
	tasks []*types.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, task *types.Task) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.tasks = append(r.tasks, task)
	return task.ID, nil
}

func TestReplayer_ResetsRetriesAndRemovesEntry(t *testing.T) {
	ctx := context.Background()
	dlq := NewMemoryDLQ()
	task := types.NewNodeTask("e1", "wf", types.NodeSpec{ID: "x", Type: "http", MaxRetries: 3}, types.PayloadRef{})
	task.RetryCount = 3
	task.RecordAttempt(types.AttemptRecord{Attempt: 1})
	entry := NewDeadLetterEntry(task, errors.New("boom"))
	require.NoError(t, dlq.Put(ctx, entry))

	failing := &recordingEnqueuer{err: types.ErrExecutionTerminal}
	_, err := NewReplayer(dlq, failing).Replay(ctx, entry.ID)
	assert.ErrorIs(t, err, types.ErrExecutionTerminal)
	n, _ := dlq.Count(ctx)
	assert.Equal(t, 1, n, "入队失败时保留死信条目")

	q := &recordingEnqueuer{}
	replayed, err := NewReplayer(dlq, q).Replay(ctx, entry.ID)
	require.NoError(t, err)
	assert.Zero(t, replayed.RetryCount)
	assert.Empty(t, replayed.Attempts)
	require.Len(t, q.tasks, 1)
	n, _ = dlq.Count(ctx)
	assert.Zero(t, n)

	_, err = NewReplayer(dlq, q).Replay(ctx, entry.ID)
	assert.ErrorIs(t, err, types.ErrDLQEntryNotFound)
}
