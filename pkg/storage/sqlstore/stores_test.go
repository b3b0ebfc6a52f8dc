package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/storage/sqlite"
)

func TestColdStore_ArchiveAndRead(t *testing.T) {
	ctx := context.Background()
	cold, err := NewColdStore(ctx, newTestDB(t), sqlite.NewSQLiteDialect())
	require.NoError(t, err)

	started := time.UnixMilli(1_700_000_000_000)
	ended := started.Add(time.Minute)
	exec := &types.Execution{
		ExecutionID: "e1", WorkflowID: "wf", Status: types.ExecutionFailed, Mode: types.ModeNodeLevel,
		SnapshotRef: types.PayloadRef{BlobKey: "sha256/abc"}, NodeCount: 3, CancelRequested: true,
		Error: "节点B失败", CreatedAt: started, StartedAt: &started, EndedAt: &ended, UpdatedAt: ended,
	}
	require.NoError(t, cold.ArchiveExecution(ctx, exec))
	exec.Error = "覆盖写入"
	require.NoError(t, cold.ArchiveExecution(ctx, exec), "重复归档为覆盖")

	got, err := cold.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, got.Status)
	assert.Equal(t, "sha256/abc", got.SnapshotRef.BlobKey)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, "覆盖写入", got.Error)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))

	_, err = cold.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)

	rec := &types.NodeResultRecord{
		ExecutionID: "e1", NodeID: "B", Status: types.NodeFailed, Error: "boom",
		OutputRef:      types.PayloadRef{Inline: []byte(`{"n":1}`)},
		AttemptHistory: []types.AttemptRecord{{Attempt: 1, Error: "boom", Kind: types.ErrorKindExecutor, Delay: time.Second}},
		UpdatedAt:      ended,
	}
	require.NoError(t, cold.ArchiveNodeResult(ctx, rec))
	require.NoError(t, cold.ArchiveNodeResult(ctx, &types.NodeResultRecord{ExecutionID: "e1", NodeID: "A", Status: types.NodeSuccess, UpdatedAt: ended}))

	one, err := cold.GetNodeResult(ctx, "e1", "B")
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.JSONEq(t, `{"n":1}`, string(one.OutputRef.Inline))
	require.Len(t, one.AttemptHistory, 1)
	assert.Equal(t, time.Second, one.AttemptHistory[0].Delay)

	none, err := cold.GetNodeResult(ctx, "e1", "Z")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := cold.ListNodeResults(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].NodeID)
	assert.Nil(t, all[0].AttemptHistory)
}

func TestColdStore_PurgeBefore(t *testing.T) {
	ctx := context.Background()
	cold, err := NewColdStore(ctx, newTestDB(t), sqlite.NewSQLiteDialect())
	require.NoError(t, err)

	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"old", "new"} {
		ended := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, cold.ArchiveExecution(ctx, &types.Execution{
			ExecutionID: id, WorkflowID: "wf", Status: types.ExecutionSuccess, Mode: types.ModeWorkflowLevel,
			CreatedAt: base, EndedAt: &ended, UpdatedAt: ended,
		}))
		require.NoError(t, cold.ArchiveNodeResult(ctx, &types.NodeResultRecord{ExecutionID: id, NodeID: "A", Status: types.NodeSuccess, UpdatedAt: ended}))
	}

	n, err := cold.PurgeBefore(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = cold.GetExecution(ctx, "old")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)
	recs, err := cold.ListNodeResults(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, recs, "节点结果一并删除")
	_, err = cold.GetExecution(ctx, "new")
	assert.NoError(t, err)
}

func TestDeadLetterQueue_CRUD(t *testing.T) {
	ctx := context.Background()
	dlq, err := NewDeadLetterQueue(ctx, newTestDB(t), sqlite.NewSQLiteDialect())
	require.NoError(t, err)

	task := types.NewWorkflowTask("e1", "wf", types.PayloadRef{})
	task.RecordAttempt(types.AttemptRecord{Attempt: 1, Error: "timeout", Kind: types.ErrorKindTransient})
	first := reliability.NewDeadLetterEntry(task, types.NewValidationError("参数错误", nil))
	first.CreatedAt = time.UnixMilli(1_000)
	second := reliability.NewDeadLetterEntry(task, errors.New("boom"))
	second.CreatedAt = time.UnixMilli(2_000)
	require.NoError(t, dlq.Put(ctx, first))
	require.NoError(t, dlq.Put(ctx, second))
	require.NoError(t, dlq.Put(ctx, second), "重复写入为空操作")

	n, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dlq.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ErrorKindValidation, got.ErrorKind)
	assert.Equal(t, task.ID, got.Task.ID)
	assert.Len(t, got.AttemptHistory, 1)

	list, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "按创建时间倒序")
	list, err = dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, dlq.Delete(ctx, first.ID))
	_, err = dlq.Get(ctx, first.ID)
	assert.ErrorIs(t, err, types.ErrDLQEntryNotFound)
}

func TestBlobStore_WithCodec(t *testing.T) {
	ctx := context.Background()
	store, err := NewBlobStore(ctx, newTestDB(t), sqlite.NewSQLiteDialect())
	require.NoError(t, err)

	codec := blob.NewCodec(store, 8)
	ref, err := codec.Encode(ctx, map[string]string{"payload": "larger than eight bytes"})
	require.NoError(t, err)
	require.True(t, ref.IsBlob(), "超过阈值写入Blob")

	again, err := store.Put(ctx, mustBytes(t, codec, ref))
	require.NoError(t, err)
	assert.Equal(t, ref.BlobKey, again, "内容寻址")

	var out map[string]string
	require.NoError(t, codec.Decode(ctx, ref, &out))
	assert.Equal(t, "larger than eight bytes", out["payload"])

	require.NoError(t, store.Delete(ctx, ref.BlobKey))
	_, err = store.Get(ctx, ref.BlobKey)
	assert.ErrorIs(t, err, types.ErrBlobNotFound)
}

func mustBytes(t *testing.T, codec *blob.Codec, ref types.PayloadRef) []byte {
	t.Helper()
	data, err := codec.Bytes(context.Background(), ref)
	require.NoError(t, err)
	return data
}

func TestLock_FencingToken(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	a, err := NewLock(ctx, db, sqlite.NewSQLiteDialect(), "janitor", "node-a", time.Minute, WithLockClock(clock))
	require.NoError(t, err)
	b, err := NewLock(ctx, db, sqlite.NewSQLiteDialect(), "janitor", "node-b", time.Minute, WithLockClock(clock))
	require.NoError(t, err)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), a.Token())

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "锁未过期时不能被抢占")

	now = now.Add(30 * time.Second)
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "持有者续期")
	assert.Equal(t, int64(1), a.Token(), "续期不改变令牌")

	now = now.Add(2 * time.Minute)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "过期后被接管")
	assert.Equal(t, int64(2), b.Token())

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "旧持有者失去领导权")

	require.NoError(t, b.Release(ctx))
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "释放后立即可获取")
	assert.Equal(t, int64(3), a.Token())
}

func TestColdStore_ErrorsAreTransient(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	cold := &ColdStore{db: sqlx.NewDb(raw, "sqlmock"), dialect: sqlite.NewSQLiteDialect()}

	mock.ExpectQuery("SELECT \\* FROM ne_execution").WillReturnError(errors.New("database is locked"))
	_, err = cold.GetExecution(context.Background(), "e1")
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindTransient, types.Classify(err))
	assert.NotErrorIs(t, err, types.ErrExecutionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
