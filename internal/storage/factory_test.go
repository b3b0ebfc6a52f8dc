package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/config"
	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/janitor"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/storage/redisstore"
	"github.com/LENAX/node-engine/pkg/storage/sqlstore"
)

func roundTrip(t *testing.T, b *Backends) {
	t.Helper()
	ctx := context.Background()
	exec := types.NewExecution("wf", types.ModeWorkflowLevel, types.PayloadRef{}, 1)
	require.NoError(t, b.Store.CreateExecution(ctx, exec))

	task := types.NewWorkflowTask(exec.ExecutionID, exec.WorkflowID, types.PayloadRef{Inline: []byte("{}")})
	_, err := b.Queue.Enqueue(ctx, task)
	require.NoError(t, err)
	stats, err := b.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready)

	ref, err := b.Blob.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	data, err := b.Blob.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestOpen_MemoryDefaults(t *testing.T) {
	b, err := Open(context.Background(), config.Default())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.DB)
	assert.Nil(t, b.Redis)
	assert.IsType(t, &queue.MemoryQueue{}, b.Queue)
	assert.IsType(t, &blob.MemoryStore{}, b.Blob)
	assert.IsType(t, &reliability.MemoryDLQ{}, b.DLQ)
	assert.IsType(t, janitor.AlwaysLeader{}, b.Elector)
	assert.IsType(t, &queue.ChannelNotifier{}, b.Notifier)
	roundTrip(t, b)
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.NodeEngine.Storage.Database.Type = "sqlite"
	cfg.NodeEngine.Storage.Database.DSN = filepath.Join(t.TempDir(), "engine.db")
	cfg.NodeEngine.Storage.ColdBackend = "sql"
	cfg.NodeEngine.Storage.Blob.Type = "sql"
	cfg.NodeEngine.Queue.Backend = "sql"
	cfg.NodeEngine.Queue.Notify = "none"
	cfg.NodeEngine.Janitor.Leader.Backend = "sql"
	require.NoError(t, cfg.Validate())

	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.DB)
	assert.IsType(t, &sqlstore.Queue{}, b.Queue)
	assert.IsType(t, &sqlstore.BlobStore{}, b.Blob)
	assert.IsType(t, &sqlstore.DeadLetterQueue{}, b.DLQ)
	assert.Nil(t, b.Notifier)

	lock, ok := b.Elector.(*sqlstore.Lock)
	require.True(t, ok)
	leader, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, leader)
	roundTrip(t, b)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := config.Default()
	cfg.NodeEngine.Storage.Redis.URL = "redis://" + mr.Addr()
	cfg.NodeEngine.Storage.HotBackend = "redis"
	cfg.NodeEngine.Queue.Backend = "redis"
	cfg.NodeEngine.Janitor.Leader.Backend = "redis"
	require.NoError(t, cfg.Validate())

	b, err := Open(context.Background(), cfg, WithRedisClient(client))
	require.NoError(t, err)

	assert.IsType(t, &redisstore.Queue{}, b.Queue)
	assert.IsType(t, &redisstore.HotStore{}, b.Store.HotStore)
	assert.IsType(t, &redisstore.Lock{}, b.Elector)
	roundTrip(t, b)
	require.NoError(t, b.Close())
	assert.NoError(t, client.Ping(context.Background()).Err(), "外部注入的客户端不应被关闭")
}

func TestNewDialect(t *testing.T) {
	for _, name := range []string{"sqlite", "mysql", "postgres", "postgresql"} {
		d, err := NewDialect(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, d.DriverName())
	}
	_, err := NewDialect("oracle")
	assert.Error(t, err)
}

func TestOpen_BadDatabaseClosesPartialBackends(t *testing.T) {
	cfg := config.Default()
	cfg.NodeEngine.Storage.Database.Type = "oracle"
	cfg.NodeEngine.Storage.Database.DSN = "x"
	cfg.NodeEngine.Storage.ColdBackend = "sql"
	var (
		b   *Backends
		err error
	)
	require.NotPanics(t, func() { b, err = Open(context.Background(), cfg) })
	assert.Error(t, err)
	assert.Nil(t, b)
}

func TestOpen_LateFailureReleasesOpenedDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.NodeEngine.Storage.Database.Type = "sqlite"
	cfg.NodeEngine.Storage.Database.DSN = filepath.Join(t.TempDir(), "engine.db")
	cfg.NodeEngine.Storage.ColdBackend = "sql"
	cfg.NodeEngine.Queue.Notify = "memory"
	cfg.NodeEngine.Storage.Blob.Type = "s3"
	cfg.NodeEngine.Storage.Blob.S3.Bucket = ""

	var err error
	require.NotPanics(t, func() { _, err = Open(context.Background(), cfg) })
	require.Error(t, err, "缺少bucket时应返回错误")

	f := &factory{now: time.Now}
	partial := &Backends{}
	require.Error(t, f.open(context.Background(), partial, cfg))
	require.NotNil(t, partial.DB, "数据库应在失败前已经打开")
	require.NotNil(t, partial.Notifier)

	require.NoError(t, partial.Close())
	assert.Error(t, partial.DB.PingContext(context.Background()), "失败后数据库连接应已释放")
}
