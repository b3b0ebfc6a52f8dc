// Package storage 按配置组装调度引擎的存储后端（内部使用）
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/LENAX/node-engine/pkg/config"
	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/cache"
	"github.com/LENAX/node-engine/pkg/core/janitor"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
	"github.com/LENAX/node-engine/pkg/storage"
	"github.com/LENAX/node-engine/pkg/storage/mysql"
	"github.com/LENAX/node-engine/pkg/storage/postgres"
	"github.com/LENAX/node-engine/pkg/storage/redisstore"
	"github.com/LENAX/node-engine/pkg/storage/s3blob"
	"github.com/LENAX/node-engine/pkg/storage/sqlite"
	"github.com/LENAX/node-engine/pkg/storage/sqlstore"
)

// JanitorLockID 巡检选主使用的锁ID
const JanitorLockID = "node-engine-janitor"

// KeepAliver 支持后台续期的领导权锁
type KeepAliver interface {
	KeepAlive(ctx context.Context, interval time.Duration)
}

// Backends 一组已打开的存储后端，由Close统一释放（内部使用）
type Backends struct {
	DB       *sqlx.DB
	Dialect  storage.Dialect
	Redis    redis.UniversalClient
	Store    *store.ExecutionStore
	Queue    queue.TaskQueue
	Notifier queue.Notifier
	Blob     blob.Store
	DLQ      reliability.DeadLetterQueue
	Elector  janitor.LeaderElector

	closers []func() error
}

// Option 工厂选项
type Option func(*factory)

type factory struct {
	now   types.NowFunc
	redis redis.UniversalClient
}

// WithClock 注入时钟
func WithClock(now types.NowFunc) Option {
	return func(f *factory) { f.now = now }
}

// WithRedisClient 使用外部创建的Redis客户端，Close时不关闭它
func WithRedisClient(client redis.UniversalClient) Option {
	return func(f *factory) { f.redis = client }
}

// NewDialect 按数据库类型创建方言
func NewDialect(dbType string) (storage.Dialect, error) {
	switch dbType {
	case "sqlite":
		return sqlite.NewSQLiteDialect(), nil
	case "mysql":
		return mysql.NewMySQLDialect(), nil
	case "postgres", "postgresql":
		return postgres.NewPostgresDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// Open 按配置打开全部存储后端，任一步失败时释放已打开的资源
func Open(ctx context.Context, cfg *config.EngineConfig, opts ...Option) (*Backends, error) {
	f := &factory{now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	b := &Backends{}
	if err := f.open(ctx, b, cfg); err != nil {
		if cerr := b.Close(); cerr != nil {
			log.Warnf("⚠️ [Storage] 释放部分打开的存储后端失败: %v", cerr)
		}
		return nil, err
	}

	ne := &cfg.NodeEngine
	log.Infof("✅ [Storage] 存储后端就绪: hot=%s, cold=%s, queue=%s, blob=%s, leader=%s",
		ne.Storage.HotBackend, ne.Storage.ColdBackend, ne.Queue.Backend, ne.Storage.Blob.Type, ne.Janitor.Leader.Backend)
	return b, nil
}

// open 依次打开各后端，失败时b中保留已打开的部分
func (f *factory) open(ctx context.Context, b *Backends, cfg *config.EngineConfig) error {
	if err := f.openConnections(ctx, b, cfg); err != nil {
		return err
	}
	if err := f.openStore(ctx, b, cfg); err != nil {
		return err
	}
	if err := f.openNotifier(b, cfg); err != nil {
		return err
	}
	if err := f.openQueue(ctx, b, cfg); err != nil {
		return err
	}
	if err := f.openBlob(ctx, b, cfg.NodeEngine.Storage.Blob); err != nil {
		return err
	}
	if err := f.openDLQ(ctx, b); err != nil {
		return err
	}
	return f.openElector(ctx, b, cfg)
}

func usesSQL(cfg *config.EngineConfig) bool {
	ne := &cfg.NodeEngine
	return ne.Storage.ColdBackend == "sql" || ne.Storage.Blob.Type == "sql" || ne.Queue.Backend == "sql" ||
		ne.Janitor.Leader.Backend == "sql"
}

func usesRedis(cfg *config.EngineConfig) bool {
	ne := &cfg.NodeEngine
	return ne.Storage.HotBackend == "redis" || ne.Queue.Backend == "redis" || ne.Janitor.Leader.Backend == "redis"
}

func (f *factory) openConnections(ctx context.Context, b *Backends, cfg *config.EngineConfig) error {
	ne := &cfg.NodeEngine
	if usesSQL(cfg) {
		dialect, err := NewDialect(ne.Storage.Database.Type)
		if err != nil {
			return err
		}
		db, err := storage.Open(ctx, dialect, ne.Storage.Database.DSN, storage.PoolConfig{
			MaxOpenConns:    ne.Storage.Database.MaxOpenConns,
			MaxIdleConns:    ne.Storage.Database.MaxIdleConns,
			ConnMaxLifetime: ne.Storage.Database.ConnMaxLifetime,
			ConnMaxIdleTime: ne.Storage.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		b.DB, b.Dialect = db, dialect
		b.closers = append(b.closers, db.Close)
	}
	if usesRedis(cfg) {
		if f.redis != nil {
			b.Redis = f.redis
			return nil
		}
		client, err := redisstore.Open(ctx, ne.Storage.Redis.URL)
		if err != nil {
			return err
		}
		b.Redis = client
		b.closers = append(b.closers, client.Close)
	}
	return nil
}

func (f *factory) openStore(ctx context.Context, b *Backends, cfg *config.EngineConfig) error {
	ne := &cfg.NodeEngine
	var hot store.HotStore
	switch ne.Storage.HotBackend {
	case "redis":
		hot = redisstore.NewHotStore(b.Redis, ne.Storage.Redis.KeyPrefix, f.now)
	default:
		hot = store.NewMemoryHotStore(f.now)
	}

	var cold store.ColdStore
	switch ne.Storage.ColdBackend {
	case "sql":
		cs, err := sqlstore.NewColdStore(ctx, b.DB, b.Dialect)
		if err != nil {
			return err
		}
		cold = cs
	default:
		cold = store.NewMemoryColdStore()
	}

	opts := []store.Option{store.WithWriteRetry(3, 50*time.Millisecond)}
	if ne.Storage.Cache.Enabled {
		opts = append(opts, store.WithCache(cache.Options{
			DefaultTTL:    ne.Storage.Cache.DefaultTTL,
			CleanInterval: ne.Storage.Cache.CleanInterval,
			Now:           f.now,
		}))
	}
	b.Store = store.NewExecutionStore(hot, cold, opts...)
	return nil
}

func (f *factory) openNotifier(b *Backends, cfg *config.EngineConfig) error {
	ne := &cfg.NodeEngine
	switch ne.Queue.Notify {
	case "postgres":
		n, err := postgres.NewNotifier(b.DB, ne.Storage.Database.DSN)
		if err != nil {
			return err
		}
		b.Notifier = n
	case "memory":
		b.Notifier = queue.NewChannelNotifier()
	default:
		return nil
	}
	b.closers = append(b.closers, b.Notifier.Close)
	return nil
}

func (f *factory) openQueue(ctx context.Context, b *Backends, cfg *config.EngineConfig) error {
	opts := []queue.Option{queue.WithGate(b.Store), queue.WithClock(f.now)}
	if b.Notifier != nil {
		opts = append(opts, queue.WithNotifier(b.Notifier))
	}
	switch cfg.NodeEngine.Queue.Backend {
	case "sql":
		q, err := sqlstore.NewQueue(ctx, b.DB, b.Dialect, opts...)
		if err != nil {
			return err
		}
		b.Queue = q
	case "redis":
		b.Queue = redisstore.NewQueue(b.Redis, cfg.NodeEngine.Storage.Redis.KeyPrefix, opts...)
	default:
		b.Queue = queue.NewMemoryQueue(opts...)
	}
	return nil
}

func (f *factory) openBlob(ctx context.Context, b *Backends, cfg config.BlobConfig) error {
	switch cfg.Type {
	case "sql":
		s, err := sqlstore.NewBlobStore(ctx, b.DB, b.Dialect)
		if err != nil {
			return err
		}
		b.Blob = s
	case "s3":
		s, err := s3blob.New(ctx, s3blob.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			KeyPrefix:       cfg.S3.KeyPrefix,
		})
		if err != nil {
			return err
		}
		b.Blob = s
	default:
		b.Blob = blob.NewMemoryStore()
	}
	return nil
}

// openDLQ 有数据库时死信持久化到SQL，否则使用内存
func (f *factory) openDLQ(ctx context.Context, b *Backends) error {
	if b.DB == nil {
		b.DLQ = reliability.NewMemoryDLQ()
		return nil
	}
	q, err := sqlstore.NewDeadLetterQueue(ctx, b.DB, b.Dialect)
	if err != nil {
		return err
	}
	b.DLQ = q
	return nil
}

func (f *factory) openElector(ctx context.Context, b *Backends, cfg *config.EngineConfig) error {
	ne := &cfg.NodeEngine
	holder := fmt.Sprintf("%s-%s", ne.General.InstanceName, uuid.NewString()[:8])
	switch ne.Janitor.Leader.Backend {
	case "sql":
		l, err := sqlstore.NewLock(ctx, b.DB, b.Dialect, JanitorLockID, holder, ne.Janitor.Leader.TTL, sqlstore.WithLockClock(f.now))
		if err != nil {
			return err
		}
		b.Elector = l
	case "redis":
		b.Elector = redisstore.NewLock(b.Redis, ne.Storage.Redis.KeyPrefix, JanitorLockID, holder, ne.Janitor.Leader.TTL)
	default:
		b.Elector = janitor.AlwaysLeader{}
	}
	return nil
}

// Close 按打开的逆序释放资源
func (b *Backends) Close() error {
	var errs []error
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := b.Queue.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
