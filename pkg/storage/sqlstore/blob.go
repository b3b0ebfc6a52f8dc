package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/node-engine/pkg/core/blob"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/storage"
)

// BlobStore 数据库表上的内容寻址Blob存储（对外导出）
type BlobStore struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// NewBlobStore 创建SQL Blob存储并初始化表结构
func NewBlobStore(ctx context.Context, db *sqlx.DB, dialect storage.Dialect) (*BlobStore, error) {
	if err := storage.ApplySchema(ctx, db, dialect, blobSchema(dialect)); err != nil {
		return nil, fmt.Errorf("初始化Blob表结构失败: %w", err)
	}
	return &BlobStore{db: db, dialect: dialect}, nil
}

// Put 写入数据，相同内容只保存一份
func (s *BlobStore) Put(ctx context.Context, data []byte) (string, error) {
	key := blob.ContentKey(data)
	query := s.db.Rebind(s.dialect.InsertIgnoreSQL(TableBlob, []string{"blob_key", "data", "size", "created_at"}, []string{"blob_key"}))
	if _, err := s.db.ExecContext(ctx, query, key, data, len(data), toMillis(time.Now())); err != nil {
		return "", types.NewTransientError("写入Blob失败", err)
	}
	return key, nil
}

// Get 不存在时返回ErrBlobNotFound
func (s *BlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	query := s.db.Rebind(fmt.Sprintf("SELECT data FROM %s WHERE blob_key = ?", TableBlob))
	if err := s.db.GetContext(ctx, &data, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrBlobNotFound, ref)
		}
		return nil, types.NewTransientError("读取Blob失败", err)
	}
	return data, nil
}

// Delete 删除，不存在时为空操作
func (s *BlobStore) Delete(ctx context.Context, ref string) error {
	query := s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE blob_key = ?", TableBlob))
	if _, err := s.db.ExecContext(ctx, query, ref); err != nil {
		return types.NewTransientError("删除Blob失败", err)
	}
	return nil
}

var _ blob.Store = (*BlobStore)(nil)
