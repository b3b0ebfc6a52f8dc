package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/storage"
	"github.com/LENAX/node-engine/pkg/storage/sqlite"
)

// newTestDB 为每个测试创建独立的临时SQLite数据库
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "node-engine.db")
	db, err := storage.Open(context.Background(), sqlite.NewSQLiteDialect(), dsn, storage.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
