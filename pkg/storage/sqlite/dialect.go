// Package sqlite SQLite方言与驱动注册（对外导出）
package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/LENAX/node-engine/pkg/storage"
)

// SQLiteDialect SQLite方言实现（对外导出）
type SQLiteDialect struct{}

// NewSQLiteDialect 创建SQLite方言实例
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name 返回方言名称
func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

// DriverName 返回驱动名
func (d *SQLiteDialect) DriverName() string {
	return "sqlite3"
}

// PrepareDSN SQLite的DSN即文件路径
func (d *SQLiteDialect) PrepareDSN(dsn string) (string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("sqlite DSN不能为空")
	}
	return dsn, nil
}

// UpsertSQL 返回SQLite的UPSERT语句（SQLite 3.24+ 支持 ON CONFLICT）
func (d *SQLiteDialect) UpsertSQL(tableName string, columns []string, conflictColumns []string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		storage.Placeholders(len(columns)),
		strings.Join(conflictColumns, ", "),
		strings.Join(updateParts, ", "),
	)
}

// InsertIgnoreSQL 返回冲突时忽略的INSERT语句
func (d *SQLiteDialect) InsertIgnoreSQL(tableName string, columns []string, _ []string) string {
	return fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		storage.Placeholders(len(columns)),
	)
}

// CreateTableSQL 返回创建表的DDL（SQLite原样返回）
func (d *SQLiteDialect) CreateTableSQL(schema string) string {
	return schema
}

// CreateIndexSQL 返回建索引语句
func (d *SQLiteDialect) CreateIndexSQL(indexName, tableName string, columns []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, strings.Join(columns, ", "))
}

// IsIgnorableSchemaError SQLite使用IF NOT EXISTS，无需忽略
func (d *SQLiteDialect) IsIgnorableSchemaError(error) bool {
	return false
}

// ConfigureDB 返回SQLite配置SQL
func (d *SQLiteDialect) ConfigureDB() []string {
	return []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
	}
}

// SkipLockedClause SQLite单写者，无需行锁
func (d *SQLiteDialect) SkipLockedClause() string {
	return ""
}

// SingleWriter SQLite只允许一个写连接
func (d *SQLiteDialect) SingleWriter() bool {
	return true
}

// TextType 返回SQLite文本类型
func (d *SQLiteDialect) TextType() string {
	return "TEXT"
}

// BlobType 返回SQLite二进制类型
func (d *SQLiteDialect) BlobType() string {
	return "BLOB"
}

// IsBusy 是否为锁竞争错误（可重试）
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// 确保实现接口
var _ storage.Dialect = (*SQLiteDialect)(nil)
