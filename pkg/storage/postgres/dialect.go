// Package postgres PostgreSQL方言、驱动注册与LISTEN/NOTIFY提示（对外导出）
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/LENAX/node-engine/pkg/storage"
)

// 重复对象的错误码
const errDuplicateObject = "42P07"

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// PrepareDSN URL形式的DSN转换为key=value形式
func (d *PostgresDialect) PrepareDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return pq.ParseURL(dsn)
	}
	if strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("postgres DSN不能为空")
	}
	return dsn, nil
}

// UpsertSQL 返回PostgreSQL的UPSERT语句（使用ON CONFLICT DO UPDATE）
func (d *PostgresDialect) UpsertSQL(tableName string, columns []string, conflictColumns []string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
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
func (d *PostgresDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumns []string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		tableName,
		strings.Join(columns, ", "),
		storage.Placeholders(len(columns)),
		strings.Join(conflictColumns, ", "),
	)
}

// CreateTableSQL 转换DDL为PostgreSQL兼容格式
func (d *PostgresDialect) CreateTableSQL(schema string) string {
	return strings.ReplaceAll(schema, "DATETIME", "TIMESTAMP")
}

// CreateIndexSQL 返回建索引语句
func (d *PostgresDialect) CreateIndexSQL(indexName, tableName string, columns []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, strings.Join(columns, ", "))
}

// IsIgnorableSchemaError 并发建表时的重复对象错误
func (d *PostgresDialect) IsIgnorableSchemaError(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == errDuplicateObject
}

// ConfigureDB 返回PostgreSQL配置SQL
func (d *PostgresDialect) ConfigureDB() []string {
	return []string{
		"SET timezone = 'UTC';",
	}
}

// SkipLockedClause PostgreSQL 9.5+ 支持SKIP LOCKED
func (d *PostgresDialect) SkipLockedClause() string {
	return " FOR UPDATE SKIP LOCKED"
}

// SingleWriter PostgreSQL支持并发写
func (d *PostgresDialect) SingleWriter() bool {
	return false
}

// TextType 返回PostgreSQL文本类型
func (d *PostgresDialect) TextType() string {
	return "TEXT"
}

// BlobType 返回PostgreSQL二进制类型
func (d *PostgresDialect) BlobType() string {
	return "BYTEA"
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)
