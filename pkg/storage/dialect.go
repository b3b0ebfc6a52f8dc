// Package storage SQL后端的方言抽象与连接管理（对外导出）
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/node-engine/pkg/log"
)

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异，语句统一使用?占位符，执行前经过db.Rebind
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回database/sql驱动名
	DriverName() string

	// PrepareDSN 补全或校验DSN
	PrepareDSN(dsn string) (string, error)

	// UpsertSQL 返回INSERT或UPDATE的SQL语句
	// conflictColumns: 冲突判断列（通常是主键）
	// updateColumns: 冲突时需要更新的列
	UpsertSQL(tableName string, columns []string, conflictColumns []string, updateColumns []string) string

	// InsertIgnoreSQL 返回冲突时忽略的INSERT语句
	InsertIgnoreSQL(tableName string, columns []string, conflictColumns []string) string

	// CreateTableSQL 转换通用DDL为方言DDL
	CreateTableSQL(schema string) string

	// CreateIndexSQL 返回建索引语句
	CreateIndexSQL(indexName, tableName string, columns []string) string

	// IsIgnorableSchemaError 建表/建索引时可以忽略的错误（如索引已存在）
	IsIgnorableSchemaError(err error) bool

	// ConfigureDB 连接建立后需要执行的配置语句（如SQLite的PRAGMA）
	ConfigureDB() []string

	// SkipLockedClause 行级锁跳过已锁定行的子句，不支持时返回空字符串
	SkipLockedClause() string

	// SingleWriter 是否只允许单个写连接
	SingleWriter() bool

	// TextType 返回长文本类型
	TextType() string

	// BlobType 返回二进制类型
	BlobType() string
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 按方言打开数据库连接并执行初始化配置（对外导出）
func Open(ctx context.Context, d Dialect, dsn string, pool PoolConfig) (*sqlx.DB, error) {
	prepared, err := d.PrepareDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("DSN无效: %w", err)
	}
	db, err := sqlx.Open(d.DriverName(), prepared)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if d.SingleWriter() {
		db.SetMaxOpenConns(1)
	} else if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	for _, stmt := range d.ConfigureDB() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Warnf("⚠️ [Storage] 数据库配置语句执行失败: dialect=%s, sql=%s, err=%v", d.Name(), stmt, err)
		}
	}
	log.Infof("✅ [Storage] 数据库连接成功: dialect=%s", d.Name())
	return db, nil
}

// ApplySchema 依次执行建表与建索引语句，可忽略的错误跳过
func ApplySchema(ctx context.Context, db *sqlx.DB, d Dialect, statements []string) error {
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if d.IsIgnorableSchemaError(err) {
				continue
			}
			return fmt.Errorf("执行DDL失败: %w", err)
		}
	}
	return nil
}

// Placeholders 生成n个?占位符
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
