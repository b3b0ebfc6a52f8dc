// Package mysql MySQL方言与驱动注册（对外导出）
package mysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/LENAX/node-engine/pkg/storage"
)

// 重复索引名的错误码
const errDupKeyName = 1061

// MySQLDialect MySQL方言实现（对外导出）
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// PrepareDSN 解析DSN并确保parseTime=true
// clientFoundRows使条件UPDATE按匹配行数返回RowsAffected
// dsn格式: user:password@tcp(host:port)/dbname
func (d *MySQLDialect) PrepareDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// UpsertSQL 返回MySQL的UPSERT语句（使用ON DUPLICATE KEY UPDATE）
func (d *MySQLDialect) UpsertSQL(tableName string, columns []string, _ []string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		tableName,
		strings.Join(columns, ", "),
		storage.Placeholders(len(columns)),
		strings.Join(updateParts, ", "),
	)
}

// InsertIgnoreSQL 返回冲突时忽略的INSERT语句
func (d *MySQLDialect) InsertIgnoreSQL(tableName string, columns []string, _ []string) string {
	return fmt.Sprintf(
		"INSERT IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		storage.Placeholders(len(columns)),
	)
}

// CreateTableSQL 转换DDL为MySQL兼容格式
func (d *MySQLDialect) CreateTableSQL(schema string) string {
	result := strings.TrimSpace(schema)
	if !strings.Contains(result, "ENGINE=") && strings.Contains(result, "CREATE TABLE") {
		result = strings.TrimRight(result, ";") + " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;"
	}
	return result
}

// CreateIndexSQL MySQL不支持IF NOT EXISTS，重复建索引的错误由IsIgnorableSchemaError忽略
func (d *MySQLDialect) CreateIndexSQL(indexName, tableName string, columns []string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", indexName, tableName, strings.Join(columns, ", "))
}

// IsIgnorableSchemaError 索引已存在
func (d *MySQLDialect) IsIgnorableSchemaError(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDupKeyName
}

// ConfigureDB 返回MySQL配置SQL
func (d *MySQLDialect) ConfigureDB() []string {
	return []string{
		"SET SESSION sql_mode='STRICT_TRANS_TABLES,NO_ZERO_IN_DATE,NO_ZERO_DATE,ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION';",
		"SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED;",
	}
}

// SkipLockedClause MySQL 8.0+ 支持SKIP LOCKED
func (d *MySQLDialect) SkipLockedClause() string {
	return " FOR UPDATE SKIP LOCKED"
}

// SingleWriter MySQL支持并发写
func (d *MySQLDialect) SingleWriter() bool {
	return false
}

// TextType 返回MySQL文本类型
func (d *MySQLDialect) TextType() string {
	return "LONGTEXT"
}

// BlobType 返回MySQL二进制类型
func (d *MySQLDialect) BlobType() string {
	return "LONGBLOB"
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
