// Package sqlstore 关系型数据库上的任务队列、冷存储、死信队列、Blob与分布式锁（对外导出）
// 所有时间字段为毫秒时间戳，由注入的时钟写入，不依赖数据库时间
package sqlstore

import (
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/storage"
)

// 表名
const (
	TableTaskQueue  = "ne_task_queue"
	TableExecution  = "ne_execution"
	TableNodeResult = "ne_node_result"
	TableDeadLetter = "ne_dead_letter"
	TableBlob       = "ne_blob"
	TableLock       = "ne_distributed_lock"
)

func queueSchema(d storage.Dialect) []string {
	return []string{
		d.CreateTableSQL(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR(255) NOT NULL PRIMARY KEY,
		execution_id VARCHAR(128) NOT NULL,
		task_type VARCHAR(32) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		body %s NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		visible_at BIGINT NOT NULL,
		lease_token VARCHAR(64) NOT NULL DEFAULT '',
		lease_expires_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	);`, TableTaskQueue, d.TextType())),
		d.CreateIndexSQL("idx_ne_task_queue_visible", TableTaskQueue, []string{"visible_at", "priority"}),
		d.CreateIndexSQL("idx_ne_task_queue_execution", TableTaskQueue, []string{"execution_id"}),
	}
}

func coldSchema(d storage.Dialect) []string {
	return []string{
		d.CreateTableSQL(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		execution_id VARCHAR(128) NOT NULL PRIMARY KEY,
		workflow_id VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		mode VARCHAR(32) NOT NULL,
		snapshot_ref %s NOT NULL,
		node_count INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		error_message %s NOT NULL,
		resumed_from VARCHAR(128) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		started_at BIGINT NOT NULL DEFAULT 0,
		ended_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	);`, TableExecution, d.TextType(), d.TextType())),
		d.CreateIndexSQL("idx_ne_execution_workflow", TableExecution, []string{"workflow_id"}),
		d.CreateIndexSQL("idx_ne_execution_ended", TableExecution, []string{"ended_at"}),
		d.CreateTableSQL(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		execution_id VARCHAR(128) NOT NULL,
		node_id VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		output_ref %s NOT NULL,
		error_message %s NOT NULL,
		attempt_history %s NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (execution_id, node_id)
	);`, TableNodeResult, d.TextType(), d.TextType(), d.TextType())),
	}
}

func deadLetterSchema(d storage.Dialect) []string {
	return []string{
		d.CreateTableSQL(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		task_id VARCHAR(255) NOT NULL,
		execution_id VARCHAR(128) NOT NULL,
		error_kind VARCHAR(64) NOT NULL,
		error_message %s NOT NULL,
		body %s NOT NULL,
		created_at BIGINT NOT NULL
	);`, TableDeadLetter, d.TextType(), d.TextType())),
		d.CreateIndexSQL("idx_ne_dead_letter_created", TableDeadLetter, []string{"created_at"}),
	}
}

func blobSchema(d storage.Dialect) []string {
	return []string{
		d.CreateTableSQL(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		blob_key VARCHAR(128) NOT NULL PRIMARY KEY,
		data %s NOT NULL,
		size BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);`, TableBlob, d.BlobType())),
	}
}

func lockSchema(d storage.Dialect) []string {
	return []string{
		d.CreateTableSQL(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		lock_id VARCHAR(128) NOT NULL PRIMARY KEY,
		holder VARCHAR(255) NOT NULL,
		token BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`, TableLock)),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
