package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/storage"
	"github.com/LENAX/node-engine/pkg/storage/dao"
)

var deadLetterColumns = []string{"id", "task_id", "execution_id", "error_kind", "error_message", "body", "created_at"}

// DeadLetterQueue 持久化死信队列（对外导出）
type DeadLetterQueue struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// NewDeadLetterQueue 创建SQL死信队列并初始化表结构
func NewDeadLetterQueue(ctx context.Context, db *sqlx.DB, dialect storage.Dialect) (*DeadLetterQueue, error) {
	if err := storage.ApplySchema(ctx, db, dialect, deadLetterSchema(dialect)); err != nil {
		return nil, fmt.Errorf("初始化死信表结构失败: %w", err)
	}
	return &DeadLetterQueue{db: db, dialect: dialect}, nil
}

// Put 写入死信条目，同ID重复写入为空操作
func (q *DeadLetterQueue) Put(ctx context.Context, entry *reliability.DeadLetterEntry) error {
	body, err := entry.Marshal()
	if err != nil {
		return types.NewValidationError("序列化死信失败", err)
	}
	row := dao.DeadLetterDAO{
		ID:           entry.ID,
		ErrorKind:    string(entry.ErrorKind),
		ErrorMessage: entry.Error,
		Body:         string(body),
		CreatedAt:    toMillis(entry.CreatedAt),
	}
	if entry.Task != nil {
		row.TaskID = entry.Task.ID
		row.ExecutionID = entry.Task.ExecutionID
	}
	query := q.db.Rebind(q.dialect.InsertIgnoreSQL(TableDeadLetter, deadLetterColumns, []string{"id"}))
	if _, err := q.db.ExecContext(ctx, query,
		row.ID, row.TaskID, row.ExecutionID, row.ErrorKind, row.ErrorMessage, row.Body, row.CreatedAt); err != nil {
		return types.NewTransientError("写入死信失败", err)
	}
	return nil
}

func entryFromDAO(row *dao.DeadLetterDAO) (*reliability.DeadLetterEntry, error) {
	var entry reliability.DeadLetterEntry
	if err := json.Unmarshal([]byte(row.Body), &entry); err != nil {
		return nil, fmt.Errorf("解析死信 %s 失败: %w", row.ID, err)
	}
	return &entry, nil
}

// Get 不存在时返回ErrDLQEntryNotFound
func (q *DeadLetterQueue) Get(ctx context.Context, id string) (*reliability.DeadLetterEntry, error) {
	var row dao.DeadLetterDAO
	query := q.db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE id = ?", TableDeadLetter))
	if err := q.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrDLQEntryNotFound
		}
		return nil, types.NewTransientError("查询死信失败", err)
	}
	return entryFromDAO(&row)
}

// List 按创建时间倒序列出
func (q *DeadLetterQueue) List(ctx context.Context, limit int) ([]*reliability.DeadLetterEntry, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY created_at DESC, id", TableDeadLetter)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []dao.DeadLetterDAO
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(query), args...); err != nil {
		return nil, types.NewTransientError("查询死信失败", err)
	}
	out := make([]*reliability.DeadLetterEntry, 0, len(rows))
	for i := range rows {
		entry, err := entryFromDAO(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Delete 删除死信条目，不存在时为空操作
func (q *DeadLetterQueue) Delete(ctx context.Context, id string) error {
	query := q.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", TableDeadLetter))
	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return types.NewTransientError("删除死信失败", err)
	}
	return nil
}

// Count 条目数量
func (q *DeadLetterQueue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", TableDeadLetter)); err != nil {
		return 0, types.NewTransientError("统计死信失败", err)
	}
	return n, nil
}

var _ reliability.DeadLetterQueue = (*DeadLetterQueue)(nil)
