package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
	"github.com/LENAX/node-engine/pkg/storage"
	"github.com/LENAX/node-engine/pkg/storage/dao"
)

var queueColumns = []string{
	"id", "execution_id", "task_type", "priority", "body",
	"retry_count", "visible_at", "lease_token", "lease_expires_at", "created_at",
}

// Queue 基于轮询与SKIP LOCKED的持久化任务队列（对外导出）
type Queue struct {
	db      *sqlx.DB
	dialect storage.Dialect
	opts    queue.Options
}

// NewQueue 创建SQL队列并初始化表结构
// db由调用方持有，Close不会关闭连接
func NewQueue(ctx context.Context, db *sqlx.DB, dialect storage.Dialect, opts ...queue.Option) (*Queue, error) {
	q := &Queue{db: db, dialect: dialect, opts: queue.BuildOptions(opts...)}
	if err := storage.ApplySchema(ctx, db, dialect, queueSchema(dialect)); err != nil {
		return nil, fmt.Errorf("初始化队列表结构失败: %w", err)
	}
	return q, nil
}

func (q *Queue) toDAO(task *types.Task, now time.Time) (*dao.QueuedTaskDAO, error) {
	body, err := task.Marshal()
	if err != nil {
		return nil, types.NewValidationError("序列化任务失败", err)
	}
	return &dao.QueuedTaskDAO{
		ID:          task.ID,
		ExecutionID: task.ExecutionID,
		TaskType:    string(task.Type),
		Priority:    task.Priority,
		Body:        string(body),
		RetryCount:  task.RetryCount,
		VisibleAt:   toMillis(queue.VisibleAt(task, now)),
		CreatedAt:   toMillis(now),
	}, nil
}

func (q *Queue) insert(ctx context.Context, ext sqlx.ExecerContext, row *dao.QueuedTaskDAO) error {
	query := q.db.Rebind(q.dialect.InsertIgnoreSQL(TableTaskQueue, queueColumns, []string{"id"}))
	_, err := ext.ExecContext(ctx, query,
		row.ID, row.ExecutionID, row.TaskType, row.Priority, row.Body,
		row.RetryCount, row.VisibleAt, row.LeaseToken, row.LeaseExpiresAt, row.CreatedAt)
	return err
}

// Enqueue 入队，同一任务ID已存在时为空操作
func (q *Queue) Enqueue(ctx context.Context, task *types.Task) (string, error) {
	if err := q.opts.CheckGate(ctx, task); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = types.NewID()
	}
	row, err := q.toDAO(task, q.opts.Now())
	if err != nil {
		return "", err
	}
	if err := q.insert(ctx, q.db, row); err != nil {
		return "", types.NewTransientError("任务入队失败", err)
	}
	q.opts.Notify(ctx, task)
	return task.ID, nil
}

// EnqueueBatch 在一个事务中批量入队
func (q *Queue) EnqueueBatch(ctx context.Context, tasks []*types.Task) ([]string, error) {
	now := q.opts.Now()
	rows := make([]*dao.QueuedTaskDAO, 0, len(tasks))
	for _, t := range tasks {
		if err := q.opts.CheckGate(ctx, t); err != nil {
			return nil, err
		}
		if t.ID == "" {
			t.ID = types.NewID()
		}
		row, err := q.toDAO(t, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, types.NewTransientError("开启事务失败", err)
	}
	defer tx.Rollback()
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if err := q.insert(ctx, tx, row); err != nil {
			return nil, types.NewTransientError("批量入队失败", err)
		}
		ids = append(ids, row.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, types.NewTransientError("提交批量入队失败", err)
	}
	for _, t := range tasks {
		q.opts.Notify(ctx, t)
	}
	return ids, nil
}

// Dequeue 领取可见任务
// 先用SKIP LOCKED选出候选行，再逐行条件更新租约，RowsAffected为1才算领取成功
func (q *Queue) Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*types.LeasedTask, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	now := q.opts.Now()
	nowMs := toMillis(now)
	expiresAt := now.Add(visibilityTimeout)
	expiresMs := toMillis(expiresAt)

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, types.NewTransientError("开启事务失败", err)
	}
	defer tx.Rollback()

	selectSQL := fmt.Sprintf(
		"SELECT id FROM %s WHERE visible_at <= ? ORDER BY priority DESC, visible_at ASC, created_at ASC LIMIT ?%s",
		TableTaskQueue, q.dialect.SkipLockedClause())
	var ids []string
	if err := tx.SelectContext(ctx, &ids, tx.Rebind(selectSQL), nowMs, maxBatch); err != nil {
		return nil, types.NewTransientError("查询可见任务失败", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updateSQL := tx.Rebind(fmt.Sprintf(
		"UPDATE %s SET lease_token = ?, lease_expires_at = ?, visible_at = ? WHERE id = ? AND visible_at <= ?",
		TableTaskQueue))
	tokens := make(map[string]string, len(ids))
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		token := types.NewID()
		res, err := tx.ExecContext(ctx, updateSQL, token, expiresMs, expiresMs, id, nowMs)
		if err != nil {
			return nil, types.NewTransientError("领取任务失败", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			tokens[id] = token
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	query, args, err := sqlx.In(fmt.Sprintf("SELECT * FROM %s WHERE id IN (?)", TableTaskQueue), claimed)
	if err != nil {
		return nil, err
	}
	var rows []dao.QueuedTaskDAO
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, types.NewTransientError("读取任务失败", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, types.NewTransientError("提交领取事务失败", err)
	}

	byID := make(map[string]*types.LeasedTask, len(rows))
	for _, row := range rows {
		task, err := types.UnmarshalTask([]byte(row.Body))
		if err != nil {
			// 损坏的任务体交给处理器按校验错误进入DLQ
			log.Errorf("❌ [SQLQueue] 任务体损坏: TaskID=%s, err=%v", row.ID, err)
			task = &types.Task{ID: row.ID, ExecutionID: row.ExecutionID, Type: types.TaskType(row.TaskType)}
		}
		task.RetryCount = row.RetryCount
		byID[row.ID] = &types.LeasedTask{Task: task, LeaseToken: tokens[row.ID], ExpiresAt: expiresAt}
	}
	leases := make([]*types.LeasedTask, 0, len(claimed))
	for _, id := range claimed {
		if l, ok := byID[id]; ok {
			leases = append(leases, l)
		}
	}
	return leases, nil
}

// Ack 删除任务，租约不匹配时为空操作
func (q *Queue) Ack(ctx context.Context, lease *types.LeasedTask) error {
	query := q.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ? AND lease_token = ?", TableTaskQueue))
	if _, err := q.db.ExecContext(ctx, query, lease.Task.ID, lease.LeaseToken); err != nil {
		return types.NewTransientError("确认任务失败", err)
	}
	return nil
}

// Nack 释放租约并在requeueDelay后重新可见
func (q *Queue) Nack(ctx context.Context, lease *types.LeasedTask, requeueDelay time.Duration) error {
	now := q.opts.Now()
	visible := now.Add(requeueDelay)
	task := lease.Task.Clone()
	task.ScheduledAt = &visible
	body, err := task.Marshal()
	if err != nil {
		return types.NewValidationError("序列化任务失败", err)
	}
	query := q.db.Rebind(fmt.Sprintf(
		"UPDATE %s SET body = ?, retry_count = ?, visible_at = ?, lease_token = '', lease_expires_at = 0 WHERE id = ? AND lease_token = ?",
		TableTaskQueue))
	if _, err := q.db.ExecContext(ctx, query, string(body), task.RetryCount, toMillis(visible), task.ID, lease.LeaseToken); err != nil {
		return types.NewTransientError("释放任务失败", err)
	}
	return nil
}

// ExtendLease 在已存储的到期时间上延长租约
func (q *Queue) ExtendLease(ctx context.Context, lease *types.LeasedTask, extra time.Duration) error {
	query := q.db.Rebind(fmt.Sprintf(
		"UPDATE %s SET lease_expires_at = lease_expires_at + ?, visible_at = visible_at + ? WHERE id = ? AND lease_token = ?",
		TableTaskQueue))
	res, err := q.db.ExecContext(ctx, query, extra.Milliseconds(), extra.Milliseconds(), lease.Task.ID, lease.LeaseToken)
	if err != nil {
		return types.NewTransientError("延长租约失败", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrLeaseLost
	}
	var expiresMs int64
	query = q.db.Rebind(fmt.Sprintf("SELECT lease_expires_at FROM %s WHERE id = ? AND lease_token = ?", TableTaskQueue))
	if err := q.db.GetContext(ctx, &expiresMs, query, lease.Task.ID, lease.LeaseToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrLeaseLost
		}
		return types.NewTransientError("读取租约失败", err)
	}
	lease.ExpiresAt = fromMillis(expiresMs)
	return nil
}

// Stats 队列统计
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	nowMs := toMillis(q.opts.Now())
	query := q.db.Rebind(fmt.Sprintf(`SELECT
		COALESCE(SUM(CASE WHEN lease_token <> '' AND lease_expires_at > ? THEN 1 ELSE 0 END), 0) AS leased,
		COALESCE(SUM(CASE WHEN (lease_token = '' OR lease_expires_at <= ?) AND visible_at <= ? THEN 1 ELSE 0 END), 0) AS ready,
		COUNT(*) AS total
		FROM %s`, TableTaskQueue))
	var row dao.QueueStatsDAO
	if err := q.db.GetContext(ctx, &row, query, nowMs, nowMs, nowMs); err != nil {
		return queue.Stats{}, types.NewTransientError("查询队列统计失败", err)
	}
	return queue.Stats{
		Ready:   int(row.Ready),
		Delayed: int(row.Total - row.Ready - row.Leased),
		Leased:  int(row.Leased),
	}, nil
}

// CountByExecution 统计某个Execution的任务数
func (q *Queue) CountByExecution(ctx context.Context, executionID string) (int, error) {
	var n int
	query := q.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE execution_id = ?", TableTaskQueue))
	if err := q.db.GetContext(ctx, &n, query, executionID); err != nil {
		return 0, types.NewTransientError("统计任务失败", err)
	}
	return n, nil
}

// PurgeExecution 删除某个Execution未租出的任务
func (q *Queue) PurgeExecution(ctx context.Context, executionID string) (int, error) {
	query := q.db.Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE execution_id = ? AND (lease_token = '' OR lease_expires_at <= ?)", TableTaskQueue))
	res, err := q.db.ExecContext(ctx, query, executionID, toMillis(q.opts.Now()))
	if err != nil {
		return 0, types.NewTransientError("清理任务失败", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close 连接由调用方管理
func (q *Queue) Close() error {
	return nil
}

var _ queue.TaskQueue = (*Queue)(nil)
