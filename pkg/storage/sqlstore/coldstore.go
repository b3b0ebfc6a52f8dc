package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/storage"
	"github.com/LENAX/node-engine/pkg/storage/dao"
)

var (
	executionColumns = []string{
		"execution_id", "workflow_id", "status", "mode", "snapshot_ref", "node_count",
		"cancel_requested", "error_message", "resumed_from", "created_at", "started_at", "ended_at", "updated_at",
	}
	nodeResultColumns = []string{
		"execution_id", "node_id", "status", "output_ref", "error_message", "attempt_history", "updated_at",
	}
)

// ColdStore 关系型数据库上的执行历史（对外导出）
type ColdStore struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// NewColdStore 创建冷存储并初始化表结构
func NewColdStore(ctx context.Context, db *sqlx.DB, dialect storage.Dialect) (*ColdStore, error) {
	if err := storage.ApplySchema(ctx, db, dialect, coldSchema(dialect)); err != nil {
		return nil, fmt.Errorf("初始化冷存储表结构失败: %w", err)
	}
	return &ColdStore{db: db, dialect: dialect}, nil
}

func executionToDAO(e *types.Execution) (*dao.ExecutionDAO, error) {
	ref, err := json.Marshal(e.SnapshotRef)
	if err != nil {
		return nil, err
	}
	row := &dao.ExecutionDAO{
		ExecutionID:  e.ExecutionID,
		WorkflowID:   e.WorkflowID,
		Status:       string(e.Status),
		Mode:         string(e.Mode),
		SnapshotRef:  string(ref),
		NodeCount:    e.NodeCount,
		ErrorMessage: e.Error,
		ResumedFrom:  e.ResumedFrom,
		CreatedAt:    toMillis(e.CreatedAt),
		UpdatedAt:    toMillis(e.UpdatedAt),
	}
	if e.CancelRequested {
		row.CancelRequested = 1
	}
	if e.StartedAt != nil {
		row.StartedAt = toMillis(*e.StartedAt)
	}
	if e.EndedAt != nil {
		row.EndedAt = toMillis(*e.EndedAt)
	}
	return row, nil
}

func executionFromDAO(row *dao.ExecutionDAO) (*types.Execution, error) {
	e := &types.Execution{
		ExecutionID:     row.ExecutionID,
		WorkflowID:      row.WorkflowID,
		Status:          types.ExecutionStatus(row.Status),
		Mode:            types.Mode(row.Mode),
		NodeCount:       row.NodeCount,
		CancelRequested: row.CancelRequested != 0,
		Error:           row.ErrorMessage,
		ResumedFrom:     row.ResumedFrom,
		CreatedAt:       fromMillis(row.CreatedAt),
		UpdatedAt:       fromMillis(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.SnapshotRef), &e.SnapshotRef); err != nil {
		return nil, fmt.Errorf("解析快照引用失败: %w", err)
	}
	if row.StartedAt != 0 {
		t := fromMillis(row.StartedAt)
		e.StartedAt = &t
	}
	if row.EndedAt != 0 {
		t := fromMillis(row.EndedAt)
		e.EndedAt = &t
	}
	return e, nil
}

func nodeResultToDAO(r *types.NodeResultRecord) (*dao.NodeResultDAO, error) {
	ref, err := json.Marshal(r.OutputRef)
	if err != nil {
		return nil, err
	}
	history := r.AttemptHistory
	if history == nil {
		history = []types.AttemptRecord{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	return &dao.NodeResultDAO{
		ExecutionID:    r.ExecutionID,
		NodeID:         r.NodeID,
		Status:         string(r.Status),
		OutputRef:      string(ref),
		ErrorMessage:   r.Error,
		AttemptHistory: string(hist),
		UpdatedAt:      toMillis(r.UpdatedAt),
	}, nil
}

func nodeResultFromDAO(row *dao.NodeResultDAO) (*types.NodeResultRecord, error) {
	r := &types.NodeResultRecord{
		ExecutionID: row.ExecutionID,
		NodeID:      row.NodeID,
		Status:      types.NodeStatus(row.Status),
		Error:       row.ErrorMessage,
		UpdatedAt:   fromMillis(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.OutputRef), &r.OutputRef); err != nil {
		return nil, fmt.Errorf("解析输出引用失败: %w", err)
	}
	if err := json.Unmarshal([]byte(row.AttemptHistory), &r.AttemptHistory); err != nil {
		return nil, fmt.Errorf("解析重试历史失败: %w", err)
	}
	if len(r.AttemptHistory) == 0 {
		r.AttemptHistory = nil
	}
	return r, nil
}

// ArchiveExecution 写入或覆盖Execution
func (s *ColdStore) ArchiveExecution(ctx context.Context, e *types.Execution) error {
	row, err := executionToDAO(e)
	if err != nil {
		return types.NewValidationError("序列化Execution失败", err)
	}
	query := s.db.Rebind(s.dialect.UpsertSQL(TableExecution, executionColumns, []string{"execution_id"}, executionColumns[1:]))
	_, err = s.db.ExecContext(ctx, query,
		row.ExecutionID, row.WorkflowID, row.Status, row.Mode, row.SnapshotRef, row.NodeCount,
		row.CancelRequested, row.ErrorMessage, row.ResumedFrom, row.CreatedAt, row.StartedAt, row.EndedAt, row.UpdatedAt)
	if err != nil {
		return types.NewTransientError("归档Execution失败", err)
	}
	return nil
}

// ArchiveNodeResult 写入或覆盖节点结果
func (s *ColdStore) ArchiveNodeResult(ctx context.Context, r *types.NodeResultRecord) error {
	row, err := nodeResultToDAO(r)
	if err != nil {
		return types.NewValidationError("序列化节点结果失败", err)
	}
	query := s.db.Rebind(s.dialect.UpsertSQL(TableNodeResult, nodeResultColumns, []string{"execution_id", "node_id"}, nodeResultColumns[2:]))
	_, err = s.db.ExecContext(ctx, query,
		row.ExecutionID, row.NodeID, row.Status, row.OutputRef, row.ErrorMessage, row.AttemptHistory, row.UpdatedAt)
	if err != nil {
		return types.NewTransientError("归档节点结果失败", err)
	}
	return nil
}

// GetExecution 不存在时返回ErrExecutionNotFound
func (s *ColdStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	var row dao.ExecutionDAO
	query := s.db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE execution_id = ?", TableExecution))
	if err := s.db.GetContext(ctx, &row, query, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
		}
		return nil, types.NewTransientError("查询Execution失败", err)
	}
	return executionFromDAO(&row)
}

// GetNodeResult 不存在时返回nil, nil
func (s *ColdStore) GetNodeResult(ctx context.Context, executionID, nodeID string) (*types.NodeResultRecord, error) {
	var row dao.NodeResultDAO
	query := s.db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE execution_id = ? AND node_id = ?", TableNodeResult))
	if err := s.db.GetContext(ctx, &row, query, executionID, nodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewTransientError("查询节点结果失败", err)
	}
	return nodeResultFromDAO(&row)
}

// ListNodeResults 按节点ID排序列出
func (s *ColdStore) ListNodeResults(ctx context.Context, executionID string) ([]*types.NodeResultRecord, error) {
	var rows []dao.NodeResultDAO
	query := s.db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE execution_id = ? ORDER BY node_id", TableNodeResult))
	if err := s.db.SelectContext(ctx, &rows, query, executionID); err != nil {
		return nil, types.NewTransientError("查询节点结果失败", err)
	}
	out := make([]*types.NodeResultRecord, 0, len(rows))
	for i := range rows {
		r, err := nodeResultFromDAO(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// PurgeBefore 在一个事务中删除过期Execution及其节点结果
func (s *ColdStore) PurgeBefore(ctx context.Context, before time.Time) (int, error) {
	cutoff := toMillis(before)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, types.NewTransientError("开启事务失败", err)
	}
	defer tx.Rollback()

	nodesSQL := tx.Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE execution_id IN (SELECT execution_id FROM %s WHERE ended_at > 0 AND ended_at < ?)",
		TableNodeResult, TableExecution))
	if _, err := tx.ExecContext(ctx, nodesSQL, cutoff); err != nil {
		return 0, types.NewTransientError("清理节点结果失败", err)
	}
	execSQL := tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE ended_at > 0 AND ended_at < ?", TableExecution))
	res, err := tx.ExecContext(ctx, execSQL, cutoff)
	if err != nil {
		return 0, types.NewTransientError("清理Execution失败", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, types.NewTransientError("提交清理事务失败", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close 连接由调用方管理
func (s *ColdStore) Close() error {
	return nil
}

var _ store.ColdStore = (*ColdStore)(nil)
