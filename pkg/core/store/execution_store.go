package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/core/cache"
	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/reliability"
	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// ExecutionStore 热存储之上叠加冷存储（对外导出）
// 终态写入同时归档到冷存储，读取在热存储未命中时回落到冷存储，终态数据不可变因此可以缓存
type ExecutionStore struct {
	HotStore
	cold       ColdStore
	nodeCache  *cache.TTLCache[*types.NodeResultRecord]
	execCache  *cache.TTLCache[*types.Execution]
	attempts   int
	retryDelay time.Duration
}

// Option ExecutionStore选项
type Option func(*ExecutionStore)

// WithCache 设置终态缓存
func WithCache(opts cache.Options) Option {
	return func(s *ExecutionStore) {
		s.nodeCache = cache.New[*types.NodeResultRecord](opts)
		s.execCache = cache.New[*types.Execution](opts)
	}
}

// WithWriteRetry 设置归档写入的重试次数与间隔
func WithWriteRetry(attempts int, delay time.Duration) Option {
	return func(s *ExecutionStore) {
		s.attempts = attempts
		s.retryDelay = delay
	}
}

// NewExecutionStore 创建分层存储，cold可以为nil
func NewExecutionStore(hot HotStore, cold ColdStore, opts ...Option) *ExecutionStore {
	s := &ExecutionStore{HotStore: hot, cold: cold, attempts: 3, retryDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func nodeKey(executionID, nodeID string) string {
	return executionID + "/" + nodeID
}

// Cold 返回冷存储
func (s *ExecutionStore) Cold() ColdStore {
	return s.cold
}

// GetExecution 热存储未命中时回落到冷存储
func (s *ExecutionStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	if s.execCache != nil {
		if e, ok := s.execCache.Get(executionID); ok {
			return e.Clone(), nil
		}
	}
	e, err := s.HotStore.GetExecution(ctx, executionID)
	if err == nil {
		if e.Status.IsTerminal() && s.execCache != nil {
			s.execCache.Set(executionID, e.Clone(), 0)
		}
		return e, nil
	}
	if !errors.Is(err, types.ErrExecutionNotFound) || s.cold == nil {
		return nil, err
	}
	e, err = s.cold.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if s.execCache != nil {
		s.execCache.Set(executionID, e.Clone(), 0)
	}
	return e, nil
}

// TransitionExecution CAS迁移，进入终态时归档
func (s *ExecutionStore) TransitionExecution(ctx context.Context, executionID string, to types.ExecutionStatus, reason string) (bool, *types.Execution, error) {
	applied, e, err := s.HotStore.TransitionExecution(ctx, executionID, to, reason)
	if err != nil || !applied {
		return applied, e, err
	}
	if e.Status.IsTerminal() {
		s.archiveExecution(ctx, e)
	}
	return applied, e, nil
}

// RequestCancel 设置取消标记
func (s *ExecutionStore) RequestCancel(ctx context.Context, executionID string) (*types.Execution, error) {
	e, err := s.HotStore.RequestCancel(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if s.execCache != nil {
		s.execCache.Delete(executionID)
	}
	return e, nil
}

func (s *ExecutionStore) archiveExecution(ctx context.Context, e *types.Execution) {
	if s.execCache != nil {
		s.execCache.Set(e.ExecutionID, e.Clone(), 0)
	}
	if s.cold == nil {
		return
	}
	err := reliability.RetryStoreWrite(ctx, s.attempts, s.retryDelay, func(ctx context.Context) error {
		return s.cold.ArchiveExecution(ctx, e)
	})
	if err != nil {
		// 热存储仍保留终态，Janitor驱逐前会再次归档
		log.Errorf("❌ [ExecutionStore] 归档Execution失败: ExecutionID=%s, err=%v", e.ExecutionID, err)
	}
}

// GetNodeRecord 依次查询缓存、热存储、冷存储
func (s *ExecutionStore) GetNodeRecord(ctx context.Context, executionID, nodeID string) (*types.NodeResultRecord, error) {
	key := nodeKey(executionID, nodeID)
	if s.nodeCache != nil {
		if r, ok := s.nodeCache.Get(key); ok {
			return r.Clone(), nil
		}
	}
	rec, err := s.HotStore.GetNodeRecord(ctx, executionID, nodeID)
	if err != nil {
		return nil, err
	}
	if rec == nil && s.cold != nil {
		if rec, err = s.cold.GetNodeResult(ctx, executionID, nodeID); err != nil {
			return nil, err
		}
	}
	if rec != nil && rec.Status.IsTerminal() && s.nodeCache != nil {
		s.nodeCache.Set(key, rec.Clone(), 0)
	}
	return rec, nil
}

// ListNodeRecords 热存储为空时回落到冷存储
func (s *ExecutionStore) ListNodeRecords(ctx context.Context, executionID string) ([]*types.NodeResultRecord, error) {
	recs, err := s.HotStore.ListNodeRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 && s.cold != nil {
		return s.cold.ListNodeResults(ctx, executionID)
	}
	return recs, nil
}

// PutNodeRecord 写入节点记录，终态记录同时归档
func (s *ExecutionStore) PutNodeRecord(ctx context.Context, rec *types.NodeResultRecord) error {
	if err := s.HotStore.PutNodeRecord(ctx, rec); err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return nil
	}
	if s.nodeCache != nil {
		s.nodeCache.Set(nodeKey(rec.ExecutionID, rec.NodeID), rec.Clone(), 0)
	}
	if s.cold != nil {
		err := reliability.RetryStoreWrite(ctx, s.attempts, s.retryDelay, func(ctx context.Context) error {
			return s.cold.ArchiveNodeResult(ctx, rec)
		})
		if err != nil {
			log.Errorf("❌ [ExecutionStore] 归档节点结果失败: ExecutionID=%s, NodeID=%s, err=%v", rec.ExecutionID, rec.NodeID, err)
		}
	}
	return nil
}

// ClaimNode 缓存中已有终态记录时直接短路
func (s *ExecutionStore) ClaimNode(ctx context.Context, executionID, nodeID, claimant string, until time.Time) (ClaimResult, *types.NodeResultRecord, error) {
	if s.nodeCache != nil {
		if r, ok := s.nodeCache.Get(nodeKey(executionID, nodeID)); ok {
			return ClaimTerminal, r.Clone(), nil
		}
	}
	return s.HotStore.ClaimNode(ctx, executionID, nodeID, claimant, until)
}

// CanEnqueue 实现queue.ExecutionGate：拒绝向终态或已取消的Execution入队
func (s *ExecutionStore) CanEnqueue(ctx context.Context, executionID string) error {
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s(%s)", types.ErrExecutionTerminal, executionID, e.Status)
	}
	if e.CancelRequested {
		return &types.CancellationRequestedError{ExecutionID: executionID}
	}
	return nil
}

// Evict 归档终态Execution及其节点记录后删除热状态
func (s *ExecutionStore) Evict(ctx context.Context, executionID string) error {
	e, err := s.HotStore.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !e.Status.IsTerminal() {
		return fmt.Errorf("Execution %s 尚未结束，不能驱逐", executionID)
	}
	if s.cold != nil {
		if err := s.cold.ArchiveExecution(ctx, e); err != nil {
			return fmt.Errorf("归档Execution失败: %w", err)
		}
		recs, err := s.HotStore.ListNodeRecords(ctx, executionID)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := s.cold.ArchiveNodeResult(ctx, r); err != nil {
				return fmt.Errorf("归档节点结果失败: %w", err)
			}
		}
	}
	return s.HotStore.DeleteExecution(ctx, executionID)
}

// Close 关闭热存储、冷存储与缓存
func (s *ExecutionStore) Close() error {
	if s.nodeCache != nil {
		s.nodeCache.Close()
		s.execCache.Close()
	}
	var errs []error
	if err := s.HotStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.cold != nil {
		if err := s.cold.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ HotStore            = (*ExecutionStore)(nil)
	_ queue.ExecutionGate = (*ExecutionStore)(nil)
)
