package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LENAX/node-engine/pkg/core/store"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// HotStore Redis热存储（对外导出）
// Execution与节点记录以JSON保存，计数器与停车间使用原生数据结构
type HotStore struct {
	client redis.UniversalClient
	keys   keys
	now    types.NowFunc
}

// NewHotStore 创建Redis热存储，client由调用方持有
func NewHotStore(client redis.UniversalClient, prefix string, now types.NowFunc) *HotStore {
	if now == nil {
		now = time.Now
	}
	return &HotStore{client: client, keys: newKeys(prefix), now: now}
}

func decodeExecution(data string) (*types.Execution, error) {
	var e types.Execution
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("解析Execution失败: %w", err)
	}
	return &e, nil
}

// CreateExecution 创建Execution，已存在时报错
func (s *HotStore) CreateExecution(ctx context.Context, exec *types.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return types.NewValidationError("序列化Execution失败", err)
	}
	ok, err := s.client.SetNX(ctx, s.keys.execution(exec.ExecutionID), data, 0).Result()
	if err != nil {
		return types.NewTransientError("创建Execution失败", err)
	}
	if !ok {
		return fmt.Errorf("Execution %s 已存在", exec.ExecutionID)
	}
	if err := s.client.SAdd(ctx, s.keys.executions(), exec.ExecutionID).Err(); err != nil {
		return types.NewTransientError("写入Execution索引失败", err)
	}
	return nil
}

func (s *HotStore) getExecution(ctx context.Context, c redis.Cmdable, executionID string) (*types.Execution, error) {
	data, err := c.Get(ctx, s.keys.execution(executionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, types.NewTransientError("读取Execution失败", err)
	}
	return decodeExecution(data)
}

// GetExecution 不存在时返回ErrExecutionNotFound
func (s *HotStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	return s.getExecution(ctx, s.client, executionID)
}

// updateExecution 在WATCH事务中读改写Execution
func (s *HotStore) updateExecution(ctx context.Context, executionID string, mutate func(e *types.Execution) bool) (bool, *types.Execution, error) {
	key := s.keys.execution(executionID)
	var (
		applied bool
		result  *types.Execution
	)
	err := cas(ctx, s.client, func(tx *redis.Tx) error {
		e, err := s.getExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		applied = mutate(e)
		result = e
		if !applied {
			return nil
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return false, nil, err
	}
	return applied, result, nil
}

// TransitionExecution CAS迁移状态
func (s *HotStore) TransitionExecution(ctx context.Context, executionID string, to types.ExecutionStatus, reason string) (bool, *types.Execution, error) {
	return s.updateExecution(ctx, executionID, func(e *types.Execution) bool {
		return e.ApplyTransition(to, reason, s.now())
	})
}

// RequestCancel 设置取消标记
func (s *HotStore) RequestCancel(ctx context.Context, executionID string) (*types.Execution, error) {
	_, e, err := s.updateExecution(ctx, executionID, func(e *types.Execution) bool {
		e.CancelRequested = true
		e.UpdatedAt = s.now()
		return true
	})
	return e, err
}

// TouchExecution 刷新UpdatedAt
func (s *HotStore) TouchExecution(ctx context.Context, executionID string) error {
	_, _, err := s.updateExecution(ctx, executionID, func(e *types.Execution) bool {
		e.UpdatedAt = s.now()
		return true
	})
	return err
}

// ListExecutions 按创建时间升序列出
func (s *HotStore) ListExecutions(ctx context.Context) ([]*types.Execution, error) {
	ids, err := s.client.SMembers(ctx, s.keys.executions()).Result()
	if err != nil {
		return nil, types.NewTransientError("读取Execution索引失败", err)
	}
	if len(ids) == 0 {
		return []*types.Execution{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.execution(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, types.NewTransientError("批量读取Execution失败", err)
	}
	out := make([]*types.Execution, 0, len(vals))
	for _, v := range vals {
		data, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeExecution(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteExecution 删除全部热状态
func (s *HotStore) DeleteExecution(ctx context.Context, executionID string) error {
	if _, err := s.TakeParkedByExecution(ctx, executionID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			s.keys.execution(executionID), s.keys.nodes(executionID), s.keys.indegree(executionID),
			s.keys.edges(executionID), s.keys.done(executionID), s.keys.remaining(executionID),
			s.keys.parkedExec(executionID))
		pipe.SRem(ctx, s.keys.executions(), executionID)
		return nil
	})
	if err != nil {
		return types.NewTransientError("删除Execution失败", err)
	}
	return nil
}

func decodeRecord(data string) (*types.NodeResultRecord, error) {
	var r types.NodeResultRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("解析节点记录失败: %w", err)
	}
	return &r, nil
}

func (s *HotStore) getRecord(ctx context.Context, c redis.Cmdable, executionID, nodeID string) (*types.NodeResultRecord, error) {
	data, err := c.HGet(ctx, s.keys.nodes(executionID), nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewTransientError("读取节点记录失败", err)
	}
	return decodeRecord(data)
}

// GetNodeRecord 不存在时返回nil, nil
func (s *HotStore) GetNodeRecord(ctx context.Context, executionID, nodeID string) (*types.NodeResultRecord, error) {
	return s.getRecord(ctx, s.client, executionID, nodeID)
}

// ListNodeRecords 按节点ID排序列出
func (s *HotStore) ListNodeRecords(ctx context.Context, executionID string) ([]*types.NodeResultRecord, error) {
	all, err := s.client.HGetAll(ctx, s.keys.nodes(executionID)).Result()
	if err != nil {
		return nil, types.NewTransientError("读取节点记录失败", err)
	}
	out := make([]*types.NodeResultRecord, 0, len(all))
	for _, data := range all {
		r, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// writeRecord 在WATCH事务中读出旧记录，由decide决定写入的新记录
func (s *HotStore) writeRecord(ctx context.Context, executionID, nodeID string, decide func(old *types.NodeResultRecord) (*types.NodeResultRecord, error)) error {
	key := s.keys.nodes(executionID)
	return cas(ctx, s.client, func(tx *redis.Tx) error {
		old, err := s.getRecord(ctx, tx, executionID, nodeID)
		if err != nil {
			return err
		}
		rec, err := decide(old)
		if err != nil || rec == nil {
			return err
		}
		data, err := rec.Marshal()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, nodeID, data)
			return nil
		})
		return err
	}, key)
}

// PutNodeRecord 写入节点记录，已有终态时返回ErrTerminalRecordExists
func (s *HotStore) PutNodeRecord(ctx context.Context, rec *types.NodeResultRecord) error {
	return s.writeRecord(ctx, rec.ExecutionID, rec.NodeID, func(old *types.NodeResultRecord) (*types.NodeResultRecord, error) {
		if old != nil && old.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s/%s", types.ErrTerminalRecordExists, rec.ExecutionID, rec.NodeID)
		}
		c := rec.Clone()
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = s.now()
		}
		return c, nil
	})
}

// ClaimNode 认领节点
func (s *HotStore) ClaimNode(ctx context.Context, executionID, nodeID, claimant string, until time.Time) (store.ClaimResult, *types.NodeResultRecord, error) {
	var (
		result store.ClaimResult
		out    *types.NodeResultRecord
	)
	err := s.writeRecord(ctx, executionID, nodeID, func(old *types.NodeResultRecord) (*types.NodeResultRecord, error) {
		now := s.now()
		if old != nil {
			if old.Status.IsTerminal() {
				result, out = store.ClaimTerminal, old
				return nil, nil
			}
			if old.Status == types.NodeRunning && old.ClaimedBy != claimant && old.ClaimExpiresAt > now.UnixMilli() {
				result, out = store.ClaimHeld, old
				return nil, nil
			}
		}
		rec := &types.NodeResultRecord{
			ExecutionID:    executionID,
			NodeID:         nodeID,
			Status:         types.NodeRunning,
			ClaimedBy:      claimant,
			ClaimExpiresAt: until.UnixMilli(),
			UpdatedAt:      now,
		}
		if old != nil {
			rec.AttemptHistory = old.AttemptHistory
		}
		result, out = store.ClaimAcquired, rec
		return rec, nil
	})
	if err != nil {
		return store.ClaimHeld, nil, err
	}
	return result, out, nil
}

// InitCounters 初始化计数器，覆盖旧值
func (s *HotStore) InitCounters(ctx context.Context, executionID string, indegrees map[string]int, remaining int) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.indegree(executionID), s.keys.edges(executionID), s.keys.done(executionID))
		if len(indegrees) > 0 {
			fields := make(map[string]any, len(indegrees))
			for k, v := range indegrees {
				fields[k] = v
			}
			pipe.HSet(ctx, s.keys.indegree(executionID), fields)
		}
		pipe.Set(ctx, s.keys.remaining(executionID), remaining, 0)
		return nil
	})
	if err != nil {
		return types.NewTransientError("初始化计数器失败", err)
	}
	return nil
}

func counterResult(res []int64, executionID string) (int, bool, error) {
	if len(res) != 3 || res[0] == 0 {
		return 0, false, fmt.Errorf("%w: 计数器未初始化 %s", types.ErrExecutionNotFound, executionID)
	}
	return int(res[1]), res[2] == 1, nil
}

// DecrementIndegree 幂等地递减入度
func (s *HotStore) DecrementIndegree(ctx context.Context, executionID, nodeID, predID string) (int, bool, error) {
	keys := []string{s.keys.remaining(executionID), s.keys.edges(executionID), s.keys.indegree(executionID)}
	res, err := luaDecrementIndegree.Run(ctx, s.client, keys, nodeID, predID+"->"+nodeID).Int64Slice()
	if err != nil {
		return 0, false, types.NewTransientError("递减入度失败", err)
	}
	return counterResult(res, executionID)
}

// GetIndegree 当前入度
func (s *HotStore) GetIndegree(ctx context.Context, executionID, nodeID string) (int, error) {
	exists, err := s.client.Exists(ctx, s.keys.remaining(executionID)).Result()
	if err != nil {
		return 0, types.NewTransientError("读取计数器失败", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: 计数器未初始化 %s", types.ErrExecutionNotFound, executionID)
	}
	n, err := s.client.HGet(ctx, s.keys.indegree(executionID), nodeID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewTransientError("读取入度失败", err)
	}
	return n, nil
}

// MarkNodeDone 幂等地递减剩余节点数
func (s *HotStore) MarkNodeDone(ctx context.Context, executionID, nodeID string) (int, bool, error) {
	keys := []string{s.keys.remaining(executionID), s.keys.done(executionID)}
	res, err := luaMarkNodeDone.Run(ctx, s.client, keys, nodeID).Int64Slice()
	if err != nil {
		return 0, false, types.NewTransientError("更新剩余节点数失败", err)
	}
	return counterResult(res, executionID)
}

// Park 放入停车间，同一TaskID覆盖旧条目及其索引
func (s *HotStore) Park(ctx context.Context, entry *types.ParkedTaskEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return types.NewValidationError("序列化停车条目失败", err)
	}
	return cas(ctx, s.client, func(tx *redis.Tx) error {
		old, err := s.parkedEntries(ctx, tx, []string{entry.TaskID})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.unindex(ctx, pipe, old)
			pipe.HSet(ctx, s.keys.parked(), entry.TaskID, data)
			pipe.ZAdd(ctx, s.keys.parkedDeadline(), redis.Z{Score: float64(entry.WakeDeadline.UnixMilli()), Member: entry.TaskID})
			pipe.SAdd(ctx, s.keys.parkedExec(entry.ExecutionID), entry.TaskID)
			pipe.SAdd(ctx, s.keys.parkedWait(entry.ExecutionID, entry.WaitingOn), entry.TaskID)
			return nil
		})
		return err
	}, s.keys.parked())
}

func (s *HotStore) parkedEntries(ctx context.Context, c redis.Cmdable, ids []string) ([]*types.ParkedTaskEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := c.HMGet(ctx, s.keys.parked(), ids...).Result()
	if err != nil {
		return nil, types.NewTransientError("读取停车条目失败", err)
	}
	out := make([]*types.ParkedTaskEntry, 0, len(vals))
	for _, v := range vals {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var entry types.ParkedTaskEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("解析停车条目失败: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *HotStore) unindex(ctx context.Context, pipe redis.Pipeliner, entries []*types.ParkedTaskEntry) {
	for _, e := range entries {
		pipe.HDel(ctx, s.keys.parked(), e.TaskID)
		pipe.ZRem(ctx, s.keys.parkedDeadline(), e.TaskID)
		pipe.SRem(ctx, s.keys.parkedExec(e.ExecutionID), e.TaskID)
		pipe.SRem(ctx, s.keys.parkedWait(e.ExecutionID, e.WaitingOn), e.TaskID)
	}
}

// take 在WATCH事务中读取候选ID对应的条目并移除
func (s *HotStore) take(ctx context.Context, candidates func(tx *redis.Tx) ([]string, error), limit int, watched ...string) ([]*types.ParkedTaskEntry, error) {
	var taken []*types.ParkedTaskEntry
	err := cas(ctx, s.client, func(tx *redis.Tx) error {
		ids, err := candidates(tx)
		if err != nil {
			return err
		}
		entries, err := s.parkedEntries(ctx, tx, ids)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].WakeDeadline.Equal(entries[j].WakeDeadline) {
				return entries[i].WakeDeadline.Before(entries[j].WakeDeadline)
			}
			return entries[i].TaskID < entries[j].TaskID
		})
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		if len(entries) > 0 {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.unindex(ctx, pipe, entries)
				return nil
			}); err != nil {
				return err
			}
		}
		taken = entries
		return nil
	}, append(watched, s.keys.parked())...)
	if err != nil {
		return nil, err
	}
	if taken == nil {
		taken = []*types.ParkedTaskEntry{}
	}
	return taken, nil
}

// TakeParked 取出等待某个前驱的条目
func (s *HotStore) TakeParked(ctx context.Context, executionID, waitingOn string) ([]*types.ParkedTaskEntry, error) {
	key := s.keys.parkedWait(executionID, waitingOn)
	return s.take(ctx, func(tx *redis.Tx) ([]string, error) {
		return tx.SMembers(ctx, key).Result()
	}, 0, key)
}

// TakeExpiredParked 取出WakeDeadline已到期的条目
func (s *HotStore) TakeExpiredParked(ctx context.Context, now time.Time, limit int) ([]*types.ParkedTaskEntry, error) {
	key := s.keys.parkedDeadline()
	return s.take(ctx, func(tx *redis.Tx) ([]string, error) {
		by := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprint(now.UnixMilli())}
		if limit > 0 {
			by.Count = int64(limit)
		}
		return tx.ZRangeByScore(ctx, key, by).Result()
	}, limit, key)
}

// TakeParkedByExecution 取出某个Execution的全部条目
func (s *HotStore) TakeParkedByExecution(ctx context.Context, executionID string) ([]*types.ParkedTaskEntry, error) {
	key := s.keys.parkedExec(executionID)
	return s.take(ctx, func(tx *redis.Tx) ([]string, error) {
		return tx.SMembers(ctx, key).Result()
	}, 0, key)
}

// CountParked 某个Execution的停车条目数
func (s *HotStore) CountParked(ctx context.Context, executionID string) (int, error) {
	n, err := s.client.SCard(ctx, s.keys.parkedExec(executionID)).Result()
	if err != nil {
		return 0, types.NewTransientError("统计停车条目失败", err)
	}
	return int(n), nil
}

// Close 客户端由调用方管理
func (s *HotStore) Close() error {
	return nil
}

var _ store.HotStore = (*HotStore)(nil)
