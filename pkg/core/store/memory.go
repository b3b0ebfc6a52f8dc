package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

type edgeKey struct {
	node string
	pred string
}

type memCounters struct {
	indegree  map[string]int
	satisfied map[edgeKey]bool
	done      map[string]bool
	remaining int
}

// MemoryHotStore 内存热存储（对外导出）
// 单进程部署与测试使用，所有操作在一把锁内完成
type MemoryHotStore struct {
	mu       sync.Mutex
	now      types.NowFunc
	execs    map[string]*types.Execution
	nodes    map[string]map[string]*types.NodeResultRecord
	counters map[string]*memCounters
	parked   map[string]*types.ParkedTaskEntry
}

// NewMemoryHotStore 创建内存热存储
func NewMemoryHotStore(now types.NowFunc) *MemoryHotStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryHotStore{
		now:      now,
		execs:    make(map[string]*types.Execution),
		nodes:    make(map[string]map[string]*types.NodeResultRecord),
		counters: make(map[string]*memCounters),
		parked:   make(map[string]*types.ParkedTaskEntry),
	}
}

// CreateExecution 创建Execution
func (s *MemoryHotStore) CreateExecution(_ context.Context, exec *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ExecutionID]; ok {
		return fmt.Errorf("Execution %s 已存在", exec.ExecutionID)
	}
	s.execs[exec.ExecutionID] = exec.Clone()
	return nil
}

func (s *MemoryHotStore) execLocked(id string) (*types.Execution, error) {
	e, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, id)
	}
	return e, nil
}

// GetExecution 获取Execution
func (s *MemoryHotStore) GetExecution(_ context.Context, executionID string) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.execLocked(executionID)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// TransitionExecution CAS迁移状态
func (s *MemoryHotStore) TransitionExecution(_ context.Context, executionID string, to types.ExecutionStatus, reason string) (bool, *types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.execLocked(executionID)
	if err != nil {
		return false, nil, err
	}
	applied := e.ApplyTransition(to, reason, s.now())
	return applied, e.Clone(), nil
}

// RequestCancel 设置取消标记
func (s *MemoryHotStore) RequestCancel(_ context.Context, executionID string) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.execLocked(executionID)
	if err != nil {
		return nil, err
	}
	e.CancelRequested = true
	e.UpdatedAt = s.now()
	return e.Clone(), nil
}

// TouchExecution 刷新UpdatedAt
func (s *MemoryHotStore) TouchExecution(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.execLocked(executionID)
	if err != nil {
		return err
	}
	e.UpdatedAt = s.now()
	return nil
}

// ListExecutions 列出全部Execution，按创建时间升序
func (s *MemoryHotStore) ListExecutions(_ context.Context) ([]*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Execution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteExecution 删除全部热状态
func (s *MemoryHotStore) DeleteExecution(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, executionID)
	delete(s.nodes, executionID)
	delete(s.counters, executionID)
	for id, p := range s.parked {
		if p.ExecutionID == executionID {
			delete(s.parked, id)
		}
	}
	return nil
}

// GetNodeRecord 获取节点记录
func (s *MemoryHotStore) GetNodeRecord(_ context.Context, executionID, nodeID string) (*types.NodeResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[executionID][nodeID].Clone(), nil
}

// ListNodeRecords 列出节点记录，按节点ID排序
func (s *MemoryHotStore) ListNodeRecords(_ context.Context, executionID string) ([]*types.NodeResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.NodeResultRecord, 0, len(s.nodes[executionID]))
	for _, r := range s.nodes[executionID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// PutNodeRecord 写入节点记录（终态保护）
func (s *MemoryHotStore) PutNodeRecord(_ context.Context, rec *types.NodeResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.nodes[rec.ExecutionID]
	if byNode == nil {
		byNode = make(map[string]*types.NodeResultRecord)
		s.nodes[rec.ExecutionID] = byNode
	}
	if old, ok := byNode[rec.NodeID]; ok && old.Status.IsTerminal() {
		return fmt.Errorf("%w: %s/%s", types.ErrTerminalRecordExists, rec.ExecutionID, rec.NodeID)
	}
	c := rec.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	byNode[rec.NodeID] = c
	return nil
}

// ClaimNode 认领节点
func (s *MemoryHotStore) ClaimNode(_ context.Context, executionID, nodeID, claimant string, until time.Time) (ClaimResult, *types.NodeResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	byNode := s.nodes[executionID]
	if byNode == nil {
		byNode = make(map[string]*types.NodeResultRecord)
		s.nodes[executionID] = byNode
	}
	old := byNode[nodeID]
	if old != nil {
		if old.Status.IsTerminal() {
			return ClaimTerminal, old.Clone(), nil
		}
		if old.Status == types.NodeRunning && old.ClaimedBy != claimant && old.ClaimExpiresAt > now.UnixMilli() {
			return ClaimHeld, old.Clone(), nil
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
		rec.AttemptHistory = append([]types.AttemptRecord(nil), old.AttemptHistory...)
	}
	byNode[nodeID] = rec
	return ClaimAcquired, rec.Clone(), nil
}

// InitCounters 初始化计数器
func (s *MemoryHotStore) InitCounters(_ context.Context, executionID string, indegrees map[string]int, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &memCounters{
		indegree:  make(map[string]int, len(indegrees)),
		satisfied: make(map[edgeKey]bool),
		done:      make(map[string]bool),
		remaining: remaining,
	}
	for k, v := range indegrees {
		c.indegree[k] = v
	}
	s.counters[executionID] = c
	return nil
}

func (s *MemoryHotStore) countersLocked(executionID string) (*memCounters, error) {
	c, ok := s.counters[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: 计数器未初始化 %s", types.ErrExecutionNotFound, executionID)
	}
	return c, nil
}

// DecrementIndegree 幂等地递减入度
func (s *MemoryHotStore) DecrementIndegree(_ context.Context, executionID, nodeID, predID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.countersLocked(executionID)
	if err != nil {
		return 0, false, err
	}
	key := edgeKey{node: nodeID, pred: predID}
	if c.satisfied[key] {
		return c.indegree[nodeID], false, nil
	}
	c.satisfied[key] = true
	if c.indegree[nodeID] > 0 {
		c.indegree[nodeID]--
	}
	return c.indegree[nodeID], true, nil
}

// GetIndegree 当前入度
func (s *MemoryHotStore) GetIndegree(_ context.Context, executionID, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.countersLocked(executionID)
	if err != nil {
		return 0, err
	}
	return c.indegree[nodeID], nil
}

// MarkNodeDone 幂等地递减剩余节点数
func (s *MemoryHotStore) MarkNodeDone(_ context.Context, executionID, nodeID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.countersLocked(executionID)
	if err != nil {
		return 0, false, err
	}
	if c.done[nodeID] {
		return c.remaining, false, nil
	}
	c.done[nodeID] = true
	if c.remaining > 0 {
		c.remaining--
	}
	return c.remaining, true, nil
}

func cloneEntry(e *types.ParkedTaskEntry) *types.ParkedTaskEntry {
	c := *e
	c.Task = e.Task.Clone()
	return &c
}

// Park 放入停车间
func (s *MemoryHotStore) Park(_ context.Context, entry *types.ParkedTaskEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parked[entry.TaskID] = cloneEntry(entry)
	return nil
}

func (s *MemoryHotStore) takeLocked(match func(*types.ParkedTaskEntry) bool, limit int) []*types.ParkedTaskEntry {
	out := make([]*types.ParkedTaskEntry, 0)
	for _, e := range s.parked {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WakeDeadline.Equal(out[j].WakeDeadline) {
			return out[i].WakeDeadline.Before(out[j].WakeDeadline)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, e := range out {
		delete(s.parked, e.TaskID)
	}
	return out
}

// TakeParked 取出等待某个前驱的条目
func (s *MemoryHotStore) TakeParked(_ context.Context, executionID, waitingOn string) ([]*types.ParkedTaskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(func(e *types.ParkedTaskEntry) bool {
		return e.ExecutionID == executionID && e.WaitingOn == waitingOn
	}, 0), nil
}

// TakeExpiredParked 取出已到期的条目
func (s *MemoryHotStore) TakeExpiredParked(_ context.Context, now time.Time, limit int) ([]*types.ParkedTaskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(func(e *types.ParkedTaskEntry) bool {
		return !e.WakeDeadline.After(now)
	}, limit), nil
}

// TakeParkedByExecution 取出某个Execution的全部条目
func (s *MemoryHotStore) TakeParkedByExecution(_ context.Context, executionID string) ([]*types.ParkedTaskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(func(e *types.ParkedTaskEntry) bool {
		return e.ExecutionID == executionID
	}, 0), nil
}

// CountParked 某个Execution的停车条目数
func (s *MemoryHotStore) CountParked(_ context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.parked {
		if e.ExecutionID == executionID {
			n++
		}
	}
	return n, nil
}

// Close 无需释放资源
func (s *MemoryHotStore) Close() error {
	return nil
}

// MemoryColdStore 内存冷存储（对外导出）
type MemoryColdStore struct {
	mu    sync.RWMutex
	execs map[string]*types.Execution
	nodes map[string]map[string]*types.NodeResultRecord
}

// NewMemoryColdStore 创建内存冷存储
func NewMemoryColdStore() *MemoryColdStore {
	return &MemoryColdStore{
		execs: make(map[string]*types.Execution),
		nodes: make(map[string]map[string]*types.NodeResultRecord),
	}
}

// ArchiveExecution 写入Execution
func (s *MemoryColdStore) ArchiveExecution(_ context.Context, exec *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ExecutionID] = exec.Clone()
	return nil
}

// ArchiveNodeResult 写入节点结果
func (s *MemoryColdStore) ArchiveNodeResult(_ context.Context, rec *types.NodeResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.nodes[rec.ExecutionID]
	if byNode == nil {
		byNode = make(map[string]*types.NodeResultRecord)
		s.nodes[rec.ExecutionID] = byNode
	}
	byNode[rec.NodeID] = rec.Clone()
	return nil
}

// GetExecution 获取Execution
func (s *MemoryColdStore) GetExecution(_ context.Context, executionID string) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
	}
	return e.Clone(), nil
}

// GetNodeResult 获取节点结果
func (s *MemoryColdStore) GetNodeResult(_ context.Context, executionID, nodeID string) (*types.NodeResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[executionID][nodeID].Clone(), nil
}

// ListNodeResults 列出节点结果
func (s *MemoryColdStore) ListNodeResults(_ context.Context, executionID string) ([]*types.NodeResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.NodeResultRecord, 0, len(s.nodes[executionID]))
	for _, r := range s.nodes[executionID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// PurgeBefore 删除过期历史
func (s *MemoryColdStore) PurgeBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.execs {
		if e.EndedAt != nil && e.EndedAt.Before(before) {
			delete(s.execs, id)
			delete(s.nodes, id)
			n++
		}
	}
	return n, nil
}

// Close 无需释放资源
func (s *MemoryColdStore) Close() error {
	return nil
}

var (
	_ HotStore  = (*MemoryHotStore)(nil)
	_ ColdStore = (*MemoryColdStore)(nil)
)
