// Package store Execution Store：热存储（可变的运行时状态）与冷存储（持久的历史记录）（对外导出）
package store

import (
	"context"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// ClaimResult 节点认领结果
type ClaimResult int

const (
	// ClaimAcquired 认领成功，可以执行
	ClaimAcquired ClaimResult = iota
	// ClaimTerminal 已存在终态记录，直接短路
	ClaimTerminal
	// ClaimHeld 其他任务持有未过期的认领
	ClaimHeld
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "Acquired"
	case ClaimTerminal:
		return "Terminal"
	case ClaimHeld:
		return "Held"
	default:
		return "Unknown"
	}
}

// HotStore 热存储接口（对外导出）
// 每个操作单独原子，跨操作的一致性依赖幂等的逐边递减
type HotStore interface {
	// CreateExecution 创建Execution，已存在时返回错误
	CreateExecution(ctx context.Context, exec *types.Execution) error
	// GetExecution 不存在时返回ErrExecutionNotFound
	GetExecution(ctx context.Context, executionID string) (*types.Execution, error)
	// TransitionExecution 按单调状态机CAS迁移，不满足迁移条件时返回false
	TransitionExecution(ctx context.Context, executionID string, to types.ExecutionStatus, reason string) (bool, *types.Execution, error)
	// RequestCancel 设置取消标记
	RequestCancel(ctx context.Context, executionID string) (*types.Execution, error)
	// TouchExecution 刷新UpdatedAt，用于存活判断
	TouchExecution(ctx context.Context, executionID string) error
	// ListExecutions 列出热存储中的全部Execution
	ListExecutions(ctx context.Context) ([]*types.Execution, error)
	// DeleteExecution 删除Execution的全部热状态
	DeleteExecution(ctx context.Context, executionID string) error

	// GetNodeRecord 不存在时返回nil, nil
	GetNodeRecord(ctx context.Context, executionID, nodeID string) (*types.NodeResultRecord, error)
	ListNodeRecords(ctx context.Context, executionID string) ([]*types.NodeResultRecord, error)
	// PutNodeRecord 写入节点记录，已存在终态记录时返回ErrTerminalRecordExists
	PutNodeRecord(ctx context.Context, rec *types.NodeResultRecord) error
	// ClaimNode 认领节点执行权：终态短路，他人未过期的认领视为重复投递，过期或同一claimant的认领被接管
	ClaimNode(ctx context.Context, executionID, nodeID, claimant string, until time.Time) (ClaimResult, *types.NodeResultRecord, error)

	// InitCounters 初始化入度计数与剩余节点计数
	InitCounters(ctx context.Context, executionID string, indegrees map[string]int, remaining int) error
	// DecrementIndegree 每条边(pred->node)只递减一次，返回递减后的入度与是否实际递减
	DecrementIndegree(ctx context.Context, executionID, nodeID, predID string) (int, bool, error)
	GetIndegree(ctx context.Context, executionID, nodeID string) (int, error)
	// MarkNodeDone 每个节点只计一次，返回剩余未终结节点数
	MarkNodeDone(ctx context.Context, executionID, nodeID string) (int, bool, error)

	// Park 以WaitingOn为键放入停车间，同一TaskID重复放入覆盖旧条目
	Park(ctx context.Context, entry *types.ParkedTaskEntry) error
	// TakeParked 取出并移除等待某个前驱的全部条目
	TakeParked(ctx context.Context, executionID, waitingOn string) ([]*types.ParkedTaskEntry, error)
	// TakeExpiredParked 取出并移除WakeDeadline已到期的条目
	TakeExpiredParked(ctx context.Context, now time.Time, limit int) ([]*types.ParkedTaskEntry, error)
	// TakeParkedByExecution 取出并移除某个Execution的全部条目
	TakeParkedByExecution(ctx context.Context, executionID string) ([]*types.ParkedTaskEntry, error)
	CountParked(ctx context.Context, executionID string) (int, error)

	Close() error
}

// ColdStore 冷存储接口（对外导出）
// 终态Execution与节点结果的持久化历史
type ColdStore interface {
	// ArchiveExecution 写入或覆盖Execution
	ArchiveExecution(ctx context.Context, exec *types.Execution) error
	// ArchiveNodeResult 写入或覆盖节点结果
	ArchiveNodeResult(ctx context.Context, rec *types.NodeResultRecord) error
	// GetExecution 不存在时返回ErrExecutionNotFound
	GetExecution(ctx context.Context, executionID string) (*types.Execution, error)
	// GetNodeResult 不存在时返回nil, nil
	GetNodeResult(ctx context.Context, executionID, nodeID string) (*types.NodeResultRecord, error)
	ListNodeResults(ctx context.Context, executionID string) ([]*types.NodeResultRecord, error)
	// PurgeBefore 删除结束时间早于before的Execution及其节点结果
	PurgeBefore(ctx context.Context, before time.Time) (int, error)
	Close() error
}
