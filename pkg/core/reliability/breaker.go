package reliability

import (
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String 状态名称
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerKey 熔断器分组键
type BreakerKey struct {
	NodeType   string
	Dependency string
}

// String 键的字符串形式
func (k BreakerKey) String() string {
	if k.Dependency == "" {
		return k.NodeType
	}
	return k.NodeType + "@" + k.Dependency
}

type breakerEntry struct {
	state      BreakerState
	failures   int
	openedAt   time.Time
	probeInUse bool
	probeAt    time.Time
}

// CircuitBreaker 按(node_type, external_dependency)统计连续失败的熔断器（对外导出）
// 打开后在冷却窗口内快速失败，不消耗重试预算；冷却结束后放行一次探测
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       types.NowFunc
	entries   map[BreakerKey]*breakerEntry
	onChange  func(key BreakerKey, from, to BreakerState)
}

// BreakerOption 熔断器选项
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock 注入时钟
func WithBreakerClock(now types.NowFunc) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithStateChangeHook 状态变化回调，在持锁状态下调用，回调内不能再访问熔断器
func WithStateChangeHook(fn func(key BreakerKey, from, to BreakerState)) BreakerOption {
	return func(b *CircuitBreaker) { b.onChange = fn }
}

// NewCircuitBreaker 创建熔断器，threshold<=0时永不打开
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		entries:   make(map[BreakerKey]*breakerEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CircuitBreaker) entry(key BreakerKey) *breakerEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{}
		b.entries[key] = e
	}
	return e
}

func (b *CircuitBreaker) transition(key BreakerKey, e *breakerEntry, to BreakerState) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}

// Allow 是否允许本次调度；打开状态下返回剩余冷却时间
func (b *CircuitBreaker) Allow(key BreakerKey) (bool, time.Duration) {
	if b == nil || b.threshold <= 0 {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	switch e.state {
	case BreakerOpen:
		elapsed := b.now().Sub(e.openedAt)
		if elapsed < b.cooldown {
			return false, b.cooldown - elapsed
		}
		b.transition(key, e, BreakerHalfOpen)
		e.probeInUse, e.probeAt = true, b.now()
		return true, 0
	case BreakerHalfOpen:
		// 探测结果未回报且未超过冷却时间时拒绝其余调度
		if e.probeInUse && b.now().Sub(e.probeAt) < b.cooldown {
			return false, b.cooldown - b.now().Sub(e.probeAt)
		}
		e.probeInUse, e.probeAt = true, b.now()
		return true, 0
	default:
		return true, 0
	}
}

// RecordSuccess 记录一次成功，关闭熔断器
func (b *CircuitBreaker) RecordSuccess(key BreakerKey) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.failures = 0
	e.probeInUse = false
	b.transition(key, e, BreakerClosed)
}

// RecordFailure 记录一次失败，连续失败达到阈值或探测失败时打开
func (b *CircuitBreaker) RecordFailure(key BreakerKey) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.failures++
	e.probeInUse = false
	if e.state == BreakerHalfOpen || e.failures >= b.threshold {
		e.openedAt = b.now()
		b.transition(key, e, BreakerOpen)
	}
}

// State 查询当前状态
func (b *CircuitBreaker) State(key BreakerKey) BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return BreakerClosed
}

// Snapshot 所有键的当前状态
func (b *CircuitBreaker) Snapshot() map[string]BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerState, len(b.entries))
	for k, e := range b.entries {
		out[k.String()] = e.state
	}
	return out
}
