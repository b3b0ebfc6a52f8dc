// Package reliability 重试策略、熔断器与死信队列（对外导出）
package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// 退避策略名称
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// RetryPolicy 重试退避策略（对外导出）
// retryCount为本次失败之前已经重试的次数，从0开始
type RetryPolicy interface {
	Name() string
	NextDelay(retryCount int) time.Duration
}

// FixedBackoff 固定间隔
type FixedBackoff struct {
	Delay time.Duration
}

// Name 策略名称
func (b FixedBackoff) Name() string { return StrategyFixed }

// NextDelay 计算下次重试延迟
func (b FixedBackoff) NextDelay(int) time.Duration { return b.Delay }

// LinearBackoff 线性增长：base * (retryCount + 1)，不超过Max
type LinearBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Name 策略名称
func (b LinearBackoff) Name() string { return StrategyLinear }

// NextDelay 计算下次重试延迟
func (b LinearBackoff) NextDelay(retryCount int) time.Duration {
	d := b.Base * time.Duration(retryCount+1)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ExponentialBackoff 指数退避：base * multiplier^retryCount，带抖动并封顶
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64 // 倍增因子（默认2.0）
	Jitter     float64 // 抖动因子，0表示不抖动，0.1表示±10%

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff 创建指数退避策略
func NewExponentialBackoff(base, max time.Duration, multiplier, jitter float64) *ExponentialBackoff {
	if multiplier <= 1 {
		multiplier = 2.0
	}
	return &ExponentialBackoff{
		Base:       base,
		Max:        max,
		Multiplier: multiplier,
		Jitter:     jitter,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name 策略名称
func (b *ExponentialBackoff) Name() string { return StrategyExponential }

// NextDelay 计算下次重试延迟
func (b *ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(retryCount))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		if b.rand == nil {
			b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		factor := 1 + b.Jitter*(2*b.rand.Float64()-1)
		b.mu.Unlock()
		d *= factor
		if b.Max > 0 && d > float64(b.Max) {
			d = float64(b.Max)
		}
	}
	return time.Duration(d)
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	Strategy   string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

// NewRetryPolicy 根据配置创建重试策略
func NewRetryPolicy(cfg RetryConfig) (RetryPolicy, error) {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	switch cfg.Strategy {
	case StrategyFixed:
		return FixedBackoff{Delay: base}, nil
	case StrategyLinear:
		return LinearBackoff{Base: base, Max: cfg.MaxDelay}, nil
	case StrategyExponential, "":
		return NewExponentialBackoff(base, cfg.MaxDelay, cfg.Multiplier, cfg.Jitter), nil
	default:
		return nil, fmt.Errorf("不支持的重试策略: %s", cfg.Strategy)
	}
}

// PolicySet 按任务类型/节点类型选择重试策略
type PolicySet struct {
	mu       sync.RWMutex
	fallback RetryPolicy
	byType   map[string]RetryPolicy
}

// NewPolicySet 创建策略集合
func NewPolicySet(fallback RetryPolicy) *PolicySet {
	return &PolicySet{fallback: fallback, byType: make(map[string]RetryPolicy)}
}

// Set 为某个类型设置策略
func (s *PolicySet) Set(taskType string, policy RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType[taskType] = policy
}

// For 获取某个类型的策略，未设置时返回默认策略
func (s *PolicySet) For(taskType string) RetryPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byType[taskType]; ok {
		return p
	}
	return s.fallback
}

// RetryStoreWrite 以幂等写的方式重试存储写操作，耗尽后返回最后一次错误
// 语义性错误（终态记录已存在、非法迁移等）不重试，直接返回
func RetryStoreWrite(ctx context.Context, attempts int, delay time.Duration, op func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if isPermanentStoreErr(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("存储写入重试%d次后仍失败: %w", attempts, err)
}

func isPermanentStoreErr(err error) bool {
	return errors.Is(err, types.ErrTerminalRecordExists) ||
		errors.Is(err, types.ErrInvalidTransition) ||
		errors.Is(err, types.ErrExecutionNotFound) ||
		errors.Is(err, types.ErrExecutionTerminal) ||
		errors.Is(err, context.Canceled)
}
