package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/types"
)

func TestExponentialBackoff_NoJitter(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 0, 2.0, 0)
	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, 2*time.Second, b.NextDelay(1))
	assert.Equal(t, 4*time.Second, b.NextDelay(2))
	assert.Equal(t, 8*time.Second, b.NextDelay(3))
}

func TestExponentialBackoff_CapAndJitter(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 5*time.Second, 2.0, 0.1)
	for i := 0; i < 100; i++ {
		d := b.NextDelay(1)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
	assert.LessOrEqual(t, b.NextDelay(10), 5*time.Second)
}

func TestLinearAndFixedBackoff(t *testing.T) {
	l := LinearBackoff{Base: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, l.NextDelay(0))
	assert.Equal(t, 2*time.Second, l.NextDelay(1))
	assert.Equal(t, 3*time.Second, l.NextDelay(5))

	f := FixedBackoff{Delay: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, f.NextDelay(7))
}

func TestNewRetryPolicy(t *testing.T) {
	p, err := NewRetryPolicy(RetryConfig{Strategy: StrategyFixed, BaseDelay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StrategyFixed, p.Name())

	p, err = NewRetryPolicy(RetryConfig{})
	require.NoError(t, err)
	assert.Equal(t, StrategyExponential, p.Name())

	_, err = NewRetryPolicy(RetryConfig{Strategy: "random"})
	assert.Error(t, err)
}

func TestPolicySet(t *testing.T) {
	set := NewPolicySet(FixedBackoff{Delay: time.Second})
	set.Set("http", LinearBackoff{Base: time.Second})
	assert.Equal(t, StrategyLinear, set.For("http").Name())
	assert.Equal(t, StrategyFixed, set.For("other").Name())
}

func TestRetryStoreWrite(t *testing.T) {
	calls := 0
	err := RetryStoreWrite(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("连接被重置")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryStoreWrite(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
		calls++
		return types.ErrTerminalRecordExists
	})
	assert.ErrorIs(t, err, types.ErrTerminalRecordExists)
	assert.Equal(t, 1, calls, "语义性错误不应重试")

	err = RetryStoreWrite(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
		return errors.New("一直失败")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "重试2次")
}
