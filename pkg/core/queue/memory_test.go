package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/queue"
	"github.com/LENAX/node-engine/pkg/core/queue/queuetest"
	"github.com/LENAX/node-engine/pkg/core/types"
)

func TestMemoryQueue_Contract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts ...queue.Option) queue.TaskQueue {
		return queue.NewMemoryQueue(opts...)
	})
}

func TestMemoryQueue_NotifiesOnEnqueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := queue.NewChannelNotifier()
	defer notifier.Close()
	hints, err := notifier.Subscribe(ctx)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(queue.WithNotifier(notifier))
	_, err = q.Enqueue(ctx, types.NewWorkflowTask("e1", "wf", types.PayloadRef{}))
	require.NoError(t, err)

	select {
	case <-hints:
	case <-time.After(2 * time.Second):
		t.Fatal("未收到入队提示")
	}
}

func TestWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hints := make(chan struct{}, 1)
	hints <- struct{}{}
	start := time.Now()
	assert.True(t, queue.Wait(ctx, hints, time.Hour))
	assert.Less(t, time.Since(start), time.Second, "提示应立即唤醒")

	assert.True(t, queue.Wait(ctx, nil, 10*time.Millisecond), "无提示时按轮询间隔返回")

	cancel()
	assert.False(t, queue.Wait(ctx, hints, time.Hour))
}
