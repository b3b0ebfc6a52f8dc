package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/LENAX/node-engine/pkg/core/types"
	"github.com/LENAX/node-engine/pkg/log"
)

// TopicTaskEnqueued 入队提示的主题
const TopicTaskEnqueued = "node-engine.task.enqueued"

// Notifier 入队唤醒提示（对外导出）
// 只是降低空闲Worker唤醒延迟的优化，关闭后轮询循环仍然保证正确性
type Notifier interface {
	Notify(ctx context.Context, task *types.Task) error
	// Subscribe 返回一个提示通道，多个提示可能被合并为一个
	Subscribe(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// ChannelNotifier 基于watermill gochannel的进程内提示
type ChannelNotifier struct {
	pubsub *gochannel.GoChannel
	topic  string
}

// NewChannelNotifier 创建进程内提示
func NewChannelNotifier() *ChannelNotifier {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewWatermillLogger(),
	)
	return &ChannelNotifier{pubsub: pubsub, topic: TopicTaskEnqueued}
}

// Notify 发布入队提示
func (n *ChannelNotifier) Notify(_ context.Context, task *types.Task) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(task.ID))
	msg.Metadata.Set("execution_id", task.ExecutionID)
	if err := n.pubsub.Publish(n.topic, msg); err != nil {
		return fmt.Errorf("发布入队提示失败: %w", err)
	}
	return nil
}

// Subscribe 订阅入队提示
func (n *ChannelNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	messages, err := n.pubsub.Subscribe(ctx, n.topic)
	if err != nil {
		return nil, fmt.Errorf("订阅入队提示失败: %w", err)
	}
	return Coalesce(ctx, messages), nil
}

// Close 关闭pubsub
func (n *ChannelNotifier) Close() error {
	return n.pubsub.Close()
}

// Coalesce 把消息流合并为容量为1的提示通道
func Coalesce(ctx context.Context, messages <-chan *message.Message) <-chan struct{} {
	hints := make(chan struct{}, 1)
	go func() {
		defer close(hints)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				msg.Ack()
				select {
				case hints <- struct{}{}:
				default:
				}
			}
		}
	}()
	return hints
}

// Wait 等待提示或轮询间隔到期，ctx取消时返回false
func Wait(ctx context.Context, hints <-chan struct{}, pollInterval time.Duration) bool {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case _, ok := <-hints:
		if !ok {
			// 提示通道已关闭，退化为纯轮询
			select {
			case <-ctx.Done():
				return false
			case <-timer.C:
				return true
			}
		}
		return true
	}
}

// watermillLogger 把watermill日志接入项目日志
type watermillLogger struct {
	fields watermill.LogFields
}

// NewWatermillLogger 创建watermill日志适配器
func NewWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	log.Errorf("[Watermill] %s: %v %v", msg, err, l.merge(fields))
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	log.Debugf("[Watermill] %s %v", msg, l.merge(fields))
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	log.Debugf("[Watermill] %s %v", msg, l.merge(fields))
}

func (l *watermillLogger) Trace(string, watermill.LogFields) {}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.merge(fields)}
}

func (l *watermillLogger) merge(fields watermill.LogFields) watermill.LogFields {
	return l.fields.Add(fields)
}
