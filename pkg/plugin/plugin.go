package plugin

import (
	"context"

	"github.com/LENAX/node-engine/pkg/core/events"
)

// Plugin 插件接口（对外导出）
type Plugin interface {
	// Name 插件名称，在Manager内唯一
	Name() string
	// Init 使用绑定参数初始化插件
	Init(params map[string]string) error
	// Execute 处理一次事件
	Execute(ctx context.Context, ev events.Event) error
}

// AlertEvents 默认可绑定告警插件的事件（对外导出）
var AlertEvents = []events.Type{
	events.ExecutionSucceeded,
	events.ExecutionFailed,
	events.ExecutionCancelled,
	events.TaskDeadLettered,
	events.BreakerOpened,
}
