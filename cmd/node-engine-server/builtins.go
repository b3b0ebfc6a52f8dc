package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/node-engine/pkg/core/engine"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// registerBuiltins 注册服务端内置的节点类型
// noop: 原样输出节点配置与上游输出；sleep: 等待config.duration后成功，可被取消
func registerBuiltins(b *engine.EngineBuilder) *engine.EngineBuilder {
	return b.
		WithExecutorFunc("noop", noop).
		WithExecutorFunc("sleep", sleep)
}

func noop(_ context.Context, spec types.NodeSpec, inputs map[string]any, _ *registry.ExecContext) (map[string]any, error) {
	out := map[string]any{"node": spec.ID}
	if len(spec.Config) > 0 {
		out["config"] = spec.Config
	}
	if len(inputs) > 0 {
		out["inputs"] = inputs
	}
	return out, nil
}

func sleep(ctx context.Context, spec types.NodeSpec, _ map[string]any, _ *registry.ExecContext) (map[string]any, error) {
	raw, _ := spec.Config["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, types.NewValidationError(fmt.Sprintf("节点 %s 的duration无效: %q", spec.ID, raw), err)
	}
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
