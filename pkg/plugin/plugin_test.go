package plugin

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/events"
)

type mockPlugin struct {
	name       string
	initErr    error
	executeErr error

	mu     sync.Mutex
	params map[string]string
	seen   []events.Event
}

func (m *mockPlugin) Name() string { return m.name }

func (m *mockPlugin) Init(params map[string]string) error {
	m.params = params
	return m.initErr
}

func (m *mockPlugin) Execute(_ context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, ev)
	return m.executeErr
}

func (m *mockPlugin) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func TestManager_Register(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(&mockPlugin{name: "a"}))
	assert.Error(t, m.Register(&mockPlugin{name: "a"}), "重复注册应该失败")
	assert.Error(t, m.Register(nil), "空插件应该失败")
	assert.Error(t, m.Register(&mockPlugin{}), "空名称插件应该失败")
	assert.Equal(t, []string{"a"}, m.List())
}

func TestManager_RegisterWithInitFailureRollsBack(t *testing.T) {
	m := NewManager()
	p := &mockPlugin{name: "bad", initErr: errors.New("boom")}
	err := m.RegisterWithInit(p, map[string]string{"k": "v"})
	require.Error(t, err)
	_, ok := m.Get("bad")
	assert.False(t, ok, "初始化失败的插件不应保留")
	assert.Equal(t, "v", p.params["k"])
}

func TestManager_BindAndTrigger(t *testing.T) {
	m := NewManager()
	p := &mockPlugin{name: "alert"}
	require.NoError(t, m.Register(p))
	assert.Error(t, m.Bind(Binding{PluginName: "missing", Event: events.ExecutionFailed}))
	assert.Error(t, m.Bind(Binding{PluginName: "alert"}))

	require.NoError(t, m.Bind(Binding{PluginName: "alert", Event: events.ExecutionFailed}))
	require.NoError(t, m.Bind(Binding{
		PluginName: "alert",
		Event:      events.TaskDeadLettered,
		Condition:  func(ev events.Event) bool { return ev.NodeType == "http" },
	}))

	ctx := context.Background()
	m.Emit(ctx, events.Event{Type: events.ExecutionFailed, ExecutionID: "e1"})
	m.Emit(ctx, events.Event{Type: events.TaskDeadLettered, NodeType: "sql"})
	m.Emit(ctx, events.Event{Type: events.TaskDeadLettered, NodeType: "http"})
	m.Emit(ctx, events.Event{Type: events.TaskSucceeded})
	assert.Equal(t, 2, p.calls(), "条件不满足或未绑定的事件不应触发")
}

func TestManager_TriggerJoinsErrors(t *testing.T) {
	m := NewManager()
	p := &mockPlugin{name: "flaky", executeErr: errors.New("smtp down")}
	require.NoError(t, m.Register(p))
	require.NoError(t, m.Bind(Binding{PluginName: "flaky", Event: events.BreakerOpened}))

	err := m.Trigger(context.Background(), events.Event{Type: events.BreakerOpened})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}

func TestManager_AsyncEmitAndUnregister(t *testing.T) {
	m := NewManager(WithAsync())
	p := &mockPlugin{name: "async"}
	require.NoError(t, m.Register(p))
	require.NoError(t, m.Bind(Binding{PluginName: "async", Event: events.ExecutionSucceeded}))

	m.Emit(context.Background(), events.Event{Type: events.ExecutionSucceeded})
	m.Wait()
	assert.Equal(t, 1, p.calls())

	require.NoError(t, m.Unregister("async"))
	m.Emit(context.Background(), events.Event{Type: events.ExecutionSucceeded})
	m.Wait()
	assert.Equal(t, 1, p.calls(), "取消注册后不应再触发")
	assert.Error(t, m.Unregister("async"))
}

func TestEmailPlugin_InitValidation(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]string
	}{
		{"缺少smtp_host", map[string]string{"from": "a@x", "to": "b@x"}},
		{"端口格式错误", map[string]string{"smtp_host": "mail", "smtp_port": "abc", "from": "a@x", "to": "b@x"}},
		{"缺少from", map[string]string{"smtp_host": "mail", "to": "b@x"}},
		{"缺少to", map[string]string{"smtp_host": "mail", "from": "a@x", "to": " , "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, NewEmailPlugin().Init(tc.params))
		})
	}
}

func TestEmailPlugin_SendsDeadLetterAlert(t *testing.T) {
	p := NewEmailPlugin()
	require.NoError(t, p.Init(map[string]string{
		"smtp_host": "mail.local",
		"smtp_port": "2525",
		"from":      "engine@local",
		"to":        "ops@local, oncall@local",
	}))

	var gotAddr string
	var gotTo []string
	var gotMsg string
	p.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := p.Execute(context.Background(), events.Event{
		Type:        events.TaskDeadLettered,
		ExecutionID: "exec-1",
		TaskID:      "task-9",
		NodeID:      "fetch",
		NodeType:    "http",
		Attempt:     3,
		Error:       "connection refused",
		At:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"ops@local", "oncall@local"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [进入死信队列] fetch - task-9")
	assert.Contains(t, gotMsg, "错误信息: connection refused")
	assert.True(t, strings.Contains(gotMsg, "尝试次数: 3"))
}

func TestEmailPlugin_NotInitialized(t *testing.T) {
	assert.Error(t, NewEmailPlugin().Execute(context.Background(), events.Event{Type: events.ExecutionFailed}))
}
