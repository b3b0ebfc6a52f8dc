package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/log"
)

// Binding 插件绑定规则（对外导出）
type Binding struct {
	PluginName string                  // 插件名称
	Event      events.Type             // 触发事件
	Condition  func(events.Event) bool // 可选：满足条件才触发
}

// Manager 插件管理器，实现events.Sink（对外导出）
type Manager struct {
	plugins  map[string]Plugin
	bindings map[events.Type][]Binding
	async    bool
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// Option Manager选项
type Option func(*Manager)

// WithAsync 在独立goroutine中执行插件，Emit不阻塞调用方
func WithAsync() Option {
	return func(m *Manager) { m.async = true }
}

// NewManager 创建插件管理器（对外导出）
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		plugins:  make(map[string]Plugin),
		bindings: make(map[events.Type][]Binding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register 注册插件
func (m *Manager) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("插件不能为空")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("插件名称不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("插件 %s 已注册", name)
	}
	m.plugins[name] = p
	return nil
}

// RegisterWithInit 注册并初始化插件，初始化失败时撤销注册
func (m *Manager) RegisterWithInit(p Plugin, params map[string]string) error {
	if err := m.Register(p); err != nil {
		return err
	}
	if err := p.Init(params); err != nil {
		m.mu.Lock()
		delete(m.plugins, p.Name())
		m.mu.Unlock()
		return fmt.Errorf("插件 %s 初始化失败: %w", p.Name(), err)
	}
	return nil
}

// Bind 绑定插件到事件
func (m *Manager) Bind(b Binding) error {
	if b.PluginName == "" {
		return fmt.Errorf("插件名称不能为空")
	}
	if b.Event == "" {
		return fmt.Errorf("触发事件不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[b.PluginName]; !exists {
		return fmt.Errorf("插件 %s 未注册", b.PluginName)
	}
	m.bindings[b.Event] = append(m.bindings[b.Event], b)
	return nil
}

// Trigger 同步执行绑定到事件的全部插件，汇总错误
func (m *Manager) Trigger(ctx context.Context, ev events.Event) error {
	m.mu.RLock()
	bindings := append([]Binding(nil), m.bindings[ev.Type]...)
	m.mu.RUnlock()

	var errs []error
	for _, b := range bindings {
		if b.Condition != nil && !b.Condition(ev) {
			continue
		}
		p, ok := m.Get(b.PluginName)
		if !ok {
			continue
		}
		if err := p.Execute(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("插件 %s 执行失败: %w", b.PluginName, err))
		}
	}
	return errors.Join(errs...)
}

// Emit 实现events.Sink，插件错误只记录日志
func (m *Manager) Emit(ctx context.Context, ev events.Event) {
	if !m.bound(ev.Type) {
		return
	}
	run := func(ctx context.Context) {
		if err := m.Trigger(ctx, ev); err != nil {
			log.Warnf("⚠️ [Plugin] 事件 %s 触发插件失败: %v", ev.Type, err)
		}
	}
	if !m.async {
		run(ctx)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(context.WithoutCancel(ctx))
	}()
}

func (m *Manager) bound(t events.Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings[t]) > 0
}

// Wait 等待异步执行中的插件结束
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Get 获取已注册的插件
func (m *Manager) Get(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// List 已注册插件名称，按字典序
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister 取消注册插件并移除其绑定
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[name]; !exists {
		return fmt.Errorf("插件 %s 未注册", name)
	}
	delete(m.plugins, name)

	for event, list := range m.bindings {
		filtered := list[:0]
		for _, b := range list {
			if b.PluginName != name {
				filtered = append(filtered, b)
			}
		}
		m.bindings[event] = filtered
	}
	return nil
}

var _ events.Sink = (*Manager)(nil)
