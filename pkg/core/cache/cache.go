// Package cache 带过期时间的内存缓存（对外导出）
// 用于缓存不可变的数据：终态节点记录、终态Execution、解码后的Workflow快照
package cache

import (
	"sync"
	"time"
)

// Cache 缓存接口（对外导出）
type Cache[V any] interface {
	// Set 设置缓存值，ttl<=0时使用默认有效期
	Set(key string, value V, ttl time.Duration)
	// Get 获取缓存值
	Get(key string) (V, bool)
	Delete(key string)
	Clear()
	Len() int
}

// cacheEntry 缓存条目（内部使用）
type cacheEntry[V any] struct {
	value      V
	expireTime time.Time
}

// Options 缓存选项
type Options struct {
	DefaultTTL    time.Duration
	CleanInterval time.Duration
	Now           func() time.Time
}

// TTLCache 内存TTL缓存实现（对外导出）
type TTLCache[V any] struct {
	mu         sync.RWMutex
	items      map[string]*cacheEntry[V]
	defaultTTL time.Duration
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New 创建缓存，CleanInterval>0时启动后台清理协程
func New[V any](opts Options) *TTLCache[V] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &TTLCache[V]{
		items:      make(map[string]*cacheEntry[V]),
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		stopCh:     make(chan struct{}),
	}
	if opts.CleanInterval > 0 {
		go c.cleanupLoop(opts.CleanInterval)
	}
	return c
}

// Set 设置缓存值
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &cacheEntry[V]{value: value, expireTime: c.now().Add(ttl)}
}

// Get 获取缓存值，过期条目视为不存在
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expireTime) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Delete 删除缓存值
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空所有缓存
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*cacheEntry[V])
}

// Len 当前条目数（含未清理的过期条目）
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Purge 清理过期条目，返回清理数量
func (c *TTLCache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, entry := range c.items {
		if now.After(entry.expireTime) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Close 停止清理协程
func (c *TTLCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *TTLCache[V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

var _ Cache[int] = (*TTLCache[int])(nil)
