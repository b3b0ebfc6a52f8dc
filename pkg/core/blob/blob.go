// Package blob 大负载的带外存储（对外导出）
// 控制面只传递引用，超过阈值的负载由生产者写入，由消费者按需读取
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// Store Blob存储接口（对外导出）
type Store interface {
	// Put 写入数据并返回引用，相同内容返回相同引用
	Put(ctx context.Context, data []byte) (string, error)
	// Get 读取数据，不存在时返回ErrBlobNotFound
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// ContentKey 内容寻址的Key，重复写入同一输出是幂等的
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256/" + hex.EncodeToString(sum[:])
}

// MemoryStore 内存Blob存储
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore 创建内存Blob存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Put 写入
func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	key := ContentKey(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return key, nil
}

// Get 读取
func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrBlobNotFound, ref)
	}
	return append([]byte(nil), d...), nil
}

// Delete 删除
func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, ref)
	return nil
}

// Len 已存储的对象数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Codec 负载编解码：小于阈值内联，否则写入Blob Store
type Codec struct {
	store     Store
	threshold int
}

// NewCodec 创建编解码器，threshold<=0时全部内联
func NewCodec(store Store, threshold int) *Codec {
	return &Codec{store: store, threshold: threshold}
}

// Encode 编码任意值为负载引用
func (c *Codec) Encode(ctx context.Context, v any) (types.PayloadRef, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return types.PayloadRef{}, types.NewValidationError("负载序列化失败", err)
	}
	return c.EncodeBytes(ctx, data)
}

// EncodeBytes 编码JSON字节
func (c *Codec) EncodeBytes(ctx context.Context, data []byte) (types.PayloadRef, error) {
	if c.store == nil || c.threshold <= 0 || len(data) <= c.threshold {
		return types.PayloadRef{Inline: data}, nil
	}
	key, err := c.store.Put(ctx, data)
	if err != nil {
		return types.PayloadRef{}, types.NewTransientError("写入Blob失败", err)
	}
	return types.PayloadRef{BlobKey: key}, nil
}

// Bytes 解析引用得到原始字节
func (c *Codec) Bytes(ctx context.Context, ref types.PayloadRef) ([]byte, error) {
	if !ref.IsBlob() {
		return ref.Inline, nil
	}
	if c.store == nil {
		return nil, types.NewValidationError("未配置Blob Store，无法解析引用 "+ref.BlobKey, nil)
	}
	data, err := c.store.Get(ctx, ref.BlobKey)
	if err != nil {
		return nil, types.NewTransientError("读取Blob失败", err)
	}
	return data, nil
}

// Decode 解析引用并反序列化
func (c *Codec) Decode(ctx context.Context, ref types.PayloadRef, out any) error {
	data, err := c.Bytes(ctx, ref)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.NewValidationError("负载格式错误", err)
	}
	return nil
}
