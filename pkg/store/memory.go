package store

import (
	"context"
	"sync"

	"titan/pkg/fleeterr"
)

// MemoryKV 进程内实现，单机开发和测试使用
// 所有操作都在同一把锁下完成，天然满足原子性
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fleeterr.Transient("kv get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fleeterr.NotFound("kv get", "key %s not found", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return fleeterr.Transient("kv put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) PutIfNotExists(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fleeterr.Transient("kv put-if-not-exists", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *MemoryKV) Increment(ctx context.Context, key, field string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fleeterr.Transient("kv increment", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.data[key]
	if !ok {
		return 0, fleeterr.NotFound("kv increment", "key %s not found", key)
	}
	out, next, err := incrementField(doc, field)
	if err != nil {
		return 0, err
	}
	m.data[key] = out
	return next, nil
}

func (m *MemoryKV) AppendUnique(ctx context.Context, key, value string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fleeterr.Transient("kv append", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out, list, changed, err := appendUnique(m.data[key], value)
	if err != nil {
		return nil, err
	}
	if changed {
		m.data[key] = out
	}
	return list, nil
}

func (m *MemoryKV) GetList(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fleeterr.Transient("kv get list", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeList(m.data[key])
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Close() error { return nil }
