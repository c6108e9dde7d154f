package dht

import (
	"context"
	"fmt"
	"sync"

	"titan/pkg/fleeterr"
)

// MemoryNetwork 进程内的共享 DHT，测试和单机部署用
type MemoryNetwork struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{data: map[string][]byte{}}
}

// Join 以 name 加入网络，返回该节点视角的 Transport
func (n *MemoryNetwork) Join(name string) *MemoryTransport {
	return &MemoryTransport{net: n, addr: fmt.Sprintf("/memory/%s", name)}
}

type MemoryTransport struct {
	net  *MemoryNetwork
	addr string
}

func (m *MemoryTransport) Put(ctx context.Context, key string, value []byte) error {
	if err := (recordValidator{}).Validate(key, value); err != nil {
		return fleeterr.Invariant("dht put", "%v", err)
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if old, ok := m.net.data[key]; ok {
		// 已有更新的记录时不覆盖
		oldAt, _ := decodeStamp(old)
		newAt, _ := decodeStamp(value)
		if oldAt.After(newAt) {
			return nil
		}
	}
	m.net.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryTransport) Get(ctx context.Context, key string) ([]byte, error) {
	m.net.mu.RLock()
	defer m.net.mu.RUnlock()
	v, ok := m.net.data[key]
	if !ok {
		return nil, fleeterr.NotFound("dht get", "%s", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryTransport) Connect(ctx context.Context, peers []string) (int, error) {
	n := 0
	for _, p := range peers {
		if p != m.addr {
			n++
		}
	}
	return n, nil
}

func (m *MemoryTransport) Addrs() []string { return []string{m.addr} }

func (m *MemoryTransport) Close() error { return nil }
