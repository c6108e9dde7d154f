package dht

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"titan/pkg/fleeterr"
)

// Node 在 Transport 之上加一层本地写穿缓存：自己写过的记录总能读回来，
// 即便网络里暂时没有别的节点
type Node struct {
	t   Transport
	log *zap.Logger

	mu    sync.RWMutex
	local map[string][]byte
}

func NewNode(t Transport, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{t: t, log: log, local: map[string][]byte{}}
}

// Set 序列化后写入。网络写失败不影响本地副本，错误照常返回给调用方
func (n *Node) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.local[key] = data
	n.mu.Unlock()

	if err := n.t.Put(ctx, key, data); err != nil {
		n.log.Warn("dht put failed, kept local copy", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Get 优先网络里的值，取不到时退回本地副本
func (n *Node) Get(ctx context.Context, key string, out any) error {
	data, err := n.t.Get(ctx, key)
	if err != nil {
		n.mu.RLock()
		local, ok := n.local[key]
		n.mu.RUnlock()
		if !ok {
			return err
		}
		if !errors.Is(err, fleeterr.ErrNotFound) {
			n.log.Debug("dht get failed, serving local copy", zap.String("key", key), zap.Error(err))
		}
		data = local
	} else {
		n.mu.RLock()
		local, ok := n.local[key]
		n.mu.RUnlock()
		if ok {
			if i, serr := (recordValidator{}).Select(key, [][]byte{data, local}); serr == nil && i == 1 {
				data = local
			}
		}
	}
	return json.Unmarshal(data, out)
}

func (n *Node) Connect(ctx context.Context, peers []string) (int, error) {
	return n.t.Connect(ctx, peers)
}

func (n *Node) Addrs() []string { return n.t.Addrs() }

func (n *Node) Close() error { return n.t.Close() }
