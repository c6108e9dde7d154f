package dht

import (
	"context"
	"strings"

	"titan/pkg/model"
	"titan/pkg/store"
)

// Transport 底层的分布式 KV。值只是提示，丢失或过期都可以接受
type Transport interface {
	// Put 尽力写入，至少保证本地可读
	Put(ctx context.Context, key string, value []byte) error
	// Get 找不到时返回 fleeterr.NotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Connect 连接种子节点，返回成功连接的数量
	Connect(ctx context.Context, peers []string) (int, error)
	// Addrs 本节点可被他人拨号的地址
	Addrs() []string
	Close() error
}

// 定义 Key 的前缀，libp2p 要求 /<namespace>/<rest> 的形式
const (
	namespace        = "fleet"
	workerKeyPrefix  = store.KeyPrefix + "worker/"
	serviceKeyPrefix = store.KeyPrefix + "service/"
)

func workerKey(id string) string {
	return workerKeyPrefix + strings.ReplaceAll(id, "/", "_")
}

func serviceKey(name model.ServiceName) string {
	return serviceKeyPrefix + string(name)
}
