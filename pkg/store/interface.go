package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KV 定义了整个 fleet 对共享存储的所有需求
// 任何实现了这个接口的 Struct (etcd / consul / 内存) 都可以被注入到引导流程和协调器中
//
// Increment 和 AppendUnique 必须是真正的原子操作 (CAS 语义)，
// 先读后写的朴素实现在两个 joiner 竞争时会分到同一个地址。
type KV interface {
	// Get 读取 key，不存在返回 NotFound 错误
	Get(ctx context.Context, key string) ([]byte, error)

	// Put 无条件写入
	Put(ctx context.Context, key string, value []byte) error

	// PutIfNotExists "create if absent"，key 已存在时返回 created=false 且 err=nil
	PutIfNotExists(ctx context.Context, key string, value []byte) (created bool, err error)

	// Increment 对 JSON 文档中的整型字段原子加一，返回加一之后的值
	Increment(ctx context.Context, key, field string) (int64, error)

	// AppendUnique 向 JSON 字符串数组原子追加 (去重)，返回追加后的完整列表
	AppendUnique(ctx context.Context, key, value string) ([]string, error)

	// GetList 读取 AppendUnique 维护的列表，不存在返回空列表
	GetList(ctx context.Context, key string) ([]string, error)

	Delete(ctx context.Context, key string) error

	Close() error
}

// 单次 CAS 循环的最大尝试次数，超过视为瞬时错误
const maxCASAttempts = 64

// DefaultTimeout 共享存储调用的默认超时
const DefaultTimeout = 10 * time.Second

// GetJSON 封装通用的 Get + JSON 反序列化
func GetJSON(ctx context.Context, kv KV, key string, out any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON 封装通用的 JSON 序列化 + Put 操作
func PutJSON(ctx context.Context, kv KV, key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return kv.Put(ctx, key, data)
}

// PutJSONIfNotExists JSON 版本的 create-if-absent
func PutJSONIfNotExists(ctx context.Context, kv KV, key string, val any) (bool, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return false, err
	}
	return kv.PutIfNotExists(ctx, key, data)
}
