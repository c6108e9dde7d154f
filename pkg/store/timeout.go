package store

import (
	"context"
	"time"
)

// timeoutKV 给每次共享存储调用单独加超时。
// etcd client 在 ctx 结束前会一直重试，调用方的 ctx 往往没有 deadline
type timeoutKV struct {
	KV
	timeout time.Duration
}

// WithTimeout 包装 kv，d<=0 时使用 DefaultTimeout
func WithTimeout(kv KV, d time.Duration) KV {
	if d <= 0 {
		d = DefaultTimeout
	}
	if t, ok := kv.(*timeoutKV); ok {
		return &timeoutKV{KV: t.KV, timeout: d}
	}
	return &timeoutKV{KV: kv, timeout: d}
}

func (t *timeoutKV) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.Get(ctx, key)
}

func (t *timeoutKV) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.Put(ctx, key, value)
}

func (t *timeoutKV) PutIfNotExists(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.PutIfNotExists(ctx, key, value)
}

func (t *timeoutKV) Increment(ctx context.Context, key, field string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.Increment(ctx, key, field)
}

func (t *timeoutKV) AppendUnique(ctx context.Context, key, value string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.AppendUnique(ctx, key, value)
}

func (t *timeoutKV) GetList(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.GetList(ctx, key)
}

func (t *timeoutKV) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.KV.Delete(ctx, key)
}
