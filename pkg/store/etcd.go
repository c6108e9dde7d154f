package store

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"titan/pkg/fleeterr"
)

type EtcdKV struct {
	client *clientv3.Client
}

// NewEtcdKV 初始化 Etcd 连接
func NewEtcdKV(endpoints []string, dialTimeout time.Duration) (*EtcdKV, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fleeterr.Transient("etcd connect", err)
	}
	return &EtcdKV{client: cli}, nil
}

func (e *EtcdKV) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, fleeterr.Transient("etcd get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fleeterr.NotFound("etcd get", "key %s not found", key)
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, key, string(value)); err != nil {
		return fleeterr.Transient("etcd put", err)
	}
	return nil
}

// PutIfNotExists 核心：事务里比较 CreateRevision == 0 (key 从未创建过)
func (e *EtcdKV) PutIfNotExists(ctx context.Context, key string, value []byte) (bool, error) {
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return false, fleeterr.Transient("etcd put-if-not-exists", err)
	}
	return resp.Succeeded, nil
}

func (e *EtcdKV) Increment(ctx context.Context, key, field string) (int64, error) {
	var next int64
	err := e.update(ctx, key, false, func(old []byte) ([]byte, bool, error) {
		out, n, err := incrementField(old, field)
		if err != nil {
			return nil, false, err
		}
		next = n
		return out, true, nil
	})
	return next, err
}

func (e *EtcdKV) AppendUnique(ctx context.Context, key, value string) ([]string, error) {
	var list []string
	err := e.update(ctx, key, true, func(old []byte) ([]byte, bool, error) {
		out, l, changed, err := appendUnique(old, value)
		if err != nil {
			return nil, false, err
		}
		list = l
		return out, changed, nil
	})
	return list, err
}

func (e *EtcdKV) GetList(ctx context.Context, key string) ([]string, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, fleeterr.Transient("etcd get list", err)
	}
	if len(resp.Kvs) == 0 {
		return []string{}, nil
	}
	return decodeList(resp.Kvs[0].Value)
}

func (e *EtcdKV) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return fleeterr.Transient("etcd delete", err)
	}
	return nil
}

func (e *EtcdKV) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// update 读-改-CAS 写循环：用 ModRevision 做乐观锁，别人抢先写了就重读重算
// createMissing=false 时 key 不存在直接返回 NotFound
func (e *EtcdKV) update(ctx context.Context, key string, createMissing bool, fn func(old []byte) ([]byte, bool, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		resp, err := e.client.Get(ctx, key)
		if err != nil {
			return fleeterr.Transient("etcd cas read", err)
		}

		var (
			old []byte
			cmp clientv3.Cmp
		)
		if len(resp.Kvs) > 0 {
			old = resp.Kvs[0].Value
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		} else {
			if !createMissing {
				return fleeterr.NotFound("etcd cas", "key %s not found", key)
			}
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}

		next, changed, err := fn(old)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		txn, err := e.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(next))).Commit()
		if err != nil {
			return fleeterr.Transient("etcd cas write", err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fleeterr.Transient("etcd cas", fmt.Errorf("key %s: too much contention after %d attempts", key, maxCASAttempts))
}
