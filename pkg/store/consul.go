package store

import (
	"context"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"titan/pkg/fleeterr"
)

// ConsulKV 以 Consul KV 作为共享存储，CAS 基于 ModifyIndex
type ConsulKV struct {
	api *consulapi.Client
}

func NewConsulKV(addr string) (*ConsulKV, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulKV{api: client}, nil
}

// Consul 的 key 不能以 / 开头
func consulKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (c *ConsulKV) Get(ctx context.Context, key string) ([]byte, error) {
	pair, _, err := c.api.KV().Get(consulKey(key), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fleeterr.Transient("consul get", err)
	}
	if pair == nil {
		return nil, fleeterr.NotFound("consul get", "key %s not found", key)
	}
	return pair.Value, nil
}

func (c *ConsulKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.api.KV().Put(&consulapi.KVPair{Key: consulKey(key), Value: value}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fleeterr.Transient("consul put", err)
	}
	return nil
}

// PutIfNotExists ModifyIndex=0 的 CAS 只在 key 不存在时成功
func (c *ConsulKV) PutIfNotExists(ctx context.Context, key string, value []byte) (bool, error) {
	ok, _, err := c.api.KV().CAS(&consulapi.KVPair{Key: consulKey(key), Value: value, ModifyIndex: 0},
		(&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, fleeterr.Transient("consul put-if-not-exists", err)
	}
	return ok, nil
}

func (c *ConsulKV) Increment(ctx context.Context, key, field string) (int64, error) {
	var next int64
	err := c.update(ctx, key, false, func(old []byte) ([]byte, bool, error) {
		out, n, err := incrementField(old, field)
		if err != nil {
			return nil, false, err
		}
		next = n
		return out, true, nil
	})
	return next, err
}

func (c *ConsulKV) AppendUnique(ctx context.Context, key, value string) ([]string, error) {
	var list []string
	err := c.update(ctx, key, true, func(old []byte) ([]byte, bool, error) {
		out, l, changed, err := appendUnique(old, value)
		if err != nil {
			return nil, false, err
		}
		list = l
		return out, changed, nil
	})
	return list, err
}

func (c *ConsulKV) GetList(ctx context.Context, key string) ([]string, error) {
	pair, _, err := c.api.KV().Get(consulKey(key), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fleeterr.Transient("consul get list", err)
	}
	if pair == nil {
		return []string{}, nil
	}
	return decodeList(pair.Value)
}

func (c *ConsulKV) Delete(ctx context.Context, key string) error {
	if _, err := c.api.KV().Delete(consulKey(key), (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fleeterr.Transient("consul delete", err)
	}
	return nil
}

func (c *ConsulKV) Close() error { return nil }

func (c *ConsulKV) update(ctx context.Context, key string, createMissing bool, fn func(old []byte) ([]byte, bool, error)) error {
	k := consulKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		pair, _, err := c.api.KV().Get(k, (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx))
		if err != nil {
			return fleeterr.Transient("consul cas read", err)
		}
		var (
			old   []byte
			index uint64
		)
		if pair != nil {
			old = pair.Value
			index = pair.ModifyIndex
		} else if !createMissing {
			return fleeterr.NotFound("consul cas", "key %s not found", key)
		}

		next, changed, err := fn(old)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		ok, _, err := c.api.KV().CAS(&consulapi.KVPair{Key: k, Value: next, ModifyIndex: index},
			(&consulapi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return fleeterr.Transient("consul cas write", err)
		}
		if ok {
			return nil
		}
	}
	return fleeterr.Transient("consul cas", fmt.Errorf("key %s: too much contention after %d attempts", key, maxCASAttempts))
}
