package store

import (
	"fmt"
	"time"
)

// Config 共享存储后端选择
type Config struct {
	Backend     string        `mapstructure:"backend"` // memory | etcd | consul
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// 单次调用上限，0 表示 DefaultTimeout
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

func Open(cfg Config) (KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryKV(), nil
	case "etcd":
		if len(cfg.Endpoints) == 0 {
			return nil, fmt.Errorf("etcd backend needs at least one endpoint")
		}
		return NewEtcdKV(cfg.Endpoints, cfg.DialTimeout)
	case "consul":
		addr := ""
		if len(cfg.Endpoints) > 0 {
			addr = cfg.Endpoints[0]
		}
		return NewConsulKV(addr)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
}
