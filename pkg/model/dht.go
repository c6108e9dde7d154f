package model

import "time"

// WorkerInfo DHT 中 worker:<id> 的值，只是提示，不是权威数据
type WorkerInfo struct {
	WorkerID       string        `json:"worker_id"`
	TunnelURL      string        `json:"tunnel_url"`
	OverlayAddress string        `json:"overlay_address,omitempty"`
	Capabilities   Capabilities  `json:"capabilities"`
	Services       []ServiceName `json:"services"`
	// nil 表示没有负载数据
	Load     *float64  `json:"load,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// ServiceIndex DHT 中 service:<name> 的值
type ServiceIndex struct {
	Service   ServiceName `json:"service"`
	Workers   []string    `json:"workers"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Add 按 id 去重追加，返回是否发生变化
func (s *ServiceIndex) Add(workerID string) bool {
	for _, id := range s.Workers {
		if id == workerID {
			return false
		}
	}
	s.Workers = append(s.Workers, workerID)
	return true
}

func (s *ServiceIndex) Remove(workerID string) bool {
	for i, id := range s.Workers {
		if id == workerID {
			s.Workers = append(s.Workers[:i], s.Workers[i+1:]...)
			return true
		}
	}
	return false
}

// BootstrapPeers GET/POST /dht/bootstrap 的载荷，peer 为 multiaddr 字符串
type BootstrapPeers struct {
	Peers []string `json:"peers"`
}
