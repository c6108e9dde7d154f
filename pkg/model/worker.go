package model

import "time"

// WorkerStatus 节点健康状态
type WorkerStatus string

const (
	WorkerHealthy  WorkerStatus = "healthy"
	WorkerDegraded WorkerStatus = "degraded" // 心跳正常但本地 workload 有挂掉的
	WorkerStale    WorkerStatus = "stale"    // 超过 T1 没有心跳
	WorkerOffline  WorkerStatus = "offline"  // worker 主动上报的下线状态 (关机前)
)

// Live 表示该状态下 worker 仍可被调度/发现
func (s WorkerStatus) Live() bool {
	return s == WorkerHealthy || s == WorkerDegraded
}

func ParseWorkerStatus(s string) (WorkerStatus, bool) {
	switch WorkerStatus(s) {
	case WorkerHealthy, WorkerDegraded, WorkerStale, WorkerOffline:
		return WorkerStatus(s), true
	}
	return "", false
}

// Reachability 外部如何访问到这个 worker
type Reachability struct {
	PublicIP       string `json:"public_ip,omitempty"`
	TunnelURL      string `json:"tunnel_url,omitempty"`
	OverlayAddress string `json:"overlay_address,omitempty"`
}

type Worker struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
	// Tier 只在注册时计算一次，之后不再重新推导
	Tier Tier `json:"tier"`

	// 有序集合：注册时的分配顺序即为存储顺序
	AssignedServices []ServiceDescriptor `json:"assigned_services"`

	Status         WorkerStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	RegisteredAt   time.Time    `json:"registered_at"`
	CurrentLoad    float64      `json:"current_load"`
	OverlayAddress string       `json:"overlay_address,omitempty"`
	TunnelURL      string       `json:"tunnel_url,omitempty"`
	PublicIP       string       `json:"public_ip,omitempty"`
	TasksCompleted int64        `json:"tasks_completed"`

	ServiceStatus map[string]string `json:"service_status,omitempty"`
}

// Endpoint 返回从外部访问该 worker 的首选地址
func (w *Worker) Endpoint() string {
	return w.TunnelURL
}

func (w *Worker) HasService(name ServiceName) bool {
	for _, s := range w.AssignedServices {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (w *Worker) ServiceNames() []ServiceName {
	names := make([]ServiceName, 0, len(w.AssignedServices))
	for _, s := range w.AssignedServices {
		names = append(names, s.Name)
	}
	return names
}

// Clone 深拷贝，registry 对外只返回副本
func (w *Worker) Clone() *Worker {
	c := *w
	c.AssignedServices = append([]ServiceDescriptor(nil), w.AssignedServices...)
	for i := range c.AssignedServices {
		c.AssignedServices[i].Env = cloneEnv(w.AssignedServices[i].Env)
	}
	if w.ServiceStatus != nil {
		c.ServiceStatus = make(map[string]string, len(w.ServiceStatus))
		for k, v := range w.ServiceStatus {
			c.ServiceStatus[k] = v
		}
	}
	return &c
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// RegisterRequest POST /worker/register 的请求体
type RegisterRequest struct {
	ID           string       `json:"id,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Reachability Reachability `json:"reachability"`
}

// RegisterResponse 协调器是 id 的权威来源，worker 必须采用返回的 ID
type RegisterResponse struct {
	ID               string              `json:"id"`
	Tier             Tier                `json:"tier"`
	AssignedServices []ServiceDescriptor `json:"assigned_services"`
}

type HeartbeatRequest struct {
	ID             string            `json:"id"`
	Status         WorkerStatus      `json:"status,omitempty"`
	Load           float64           `json:"load"`
	TasksCompleted int64             `json:"tasks_completed,omitempty"`
	ServiceStatus  map[string]string `json:"service_status,omitempty"`
	TunnelURL      string            `json:"tunnel_url,omitempty"`
	OverlayAddress string            `json:"overlay_address,omitempty"`
}

// GapStatus 服务覆盖度评估
type GapStatus string

const (
	GapOK       GapStatus = "ok"
	GapWarning  GapStatus = "warning"
	GapCritical GapStatus = "critical"
)

type Gap struct {
	Service         ServiceName `json:"service"`
	Tier            Tier        `json:"tier"`
	Priority        int         `json:"priority"`
	CurrentCoverage int         `json:"current_coverage"`
	Status          GapStatus   `json:"status"`
}

// BroadcastJob POST /broadcast-job 请求体
type BroadcastJob struct {
	ID      string          `json:"id,omitempty"`
	Path    string          `json:"path,omitempty"`
	Payload map[string]any  `json:"payload"`
	MaxTier Tier            `json:"max_tier,omitempty"`
	Require *CapabilityNeed `json:"require,omitempty"`
}

// CapabilityNeed 广播任务的能力过滤条件
type CapabilityNeed struct {
	GPU        bool  `json:"gpu,omitempty"`
	MinRAMGB   int64 `json:"min_ram_gb,omitempty"`
	MinCPUCore int   `json:"min_cpu_cores,omitempty"`
}

type BroadcastResult struct {
	WorkerID string `json:"worker_id"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}
