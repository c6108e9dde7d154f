package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Tier 能力等级，注册时确定，生命周期内不变
type Tier int

const (
	TierUnknown Tier = 0
	TierGPU     Tier = 1
	TierCPU     Tier = 2 // CPU / 通用服务
	TierStorage Tier = 3
	TierEdge    Tier = 4 // 边缘 / 协调节点 (网络位置好)
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	case TierStorage:
		return "storage"
	case TierEdge:
		return "edge"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) Valid() bool {
	return t >= TierGPU && t <= TierEdge
}

// 分级阈值
const (
	GPUMemoryThreshold = 8 << 30 // 8GB 显存
	RAMThreshold       = 4 << 30 // 4GB 内存
	CPUCoreThreshold   = 2
	// 到协调器的 RTT 低于该值视为网络位置好
	LowLatencyThreshold = 10 * time.Millisecond
)

// Capabilities 硬件能力，所有字段都可以是未知 (零值)
// 容量字段沿用 "24GB" 这样的人类可读写法
type Capabilities struct {
	GPUMemory string `json:"gpu_memory,omitempty"`
	GPUType   string `json:"gpu_type,omitempty"`
	CPUCores  int    `json:"cpu_cores,omitempty"`
	RAM       string `json:"ram,omitempty"`
	Storage   string `json:"storage,omitempty"`
	Bandwidth string `json:"bandwidth,omitempty"`

	// 网络位置：单独上报，可把 worker 提升为 edge tier
	PublicAddress        string  `json:"public_address,omitempty"`
	CoordinatorLatencyMs float64 `json:"coordinator_latency_ms,omitempty"`
	GoodNetworkPosition  bool    `json:"good_network_position,omitempty"`
}

// ParseSize 解析 "24GB"/"512MiB"，无法解析返回 0 (未知)
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := units.RAMInBytes(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (c Capabilities) GPUMemoryBytes() int64 { return ParseSize(c.GPUMemory) }
func (c Capabilities) RAMBytes() int64       { return ParseSize(c.RAM) }
func (c Capabilities) StorageBytes() int64   { return ParseSize(c.Storage) }

// HasGPU 显存 >= 8GB 且有 GPU 型号
func (c Capabilities) HasGPU() bool {
	return strings.TrimSpace(c.GPUType) != "" && c.GPUMemoryBytes() >= GPUMemoryThreshold
}

// NetworkPosition 是否具备 "好的网络位置"：显式标记、公网地址、或极低 RTT
func (c Capabilities) NetworkPosition() bool {
	if c.GoodNetworkPosition || c.PublicAddress != "" {
		return true
	}
	if c.CoordinatorLatencyMs <= 0 {
		return false
	}
	return time.Duration(c.CoordinatorLatencyMs*float64(time.Millisecond)) < LowLatencyThreshold
}

// DetermineTier 纯函数：同样的输入永远得到同样的 tier
//
// 先按硬件阈值算出 tier，网络位置好的节点最后一律覆盖为 edge
func DetermineTier(c Capabilities) Tier {
	tier := TierStorage
	switch {
	case c.HasGPU():
		tier = TierGPU
	case c.RAMBytes() >= RAMThreshold && c.CPUCores >= CPUCoreThreshold:
		tier = TierCPU
	}
	if c.NetworkPosition() {
		return TierEdge
	}
	return tier
}

// Satisfies 检查广播任务的能力要求
func (c Capabilities) Satisfies(need *CapabilityNeed) bool {
	if need == nil {
		return true
	}
	if need.GPU && !c.HasGPU() {
		return false
	}
	if need.MinRAMGB > 0 && c.RAMBytes() < need.MinRAMGB<<30 {
		return false
	}
	if need.MinCPUCore > 0 && c.CPUCores < need.MinCPUCore {
		return false
	}
	return true
}
