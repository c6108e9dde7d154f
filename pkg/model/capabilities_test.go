package model

import "testing"

func TestDetermineTier(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want Tier
	}{
		{"gpu 24GB", Capabilities{GPUMemory: "24GB", GPUType: "X"}, TierGPU},
		{"gpu exactly 8GB", Capabilities{GPUMemory: "8GB", GPUType: "RTX 3070"}, TierGPU},
		{"gpu too small", Capabilities{GPUMemory: "6GB", GPUType: "GTX 1060", CPUCores: 4, RAM: "16GB"}, TierCPU},
		{"gpu memory without type", Capabilities{GPUMemory: "24GB", CPUCores: 1, RAM: "1GB"}, TierStorage},
		{"cpu worker", Capabilities{CPUCores: 8, RAM: "32GB"}, TierCPU},
		{"cpu boundary", Capabilities{CPUCores: 2, RAM: "4GB"}, TierCPU},
		{"one core", Capabilities{CPUCores: 1, RAM: "32GB"}, TierStorage},
		{"unknown everything", Capabilities{}, TierStorage},
		{"unparseable ram", Capabilities{CPUCores: 8, RAM: "lots"}, TierStorage},
		{"public address", Capabilities{CPUCores: 8, RAM: "32GB", PublicAddress: "203.0.113.9"}, TierEdge},
		{"low latency", Capabilities{CoordinatorLatencyMs: 2}, TierEdge},
		{"high latency", Capabilities{CPUCores: 4, RAM: "8GB", CoordinatorLatencyMs: 80}, TierCPU},
		{"explicit network flag", Capabilities{GoodNetworkPosition: true}, TierEdge},
		{"network overrides gpu", Capabilities{GPUMemory: "24GB", GPUType: "A100", PublicAddress: "34.1.2.3"}, TierEdge},
		{"low latency overrides gpu", Capabilities{GPUMemory: "24GB", GPUType: "A100", CoordinatorLatencyMs: 3}, TierEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineTier(tt.caps)
			if got != tt.want {
				t.Errorf("DetermineTier(%+v) = %v, want %v", tt.caps, got, tt.want)
			}
			// 同样的输入再算一次必须一致
			if again := DetermineTier(tt.caps); again != got {
				t.Errorf("DetermineTier not deterministic: %v then %v", got, again)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"24GB":  24 << 30,
		"512MB": 512 << 20,
		"8GiB":  8 << 30,
		"":      0,
		"n/a":   0,
	}
	for in, want := range tests {
		if got := ParseSize(in); got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestCapabilitiesSatisfies(t *testing.T) {
	gpu := Capabilities{GPUMemory: "24GB", GPUType: "RTX 4090", CPUCores: 16, RAM: "64GB"}
	cpu := Capabilities{CPUCores: 4, RAM: "8GB"}

	if !gpu.Satisfies(nil) {
		t.Error("nil need should always be satisfied")
	}
	if !gpu.Satisfies(&CapabilityNeed{GPU: true, MinRAMGB: 32}) {
		t.Error("gpu worker should satisfy gpu+32GB")
	}
	if cpu.Satisfies(&CapabilityNeed{GPU: true}) {
		t.Error("cpu worker should not satisfy gpu need")
	}
	if cpu.Satisfies(&CapabilityNeed{MinCPUCore: 8}) {
		t.Error("4 cores should not satisfy 8")
	}
}
