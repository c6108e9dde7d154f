package worker

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"titan/pkg/model"
)

func TestParseNvidiaSMI(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantGiB  int64
		wantErr  bool
	}{
		{"NVIDIA GeForce RTX 4090, 24564 MiB\n", "NVIDIA GeForce RTX 4090", 23, false},
		{"NVIDIA A100-SXM4-80GB, 81920 MiB\nNVIDIA A100-SXM4-80GB, 81920 MiB\n", "NVIDIA A100-SXM4-80GB", 80, false},
		{"", "", 0, false},
		{"garbage", "", 0, true},
		{"Tesla T4, lots", "", 0, true},
	}
	for _, tt := range tests {
		name, mem, err := parseNvidiaSMI(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseNvidiaSMI(%q) err = %v", tt.in, err)
			continue
		}
		if name != tt.wantName || mem>>30 != tt.wantGiB {
			t.Errorf("parseNvidiaSMI(%q) = %q, %d GiB", tt.in, name, mem>>30)
		}
	}
}

func TestNvidiaSMIProbeUsesRunner(t *testing.T) {
	var gotArgs []string
	p := NvidiaSMI{Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("NVIDIA L4, 23034 MiB\n"), nil
	}}
	name, mem, err := p.Probe(context.Background())
	if err != nil || name != "NVIDIA L4" || mem == 0 {
		t.Fatalf("probe = %q %d %v", name, mem, err)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "--query-gpu=name,memory.total" {
		t.Fatalf("args = %v", gotArgs)
	}
}

type fakeGPU struct {
	name string
	mem  int64
	err  error
}

func (f fakeGPU) Probe(ctx context.Context) (string, int64, error) { return f.name, f.mem, f.err }

func writeProc(t *testing.T, meminfo string) string {
	t.Helper()
	dir := t.TempDir()
	if meminfo != "" {
		os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644)
	}
	return dir
}

func TestDetectGPUWorker(t *testing.T) {
	d := &Detector{
		GPU:          fakeGPU{name: "NVIDIA GeForce RTX 4090", mem: 24 << 30},
		ProcRoot:     writeProc(t, "MemTotal:       65837212 kB\nMemFree:        1234 kB\n"),
		OutboundAddr: func(ctx context.Context) (netip.Addr, error) { return netip.MustParseAddr("192.168.1.20"), nil },
		Ping:         func(ctx context.Context) (time.Duration, error) { return 40 * time.Millisecond, nil },
	}
	caps := d.Detect(context.Background())
	if caps.GPUType != "NVIDIA GeForce RTX 4090" || caps.GPUMemoryBytes() < 24<<30-1<<20 {
		t.Fatalf("gpu = %q %q", caps.GPUType, caps.GPUMemory)
	}
	if caps.RAMBytes()>>30 != 62 {
		t.Fatalf("ram = %q", caps.RAM)
	}
	if caps.PublicAddress != "" || caps.CoordinatorLatencyMs != 40 {
		t.Fatalf("network = %q %v", caps.PublicAddress, caps.CoordinatorLatencyMs)
	}
	if model.DetermineTier(caps) != model.TierGPU {
		t.Fatalf("tier = %v", model.DetermineTier(caps))
	}
}

func TestDetectDegradesToUnknown(t *testing.T) {
	d := &Detector{
		GPU:          fakeGPU{err: errors.New("driver mismatch")},
		ProcRoot:     writeProc(t, ""),
		OutboundAddr: func(ctx context.Context) (netip.Addr, error) { return netip.Addr{}, errors.New("offline") },
		Ping:         func(ctx context.Context) (time.Duration, error) { return 0, errors.New("refused") },
	}
	caps := d.Detect(context.Background())
	if caps.GPUType != "" || caps.RAM != "" || caps.PublicAddress != "" || caps.CoordinatorLatencyMs != 0 {
		t.Fatalf("caps = %+v", caps)
	}
	if caps.CPUCores == 0 {
		t.Fatal("cpu cores not reported")
	}
}

func TestDetectPublicAddress(t *testing.T) {
	d := &Detector{
		ProcRoot:     writeProc(t, ""),
		OutboundAddr: func(ctx context.Context) (netip.Addr, error) { return netip.MustParseAddr("203.0.113.9"), nil },
	}
	caps := d.Detect(context.Background())
	if caps.PublicAddress != "203.0.113.9" || model.DetermineTier(caps) != model.TierEdge {
		t.Fatalf("caps = %+v", caps)
	}

	d.PublicAddr = "198.51.100.1"
	if got := d.Detect(context.Background()).PublicAddress; got != "198.51.100.1" {
		t.Fatalf("configured public address ignored: %q", got)
	}
}

func TestIsPublic(t *testing.T) {
	tests := map[string]bool{
		"8.8.8.8":     true,
		"203.0.113.9": true,
		"10.1.2.3":    false,
		"172.16.0.1":  false,
		"192.168.0.1": false,
		"127.0.0.1":   false,
		"100.64.1.1":  false,
		"169.254.1.1": false,
		"fd00::1":     false,
		"2001:db8::1": true,
	}
	for in, want := range tests {
		if got := isPublic(netip.MustParseAddr(in)); got != want {
			t.Errorf("isPublic(%s) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadSampler(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "loadavg"), []byte("2.00 1.50 1.00 1/100 1234\n"), 0o644)

	got, err := LoadSampler{ProcRoot: dir, Cores: 4}.Sample()
	if err != nil || got != 0.5 {
		t.Fatalf("load = %v, %v", got, err)
	}
	got, _ = LoadSampler{ProcRoot: dir, Cores: 1}.Sample()
	if got != 1 {
		t.Fatalf("load not clamped: %v", got)
	}
	if _, err := (LoadSampler{ProcRoot: t.TempDir()}).Sample(); err == nil {
		t.Fatal("expected error for missing loadavg")
	}
}
