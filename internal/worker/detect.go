package worker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"titan/pkg/model"
)

// GPUProber 查询本机 GPU，没有 GPU 时返回空型号而不是错误
type GPUProber interface {
	Probe(ctx context.Context) (gpuType string, memoryBytes int64, err error)
}

// CommandRunner 执行外部命令并返回 stdout，测试里替换掉
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaSMI 通过 nvidia-smi 查询第一块 GPU
type NvidiaSMI struct {
	Binary string
	Run    CommandRunner
}

func (n NvidiaSMI) Probe(ctx context.Context) (string, int64, error) {
	bin := n.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	run := n.Run
	if run == nil {
		if _, err := exec.LookPath(bin); err != nil {
			return "", 0, nil
		}
		run = runCommand
	}
	out, err := run(ctx, bin, "--query-gpu=name,memory.total", "--format=csv,noheader")
	if err != nil {
		return "", 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI 解析 "NVIDIA GeForce RTX 4090, 24564 MiB"，多卡时取第一行
func parseNvidiaSMI(out string) (string, int64, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, mem, ok := strings.Cut(line, ",")
		if !ok {
			return "", 0, fmt.Errorf("unexpected nvidia-smi output %q", line)
		}
		bytes, err := units.RAMInBytes(strings.TrimSpace(mem))
		if err != nil {
			return "", 0, fmt.Errorf("parse gpu memory %q: %w", mem, err)
		}
		return strings.TrimSpace(name), bytes, nil
	}
	return "", 0, nil
}

// Detector 探测本机能力。任何一项失败都只留空，不影响注册
type Detector struct {
	GPU      GPUProber
	ProcRoot string
	// 用来估算磁盘容量的目录
	DataDir string
	// 非空时跳过出口地址探测
	PublicAddr string
	Bandwidth  string
	// 返回到协调器的 RTT，为 nil 时不测
	Ping func(ctx context.Context) (time.Duration, error)
	// 返回本机出口地址
	OutboundAddr func(ctx context.Context) (netip.Addr, error)
	Log          *zap.Logger
}

func (d *Detector) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func (d *Detector) procRoot() string {
	if d.ProcRoot == "" {
		return "/proc"
	}
	return d.ProcRoot
}

// Detect 依次探测 GPU、CPU、内存、磁盘和网络位置
func (d *Detector) Detect(ctx context.Context) model.Capabilities {
	caps := model.Capabilities{
		CPUCores:  runtime.NumCPU(),
		Bandwidth: d.Bandwidth,
	}

	if d.GPU != nil {
		gpuType, mem, err := d.GPU.Probe(ctx)
		if err != nil {
			d.log().Warn("gpu probe failed, treating as no gpu", zap.Error(err))
		} else if gpuType != "" {
			caps.GPUType = gpuType
			caps.GPUMemory = units.BytesSize(float64(mem))
		}
	}

	if total, err := readMemTotal(filepath.Join(d.procRoot(), "meminfo")); err != nil {
		d.log().Warn("memory probe failed", zap.Error(err))
	} else {
		caps.RAM = units.BytesSize(float64(total))
	}

	if d.DataDir != "" {
		if size, err := diskSize(d.DataDir); err != nil {
			d.log().Debug("storage probe failed", zap.Error(err))
		} else if size > 0 {
			caps.Storage = units.BytesSize(float64(size))
		}
	}

	caps.PublicAddress = d.PublicAddress(ctx)

	if d.Ping != nil {
		rtt, err := d.Ping(ctx)
		if err != nil {
			d.log().Warn("coordinator latency probe failed", zap.Error(err))
		} else {
			caps.CoordinatorLatencyMs = float64(rtt) / float64(time.Millisecond)
		}
	}

	d.log().Info("capabilities detected",
		zap.String("gpu_type", caps.GPUType),
		zap.String("gpu_memory", caps.GPUMemory),
		zap.Int("cpu_cores", caps.CPUCores),
		zap.String("ram", caps.RAM),
		zap.String("public_address", caps.PublicAddress),
		zap.Stringer("tier_hint", model.DetermineTier(caps)))
	return caps
}

// PublicAddress 出口地址可公网路由时返回它，否则返回空
func (d *Detector) PublicAddress(ctx context.Context) string {
	if d.PublicAddr != "" {
		return d.PublicAddr
	}
	probe := d.OutboundAddr
	if probe == nil {
		probe = outboundAddr
	}
	addr, err := probe(ctx)
	if err != nil {
		d.log().Debug("outbound address probe failed", zap.Error(err))
		return ""
	}
	if !isPublic(addr) {
		return ""
	}
	return addr.String()
}

// outboundAddr UDP "连接" 不发包，只让内核选出出口地址
func outboundAddr(ctx context.Context) (netip.Addr, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", "1.1.1.1:80")
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr().Unmap(), nil
}

func isPublic(a netip.Addr) bool {
	if !a.IsValid() || a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsUnspecified() {
		return false
	}
	// 100.64.0.0/10 运营商 NAT
	if a.Is4() && netip.MustParsePrefix("100.64.0.0/10").Contains(a) {
		return false
	}
	return true
}

// readMemTotal 读取 MemTotal，单位 kB
func readMemTotal(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in %s", path)
}

// LoadSampler 用 1 分钟 loadavg 除以核数估算负载，范围 [0,1]
type LoadSampler struct {
	ProcRoot string
	Cores    int
}

func (l LoadSampler) Sample() (float64, error) {
	root := l.ProcRoot
	if root == "" {
		root = "/proc"
	}
	data, err := os.ReadFile(filepath.Join(root, "loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	avg, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	cores := l.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	load := avg / float64(cores)
	if load > 1 {
		load = 1
	}
	return load, nil
}
