package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"titan/pkg/fleeterr"
)

// OverlaySpec 启动 overlay 所需的一切
type OverlaySpec struct {
	Name       string
	Address    netip.Prefix
	CACert     []byte
	Cert       []byte
	Key        []byte
	Lighthouse bool
	// 有公网地址的成员充当中继
	AmRelay bool
	// 0 表示随机端口
	ListenPort int
	// 成员模式下 anchor 的 overlay 地址
	LighthouseAddr netip.Addr
	// overlay 地址 -> 公网 host:port
	StaticHosts map[string][]string
}

// Overlay 外部 VPN 进程的窄接口
type Overlay interface {
	Start(ctx context.Context, spec OverlaySpec) error
	// Verify 等待接口就绪，超时返回错误
	Verify(ctx context.Context) error
	Stop() error
}

// Prober 检查网卡上是否已有 addr
type Prober func(iface string, addr netip.Addr) error

// InterfaceProber 读本机网卡地址
func InterfaceProber(iface string, addr netip.Addr) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if p, err := netip.ParsePrefix(a.String()); err == nil && p.Addr().Unmap() == addr {
			return nil
		}
	}
	return fmt.Errorf("interface %s has no address %s", iface, addr)
}

func waitForProbe(ctx context.Context, probe Prober, iface string, addr netip.Addr) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last error
	for {
		if last = probe(iface, addr); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fleeterr.Transient("verify overlay", fmt.Errorf("%w (last probe: %v)", ctx.Err(), last))
		case <-ticker.C:
		}
	}
}

// writeMaterial 证书落盘，私钥 0600
func writeMaterial(dir string, spec OverlaySpec) (ca, cert, key string, err error) {
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	ca, cert, key = filepath.Join(dir, "ca.crt"), filepath.Join(dir, "host.crt"), filepath.Join(dir, "host.key")
	if err = os.WriteFile(ca, spec.CACert, 0o644); err != nil {
		return
	}
	if err = os.WriteFile(cert, spec.Cert, 0o644); err != nil {
		return
	}
	err = os.WriteFile(key, spec.Key, 0o600)
	return
}

// ---------------------------------------------------------
// nebula
// ---------------------------------------------------------

type nebulaConfig struct {
	PKI struct {
		CA   string `yaml:"ca"`
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"pki"`
	StaticHostMap map[string][]string `yaml:"static_host_map"`
	Lighthouse    struct {
		AmLighthouse bool     `yaml:"am_lighthouse"`
		Interval     int      `yaml:"interval"`
		Hosts        []string `yaml:"hosts"`
	} `yaml:"lighthouse"`
	Listen struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"listen"`
	Punchy struct {
		Punch   bool `yaml:"punch"`
		Respond bool `yaml:"respond"`
	} `yaml:"punchy"`
	Relay struct {
		Relays    []string `yaml:"relays,omitempty"`
		AmRelay   bool     `yaml:"am_relay"`
		UseRelays bool     `yaml:"use_relays"`
	} `yaml:"relay"`
	Tun struct {
		Dev string `yaml:"dev"`
	} `yaml:"tun"`
	Firewall struct {
		Outbound []firewallRule `yaml:"outbound"`
		Inbound  []firewallRule `yaml:"inbound"`
	} `yaml:"firewall"`
}

type firewallRule struct {
	Port  string `yaml:"port"`
	Proto string `yaml:"proto"`
	Host  string `yaml:"host"`
}

// RenderNebulaConfig 生成 nebula 的 YAML 配置
func RenderNebulaConfig(spec OverlaySpec, iface, ca, cert, key string) ([]byte, error) {
	var c nebulaConfig
	c.PKI.CA, c.PKI.Cert, c.PKI.Key = ca, cert, key
	c.StaticHostMap = map[string][]string{}
	for k, v := range spec.StaticHosts {
		c.StaticHostMap[k] = v
	}
	c.Lighthouse.AmLighthouse = spec.Lighthouse
	c.Lighthouse.Interval = 60
	if !spec.Lighthouse && spec.LighthouseAddr.IsValid() {
		c.Lighthouse.Hosts = []string{spec.LighthouseAddr.String()}
	}
	c.Listen.Host = "0.0.0.0"
	c.Listen.Port = spec.ListenPort
	c.Punchy.Punch, c.Punchy.Respond = true, true

	c.Relay.AmRelay = spec.Lighthouse || spec.AmRelay
	c.Relay.UseRelays = true
	for host := range spec.StaticHosts {
		if host != spec.Address.Addr().String() {
			c.Relay.Relays = append(c.Relay.Relays, host)
		}
	}
	sort.Strings(c.Relay.Relays)

	c.Tun.Dev = iface
	allowAll := firewallRule{Port: "any", Proto: "any", Host: "any"}
	c.Firewall.Outbound = []firewallRule{allowAll}
	c.Firewall.Inbound = []firewallRule{allowAll}
	return yaml.Marshal(&c)
}

// NebulaOverlay 以子进程方式运行 nebula
type NebulaOverlay struct {
	Binary    string
	Dir       string
	Interface string
	Probe     Prober
	log       *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
	addr netip.Addr
}

func NewNebulaOverlay(binary, dir, iface string, log *zap.Logger) *NebulaOverlay {
	if log == nil {
		log = zap.NewNop()
	}
	return &NebulaOverlay{
		Binary:    binary,
		Dir:       dir,
		Interface: iface,
		Probe:     InterfaceProber,
		log:       log.With(zap.String("component", "overlay")),
	}
}

func (n *NebulaOverlay) Start(ctx context.Context, spec OverlaySpec) error {
	bin, err := exec.LookPath(n.Binary)
	if err != nil {
		return fleeterr.Fatal("start overlay", err)
	}
	ca, cert, key, err := writeMaterial(n.Dir, spec)
	if err != nil {
		return fmt.Errorf("write certificate material: %w", err)
	}
	cfg, err := RenderNebulaConfig(spec, n.Interface, ca, cert, key)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(n.Dir, "config.yml")
	if err := os.WriteFile(cfgPath, cfg, 0o600); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cmd != nil {
		return errors.New("overlay already running")
	}
	// 进程生命周期不跟随调用方的 ctx，由 Stop 结束
	cmd := exec.Command(bin, "-config", cfgPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fleeterr.Fatal("start overlay", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	n.cmd, n.done, n.addr = cmd, done, spec.Address.Addr()
	n.log.Info("overlay process started",
		zap.Int("pid", cmd.Process.Pid), zap.String("addr", spec.Address.String()), zap.Bool("lighthouse", spec.Lighthouse))
	return nil
}

func (n *NebulaOverlay) Verify(ctx context.Context) error {
	n.mu.Lock()
	done, addr := n.done, n.addr
	n.mu.Unlock()
	if done == nil {
		return errors.New("overlay not started")
	}
	vctx, cancel := context.WithCancel(ctx)
	defer cancel()
	probeErr := make(chan error, 1)
	go func() { probeErr <- waitForProbe(vctx, n.Probe, n.Interface, addr) }()
	select {
	case err := <-done:
		// 进程提前退出，放回去让 Stop 也能看到
		done <- err
		return fmt.Errorf("overlay process exited: %v", err)
	case err := <-probeErr:
		return err
	}
}

func (n *NebulaOverlay) Stop() error {
	n.mu.Lock()
	cmd, done := n.cmd, n.done
	n.cmd, n.done = nil, nil
	n.mu.Unlock()
	if cmd == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
	n.log.Info("overlay process stopped")
	return nil
}

// ---------------------------------------------------------
// external: 接口由宿主机上的其他组件管理
// ---------------------------------------------------------

// ExternalOverlay 只负责落盘证书并探测接口
type ExternalOverlay struct {
	Dir       string
	Interface string
	Probe     Prober

	addr netip.Addr
}

func (e *ExternalOverlay) Start(ctx context.Context, spec OverlaySpec) error {
	if _, _, _, err := writeMaterial(e.Dir, spec); err != nil {
		return err
	}
	e.addr = spec.Address.Addr()
	return nil
}

func (e *ExternalOverlay) Verify(ctx context.Context) error {
	probe := e.Probe
	if probe == nil {
		probe = InterfaceProber
	}
	return waitForProbe(ctx, probe, e.Interface, e.addr)
}

func (e *ExternalOverlay) Stop() error { return nil }

// staticHosts 把 entry point 列表 ("overlay=host:port") 转成 nebula 的 static_host_map
func staticHosts(anchor netip.Addr, anchorPublic string, port int, entryPoints []string) map[string][]string {
	out := map[string][]string{}
	if anchorPublic != "" && anchor.IsValid() {
		out[anchor.String()] = []string{withPort(anchorPublic, port)}
	}
	for _, ep := range entryPoints {
		overlay, public, ok := strings.Cut(ep, "=")
		if !ok || overlay == "" || public == "" {
			continue
		}
		if !containsString(out[overlay], public) {
			out[overlay] = append(out[overlay], public)
		}
	}
	return out
}

// EntryPoint 编码 entry point 列表中的一项
func EntryPoint(overlay netip.Addr, public string, port int) string {
	return overlay.String() + "=" + withPort(public, port)
}

func withPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
