package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"titan/pkg/store"
)

// Profile 一组心跳超时参数。不同部署对 "worker 失联" 的容忍度不同，
// 所以 stale/evict 两个窗口都做成配置，profile 只是预设值
type Profile struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
}

var Profiles = map[string]Profile{
	"standard": {StaleAfter: 90 * time.Second, EvictAfter: 120 * time.Second},
	"relaxed":  {StaleAfter: 5 * time.Minute, EvictAfter: 30 * time.Minute},
}

type Health struct {
	Profile       string        `mapstructure:"profile"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	EvictAfter    time.Duration `mapstructure:"evict_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// resolve 把 profile 预设填进没有显式配置的窗口
func (h *Health) resolve() error {
	p, ok := Profiles[h.Profile]
	if !ok {
		return fmt.Errorf("unknown health profile %q", h.Profile)
	}
	if h.StaleAfter <= 0 {
		h.StaleAfter = p.StaleAfter
	}
	if h.EvictAfter <= 0 {
		h.EvictAfter = p.EvictAfter
	}
	if h.EvictAfter <= h.StaleAfter {
		return fmt.Errorf("health.evict_after (%s) must be greater than health.stale_after (%s)", h.EvictAfter, h.StaleAfter)
	}
	if h.SweepInterval <= 0 {
		return fmt.Errorf("health.sweep_interval must be positive")
	}
	return nil
}

type Coordinator struct {
	ListenAddr  string       `mapstructure:"listen_addr"`
	DataDir     string       `mapstructure:"data_dir"`
	LogLevel    string       `mapstructure:"log_level"`
	CatalogFile string       `mapstructure:"catalog_file"`
	Health      Health       `mapstructure:"health"`
	KV          store.Config `mapstructure:"kv"`
	Broadcast   struct {
		Timeout     time.Duration `mapstructure:"timeout"`
		Concurrency int           `mapstructure:"concurrency"`
	} `mapstructure:"broadcast"`
}

type VPN struct {
	Enabled          bool          `mapstructure:"enabled"`
	Epoch            string        `mapstructure:"epoch"`
	Network          string        `mapstructure:"network"`
	ListenPort       int           `mapstructure:"listen_port"`
	SignerPort       int           `mapstructure:"signer_port"`
	Interface        string        `mapstructure:"interface"`
	NebulaBinary     string        `mapstructure:"nebula_binary"`
	NebulaCertBinary string        `mapstructure:"nebula_cert_binary"`
	Overlay          string        `mapstructure:"overlay"` // nebula | external
	CA               string        `mapstructure:"ca"`      // builtin | nebula-cert
	Groups           []string      `mapstructure:"groups"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Backoff          time.Duration `mapstructure:"backoff"`
	SignTimeout      time.Duration `mapstructure:"sign_timeout"`
	VerifyTimeout    time.Duration `mapstructure:"verify_timeout"`
}

type DHT struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenPort      int           `mapstructure:"listen_port"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

type Tunnel struct {
	Mode   string `mapstructure:"mode"` // none | static | cloudflared
	URL    string `mapstructure:"url"`
	Binary string `mapstructure:"binary"`
}

type Docker struct {
	Enabled    bool   `mapstructure:"enabled"`
	Network    string `mapstructure:"network"`
	PullImages bool   `mapstructure:"pull_images"`
}

type Worker struct {
	ID                string        `mapstructure:"id"`
	Hostname          string        `mapstructure:"hostname"`
	DataDir           string        `mapstructure:"data_dir"`
	LogLevel          string        `mapstructure:"log_level"`
	CoordinatorURL    string        `mapstructure:"coordinator_url"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	PublicAddr        string        `mapstructure:"public_addr"`
	Bandwidth         string        `mapstructure:"bandwidth"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	KV                store.Config  `mapstructure:"kv"`
	VPN               VPN           `mapstructure:"vpn"`
	DHT               DHT           `mapstructure:"dht"`
	Tunnel            Tunnel        `mapstructure:"tunnel"`
	Docker            Docker        `mapstructure:"docker"`
}

func newViper(path string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if flags != nil {
		// --listen-addr 绑定到 listen_addr
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}
	return v, nil
}

func LoadCoordinator(path string, flags *pflag.FlagSet) (*Coordinator, error) {
	v, err := newViper(path, flags)
	if err != nil {
		return nil, err
	}
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("health.profile", "standard")
	v.SetDefault("health.sweep_interval", 60*time.Second)
	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.dial_timeout", 5*time.Second)
	v.SetDefault("kv.op_timeout", store.DefaultTimeout)
	v.SetDefault("broadcast.timeout", 10*time.Second)
	v.SetDefault("broadcast.concurrency", 16)

	var c Coordinator
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Health.resolve(); err != nil {
		return nil, err
	}
	if c.Broadcast.Concurrency <= 0 {
		c.Broadcast.Concurrency = 1
	}
	return &c, nil
}

func LoadWorker(path string, flags *pflag.FlagSet) (*Worker, error) {
	v, err := newViper(path, flags)
	if err != nil {
		return nil, err
	}
	v.SetDefault("data_dir", "./worker-data")
	v.SetDefault("log_level", "info")
	v.SetDefault("coordinator_url", "http://localhost:8000")
	v.SetDefault("listen_addr", ":7000")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("stop_grace", 10*time.Second)
	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.dial_timeout", 5*time.Second)
	v.SetDefault("kv.op_timeout", store.DefaultTimeout)

	v.SetDefault("vpn.enabled", false)
	v.SetDefault("vpn.epoch", "default")
	v.SetDefault("vpn.network", "10.42.0.0/16")
	v.SetDefault("vpn.listen_port", 4242)
	v.SetDefault("vpn.signer_port", 4243)
	v.SetDefault("vpn.interface", "nebula1")
	v.SetDefault("vpn.nebula_binary", "nebula")
	v.SetDefault("vpn.nebula_cert_binary", "nebula-cert")
	v.SetDefault("vpn.overlay", "nebula")
	v.SetDefault("vpn.ca", "nebula-cert")
	v.SetDefault("vpn.groups", []string{"workers"})
	v.SetDefault("vpn.max_attempts", 3)
	v.SetDefault("vpn.backoff", 5*time.Second)
	v.SetDefault("vpn.sign_timeout", 15*time.Second)
	v.SetDefault("vpn.verify_timeout", 20*time.Second)

	v.SetDefault("dht.enabled", true)
	v.SetDefault("dht.listen_port", 4001)
	v.SetDefault("dht.refresh_interval", 30*time.Second)
	v.SetDefault("dht.cache_ttl", 60*time.Second)
	v.SetDefault("dht.stale_after", 5*time.Minute)

	v.SetDefault("tunnel.mode", "none")
	v.SetDefault("tunnel.binary", "cloudflared")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.pull_images", true)

	var w Worker
	if err := v.Unmarshal(&w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *Worker) validate() error {
	if w.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url is required")
	}
	if w.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if w.VPN.MaxAttempts <= 0 {
		w.VPN.MaxAttempts = 1
	}
	switch w.VPN.Overlay {
	case "nebula":
		// nebula 只认 nebula-cert 签发的证书
		if w.VPN.CA != "nebula-cert" {
			return fmt.Errorf("vpn.overlay nebula requires vpn.ca nebula-cert, got %q", w.VPN.CA)
		}
	case "external":
		if w.VPN.CA != "builtin" && w.VPN.CA != "nebula-cert" {
			return fmt.Errorf("unknown vpn.ca %q", w.VPN.CA)
		}
	default:
		return fmt.Errorf("unknown vpn.overlay %q", w.VPN.Overlay)
	}
	switch w.Tunnel.Mode {
	case "none", "static", "cloudflared":
	default:
		return fmt.Errorf("unknown tunnel mode %q", w.Tunnel.Mode)
	}
	if w.Tunnel.Mode == "static" && w.Tunnel.URL == "" {
		return fmt.Errorf("tunnel.url is required for static tunnel mode")
	}
	return nil
}
