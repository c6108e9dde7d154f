package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"titan/internal/dht"
	"titan/internal/vpn"
	"titan/internal/worker"
	"titan/internal/worker/executor"
	"titan/pkg/config"
	"titan/pkg/logger"
	"titan/pkg/model"
	"titan/pkg/store"
)

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file")
	flags.String("id", "", "requested worker id (the coordinator may rename it)")
	flags.String("coordinator-url", "http://localhost:8000", "coordinator base URL")
	flags.String("listen-addr", ":7000", "agent HTTP listen address")
	flags.String("public-addr", "", "publicly reachable address, detected when empty")
	flags.String("data-dir", "./worker-data", "local state directory")
	flags.String("log-level", "info", "log level")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadWorker(*configPath, flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	id := cfg.ID
	if id == "" {
		id, _ = os.Hostname()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logr.Fatal("failed to create data dir", zap.String("data_dir", cfg.DataDir), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	coordinator := worker.NewCoordinatorClient(cfg.CoordinatorURL, httpClient, cfg.RequestTimeout)
	detector := &worker.Detector{
		GPU:        worker.NvidiaSMI{},
		DataDir:    cfg.DataDir,
		PublicAddr: cfg.PublicAddr,
		Bandwidth:  cfg.Bandwidth,
		Ping:       coordinator.Ping,
		Log:        logr,
	}

	kv, err := store.Open(cfg.KV)
	if err != nil {
		logr.Fatal("failed to open shared storage", zap.Error(err))
	}
	defer kv.Close()

	deps := worker.Deps{
		Coordinator: coordinator,
		Detector:    detector,
		Tunnel:      newTunnel(cfg, logr),
		Load:        worker.LoadSampler{}.Sample,
	}

	// VPN mesh
	if cfg.VPN.Enabled {
		deps.Overlay = newBootstrapper(ctx, cfg, id, detector.PublicAddress(ctx), kv, logr)
	}

	// DHT
	if cfg.DHT.Enabled {
		transport, err := dht.NewLibp2pTransport(ctx, cfg.DHT.ListenPort, logr)
		if err != nil {
			logr.Error("dht disabled, discovery falls back to coordinator", zap.Error(err))
		} else {
			deps.DHT = dht.NewClient(dht.NewNode(transport, logr), dht.ClientOptions{
				CoordinatorURL:  cfg.CoordinatorURL,
				HTTPClient:      httpClient,
				KV:              kv,
				KVTimeout:       cfg.KV.OpTimeout,
				RefreshInterval: cfg.DHT.RefreshInterval,
				CacheTTL:        cfg.DHT.CacheTTL,
				StaleAfter:      cfg.DHT.StaleAfter,
				Catalog:         model.DefaultCatalog(),
			}, logr)
		}
	}
	deps.Router = dht.NewRouter(deps.DHT, cfg.CoordinatorURL, httpClient, logr)

	// 服务容器
	if cfg.Docker.Enabled {
		launcher, err := executor.NewDockerLauncher(cfg.Docker.Network, cfg.Docker.PullImages, logr)
		if err != nil {
			logr.Error("docker unavailable, assigned services will not be launched", zap.Error(err))
		} else {
			defer launcher.Close()
			deps.Launcher = launcher
		}
	}

	agent := worker.NewAgent(worker.Options{
		ID:                id,
		Hostname:          cfg.Hostname,
		ListenAddr:        cfg.ListenAddr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StopGrace:         cfg.StopGrace,
	}, deps, logr)

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logr.Info("shutting down worker")
		cancel()
		if err := <-done; err != nil {
			logr.Error("agent exited with error", zap.Error(err))
		}
	case err := <-done:
		if err != nil {
			logr.Sync()
			log.Fatalf("worker failed: %v", err)
		}
	}
}

func newTunnel(cfg *config.Worker, logr *zap.Logger) worker.Tunnel {
	switch cfg.Tunnel.Mode {
	case "static":
		return worker.StaticTunnel{URL: cfg.Tunnel.URL}
	case "cloudflared":
		return &worker.CloudflaredTunnel{Binary: cfg.Tunnel.Binary, Log: logr}
	default:
		return worker.DirectTunnel{Host: cfg.PublicAddr}
	}
}

func newBootstrapper(ctx context.Context, cfg *config.Worker, id, publicAddr string, kv store.KV, logr *zap.Logger) *vpn.Bootstrapper {
	dir := filepath.Join(cfg.DataDir, "vpn")

	var overlay vpn.Overlay
	switch cfg.VPN.Overlay {
	case "external":
		overlay = &vpn.ExternalOverlay{Dir: dir, Interface: cfg.VPN.Interface, Probe: vpn.InterfaceProber}
	default:
		overlay = vpn.NewNebulaOverlay(cfg.VPN.NebulaBinary, dir, cfg.VPN.Interface, logr)
	}

	// anchor 当选后才创建 CA
	newCA := func(ctx context.Context) (vpn.CertAuthority, error) {
		if cfg.VPN.CA == "builtin" {
			return vpn.NewBuiltinCA("fleet-"+cfg.VPN.Epoch, 0)
		}
		return vpn.NewNebulaCertCA(ctx, cfg.VPN.NebulaCertBinary, filepath.Join(dir, "ca"), "fleet-"+cfg.VPN.Epoch, nil)
	}

	return vpn.NewBootstrapper(kv, overlay, newCA, vpn.Options{
		WorkerID:      id,
		Epoch:         cfg.VPN.Epoch,
		Network:       cfg.VPN.Network,
		ListenPort:    cfg.VPN.ListenPort,
		SignerPort:    cfg.VPN.SignerPort,
		PublicAddr:    publicAddr,
		Groups:        cfg.VPN.Groups,
		MaxAttempts:   cfg.VPN.MaxAttempts,
		Backoff:       cfg.VPN.Backoff,
		SignTimeout:   cfg.VPN.SignTimeout,
		VerifyTimeout: cfg.VPN.VerifyTimeout,
		KVTimeout:     cfg.KV.OpTimeout,
	}, logr)
}
