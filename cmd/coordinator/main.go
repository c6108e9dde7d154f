package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"titan/internal/coordinator/api"
	"titan/internal/coordinator/registry"
	"titan/pkg/config"
	"titan/pkg/logger"
	"titan/pkg/model"
	"titan/pkg/store"
)

func main() {
	flags := pflag.NewFlagSet("coordinator", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file")
	flags.String("listen-addr", ":8000", "HTTP listen address")
	flags.String("data-dir", "./data", "registry snapshot directory, empty for in-memory only")
	flags.String("log-level", "info", "log level")
	flags.String("catalog-file", "", "service catalog YAML, empty for the built-in catalog")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadCoordinator(*configPath, flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	// 1. 服务目录
	catalog := model.DefaultCatalog()
	if cfg.CatalogFile != "" {
		if catalog, err = model.LoadCatalog(cfg.CatalogFile); err != nil {
			logr.Fatal("failed to load catalog", zap.Error(err))
		}
	}

	// 2. 共享存储 (DHT 种子节点簿)
	kv, err := store.Open(cfg.KV)
	if err != nil {
		logr.Fatal("failed to open shared storage", zap.Error(err))
	}
	defer kv.Close()

	// 3. 注册表，持久化目录不可写时退化为纯内存
	reg, err := registry.New(registry.Options{
		DataDir:    cfg.DataDir,
		Catalog:    catalog,
		StaleAfter: cfg.Health.StaleAfter,
		EvictAfter: cfg.Health.EvictAfter,
	}, logr)
	if err != nil {
		logr.Error("registry persistence unavailable, running in-memory only", zap.String("data_dir", cfg.DataDir), zap.Error(err))
		if reg, err = registry.New(registry.Options{
			Catalog:    catalog,
			StaleAfter: cfg.Health.StaleAfter,
			EvictAfter: cfg.Health.EvictAfter,
		}, logr); err != nil {
			logr.Fatal("failed to create registry", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 健康检查后台循环
	monitor := registry.NewMonitor(reg, cfg.Health.SweepInterval, logr)
	go monitor.Run(ctx)

	// 5. HTTP 控制面
	srv := api.NewServer(reg, kv, api.Options{
		BroadcastTimeout:     cfg.Broadcast.Timeout,
		BroadcastConcurrency: cfg.Broadcast.Concurrency,
		KVTimeout:            cfg.KV.OpTimeout,
	}, logr)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logr.Info("coordinator listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Duration("stale_after", cfg.Health.StaleAfter),
			zap.Duration("evict_after", cfg.Health.EvictAfter))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 6. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down coordinator")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	httpSrv.Shutdown(shutdownCtx)
	if err := reg.Close(); err != nil {
		logr.Error("failed to flush registry snapshot", zap.Error(err))
	}
}
