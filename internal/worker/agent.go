package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"titan/internal/dht"
	"titan/internal/vpn"
	"titan/internal/worker/executor"
	"titan/pkg/fleeterr"
	"titan/pkg/model"
)

// State agent 生命周期阶段
type State string

const (
	StateInit        State = "init"
	StateDetect      State = "detect"
	StateJoinOverlay State = "join_overlay"
	StateRegister    State = "register"
	StateRegisterDHT State = "register_dht"
	StateLaunch      State = "launch_assigned"
	StateHeartbeat   State = "heartbeat"
	StateCleanup     State = "cleanup"
	StateStopped     State = "stopped"
)

const (
	serviceRunning = "running"
	serviceExited  = "exited"
	serviceFailed  = "failed"
)

// CapabilityDetector 为 nil 时按全部未知上报
type CapabilityDetector interface {
	Detect(ctx context.Context) model.Capabilities
}

// OverlayJoiner 加入 VPN mesh，vpn.Bootstrapper 实现了它
type OverlayJoiner interface {
	Join(ctx context.Context) (*vpn.Result, error)
	Close() error
}

type Options struct {
	// 期望的 id，协调器可能改名
	ID                string
	Hostname          string
	ListenAddr        string
	HeartbeatInterval time.Duration
	StopGrace         time.Duration
	// 连续失败多少次心跳后重新注册
	MaxHeartbeatFailures int
	RegisterAttempts     int
	RegisterBackoff      time.Duration
	CleanupTimeout       time.Duration
}

// Deps 外部协作方，除 Coordinator 外都可以为 nil (对应功能关闭)
type Deps struct {
	Coordinator Coordinator
	Detector    CapabilityDetector
	Overlay     OverlayJoiner
	DHT         *dht.Client
	Router      *dht.Router
	Launcher    executor.Launcher
	Tunnel      Tunnel
	Load        func() (float64, error)
}

type Agent struct {
	opts Options
	deps Deps
	log  *zap.Logger

	mu            sync.Mutex
	id            string
	state         State
	registered    bool
	caps          model.Capabilities
	tier          model.Tier
	overlayAddr   string
	tunnelURL     string
	assigned      []model.ServiceDescriptor
	handles       map[model.ServiceName]*executor.Handle
	serviceStatus map[string]string
	failures      int

	tasksCompleted atomic.Int64

	ln      net.Listener
	httpSrv *http.Server
}

func NewAgent(opts Options, deps Deps, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.MaxHeartbeatFailures <= 0 {
		opts.MaxHeartbeatFailures = 3
	}
	if opts.RegisterAttempts <= 0 {
		opts.RegisterAttempts = 3
	}
	if opts.RegisterBackoff <= 0 {
		opts.RegisterBackoff = 2 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = opts.StopGrace + 15*time.Second
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":7000"
	}
	return &Agent{
		opts:          opts,
		deps:          deps,
		log:           log.With(zap.String("component", "agent")),
		id:            opts.ID,
		state:         StateInit,
		handles:       map[model.ServiceName]*executor.Handle{},
		serviceStatus: map[string]string{},
	}
}

func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.log.Debug("agent state", zap.String("state", string(s)))
}

// Addr HTTP 监听地址，启动前为空
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Run 走完整个生命周期，直到 ctx 取消。只有注册失败会返回错误
func (a *Agent) Run(ctx context.Context) error {
	defer a.cleanup()

	// 1. 探测能力
	a.setState(StateDetect)
	a.detect(ctx)

	// 2. 加入 overlay，失败不影响后续
	a.setState(StateJoinOverlay)
	a.joinOverlay(ctx)

	// 3. 先起 HTTP 服务和隧道，注册时要带上可访问地址
	if err := a.listen(); err != nil {
		return fleeterr.Fatal("agent listen", err)
	}
	a.openTunnel(ctx)

	// 4. 向协调器注册
	a.setState(StateRegister)
	if err := a.register(ctx); err != nil {
		a.log.Error("registration with coordinator failed, agent cannot receive assignments", zap.Error(err))
		return fmt.Errorf("register with coordinator: %w", err)
	}

	// 5. 发布到 DHT
	a.setState(StateRegisterDHT)
	a.registerDHT(ctx)

	// 6. 启动分配的服务
	a.setState(StateLaunch)
	a.launchAssigned(ctx)

	// 7. 心跳直到退出
	a.setState(StateHeartbeat)
	a.heartbeatLoop(ctx)
	return nil
}

func (a *Agent) detect(ctx context.Context) {
	var caps model.Capabilities
	if a.deps.Detector != nil {
		caps = a.deps.Detector.Detect(ctx)
	}
	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()
}

func (a *Agent) joinOverlay(ctx context.Context) {
	if a.deps.Overlay == nil {
		return
	}
	res, err := a.deps.Overlay.Join(ctx)
	if err != nil {
		a.log.Error("overlay join failed, continuing without overlay", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.overlayAddr = res.Address.Addr().String()
	a.mu.Unlock()
	a.log.Info("joined overlay", zap.String("addr", res.Address.String()), zap.Bool("anchor", res.Anchor))
}

func (a *Agent) listen() error {
	ln, err := net.Listen("tcp", a.opts.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	a.mu.Lock()
	a.ln = ln
	a.httpSrv = srv
	a.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("agent http server stopped", zap.Error(err))
		}
	}()
	a.log.Info("agent listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (a *Agent) openTunnel(ctx context.Context) {
	port := a.ln.Addr().(*net.TCPAddr).Port
	t := a.deps.Tunnel
	if t == nil {
		t = DirectTunnel{}
	}
	url, err := t.Start(ctx, port)
	if err != nil {
		a.log.Warn("tunnel failed, advertising direct address", zap.Error(err))
		url, _ = DirectTunnel{}.Start(ctx, port)
	}
	a.mu.Lock()
	a.tunnelURL = url
	a.mu.Unlock()
}

// register 只对网络类错误重试，其他错误直接返回
func (a *Agent) register(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= a.opts.RegisterAttempts; attempt++ {
		a.mu.Lock()
		req := model.RegisterRequest{
			ID:           a.id,
			Hostname:     a.opts.Hostname,
			Capabilities: a.caps,
			Reachability: model.Reachability{
				PublicIP:       a.caps.PublicAddress,
				TunnelURL:      a.tunnelURL,
				OverlayAddress: a.overlayAddr,
			},
		}
		a.mu.Unlock()

		resp, err := a.deps.Coordinator.Register(ctx, req)
		if err == nil {
			a.mu.Lock()
			if a.id != "" && a.id != resp.ID {
				a.log.Info("coordinator assigned a different id", zap.String("requested", a.id), zap.String("worker_id", resp.ID))
			}
			a.id = resp.ID
			a.tier = resp.Tier
			a.assigned = resp.AssignedServices
			a.registered = true
			a.failures = 0
			a.mu.Unlock()
			a.log.Info("registered with coordinator",
				zap.String("worker_id", resp.ID),
				zap.Stringer("tier", resp.Tier),
				zap.Int("services", len(resp.AssignedServices)))
			return nil
		}
		lastErr = err
		if !errors.Is(err, fleeterr.ErrTransient) {
			return err
		}
		a.log.Warn("register attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < a.opts.RegisterAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.opts.RegisterBackoff):
			}
		}
	}
	return lastErr
}

func (a *Agent) selfInfo() model.WorkerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	services := make([]model.ServiceName, 0, len(a.assigned))
	for _, s := range a.assigned {
		services = append(services, s.Name)
	}
	return model.WorkerInfo{
		WorkerID:       a.id,
		TunnelURL:      a.tunnelURL,
		OverlayAddress: a.overlayAddr,
		Capabilities:   a.caps,
		Services:       services,
	}
}

func (a *Agent) registerDHT(ctx context.Context) {
	if a.deps.DHT == nil {
		return
	}
	if err := a.deps.DHT.Connect(ctx); err != nil {
		a.log.Warn("dht connect failed", zap.Error(err))
	}
	if err := a.deps.DHT.RegisterWorker(ctx, a.selfInfo()); err != nil {
		a.log.Warn("dht registration failed, discovery falls back to coordinator", zap.Error(err))
	}
	go a.deps.DHT.Run(ctx)
}

// ---------------------------------------------------------
// 服务启停 (Workloads)
// ---------------------------------------------------------

func (a *Agent) launchAssigned(ctx context.Context) {
	a.mu.Lock()
	assigned := append([]model.ServiceDescriptor(nil), a.assigned...)
	a.mu.Unlock()

	if a.deps.Launcher == nil {
		if len(assigned) > 0 {
			a.log.Info("workload launching disabled, assigned services must be started externally", zap.Int("services", len(assigned)))
		}
		return
	}
	for _, svc := range assigned {
		a.launch(ctx, svc)
	}
}

func (a *Agent) launch(ctx context.Context, svc model.ServiceDescriptor) {
	a.mu.Lock()
	_, running := a.handles[svc.Name]
	a.mu.Unlock()
	if running {
		return
	}
	h, err := a.deps.Launcher.Start(ctx, svc)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.serviceStatus[string(svc.Name)] = serviceFailed
		a.log.Error("failed to launch service", zap.String("service", string(svc.Name)), zap.Error(err))
		return
	}
	a.handles[svc.Name] = h
	a.serviceStatus[string(svc.Name)] = serviceRunning
}

func (a *Agent) stopWorkload(ctx context.Context, name model.ServiceName) {
	a.mu.Lock()
	h := a.handles[name]
	delete(a.handles, name)
	delete(a.serviceStatus, string(name))
	a.mu.Unlock()
	if h == nil || a.deps.Launcher == nil {
		return
	}
	if err := a.deps.Launcher.Stop(ctx, h, a.opts.StopGrace); err != nil {
		a.log.Warn("failed to stop service", zap.String("service", string(name)), zap.Error(err))
	}
}

// reconcile 重新注册后分配可能变化：停掉多余的，补上缺的
func (a *Agent) reconcile(ctx context.Context) {
	a.mu.Lock()
	want := map[model.ServiceName]bool{}
	for _, s := range a.assigned {
		want[s.Name] = true
	}
	var extra []model.ServiceName
	for name := range a.handles {
		if !want[name] {
			extra = append(extra, name)
		}
	}
	a.mu.Unlock()

	for _, name := range extra {
		a.stopWorkload(ctx, name)
	}
	a.launchAssigned(ctx)
}

// workloadStatus 检查每个服务是否还在跑，有任何一个挂掉就是 degraded
func (a *Agent) workloadStatus(ctx context.Context) (model.WorkerStatus, map[string]string) {
	a.mu.Lock()
	handles := make(map[model.ServiceName]*executor.Handle, len(a.handles))
	for k, v := range a.handles {
		handles[k] = v
	}
	a.mu.Unlock()

	if a.deps.Launcher != nil {
		for name, h := range handles {
			ok, err := a.deps.Launcher.Running(ctx, h)
			if err != nil {
				a.log.Debug("workload inspect failed", zap.String("service", string(name)), zap.Error(err))
				continue
			}
			state := serviceRunning
			if !ok {
				state = serviceExited
			}
			a.mu.Lock()
			a.serviceStatus[string(name)] = state
			a.mu.Unlock()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	status := model.WorkerHealthy
	out := make(map[string]string, len(a.serviceStatus))
	for k, v := range a.serviceStatus {
		out[k] = v
		if v != serviceRunning {
			status = model.WorkerDegraded
		}
	}
	return status, out
}

// ---------------------------------------------------------
// 心跳 (Heartbeat)
// ---------------------------------------------------------

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	load := 0.0
	if a.deps.Load != nil {
		if l, err := a.deps.Load(); err == nil {
			load = l
		}
	}
	status, services := a.workloadStatus(ctx)

	a.mu.Lock()
	req := model.HeartbeatRequest{
		ID:             a.id,
		Status:         status,
		Load:           load,
		TasksCompleted: a.tasksCompleted.Load(),
		ServiceStatus:  services,
		TunnelURL:      a.tunnelURL,
		OverlayAddress: a.overlayAddr,
	}
	a.mu.Unlock()

	err := a.deps.Coordinator.Heartbeat(ctx, req)
	if err == nil {
		a.mu.Lock()
		a.failures = 0
		a.mu.Unlock()
		if a.deps.DHT != nil {
			a.deps.DHT.UpdateLoad(load)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	// 协调器已经把我们驱逐了，不必等满三次
	if errors.Is(err, fleeterr.ErrNotFound) {
		a.log.Warn("coordinator no longer knows this worker, re-registering", zap.String("worker_id", req.ID))
		a.reregister(ctx)
		return
	}

	a.mu.Lock()
	a.failures++
	failures := a.failures
	a.mu.Unlock()
	a.log.Warn("heartbeat failed", zap.Int("consecutive", failures), zap.Error(err))
	if failures >= a.opts.MaxHeartbeatFailures {
		a.reregister(ctx)
	}
}

func (a *Agent) reregister(ctx context.Context) {
	a.mu.Lock()
	oldID := a.id
	a.mu.Unlock()

	// 旧记录还在时协调器会改名，先删掉
	if err := a.deps.Coordinator.Unregister(ctx, oldID); err != nil {
		a.log.Debug("unregister before re-registration failed", zap.Error(err))
	}
	if err := a.register(ctx); err != nil {
		a.log.Error("re-registration failed", zap.Error(err))
		return
	}
	if a.deps.DHT != nil {
		if a.ID() != oldID {
			a.deps.DHT.Unregister(ctx)
		}
		if err := a.deps.DHT.RegisterWorker(ctx, a.selfInfo()); err != nil {
			a.log.Warn("dht re-registration failed", zap.Error(err))
		}
	}
	a.reconcile(ctx)
}

// ---------------------------------------------------------
// 清理 (Cleanup)
// ---------------------------------------------------------

// cleanup 用独立的 ctx，Run 的 ctx 此时通常已经取消
func (a *Agent) cleanup() {
	a.setState(StateCleanup)
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.CleanupTimeout)
	defer cancel()

	// 1. 停 overlay
	if a.deps.Overlay != nil {
		if err := a.deps.Overlay.Close(); err != nil {
			a.log.Warn("failed to stop overlay", zap.Error(err))
		}
	}

	// 2. 离开 DHT
	if a.deps.DHT != nil {
		if err := a.deps.DHT.Unregister(ctx); err != nil {
			a.log.Warn("failed to leave dht", zap.Error(err))
		}
		a.deps.DHT.Close()
	}

	// 3. 停掉所有服务
	a.mu.Lock()
	var names []model.ServiceName
	for name := range a.handles {
		names = append(names, name)
	}
	a.mu.Unlock()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name model.ServiceName) {
			defer wg.Done()
			a.stopWorkload(ctx, name)
		}(name)
	}
	wg.Wait()

	// 4. 注销
	a.mu.Lock()
	id, registered := a.id, a.registered
	a.mu.Unlock()
	if registered {
		if err := a.deps.Coordinator.Unregister(ctx, id); err != nil {
			a.log.Warn("failed to unregister", zap.Error(err))
		}
	}

	// 5. 关闭 HTTP 和隧道
	a.mu.Lock()
	srv := a.httpSrv
	a.mu.Unlock()
	if srv != nil {
		srv.Shutdown(ctx)
	}
	if a.deps.Tunnel != nil {
		a.deps.Tunnel.Stop()
	}

	a.setState(StateStopped)
	a.log.Info("agent stopped", zap.String("worker_id", id))
}
