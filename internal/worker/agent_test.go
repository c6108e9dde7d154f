package worker

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"titan/internal/dht"
	"titan/internal/vpn"
	"titan/internal/worker/executor"
	"titan/pkg/fleeterr"
	"titan/pkg/model"
)

// fakeCoordinator 记录所有调用，可以注入错误
type fakeCoordinator struct {
	mu           sync.Mutex
	assignID     string
	assign       []model.ServiceDescriptor
	registerErr  error
	heartbeatErr error
	registers    []model.RegisterRequest
	heartbeats   []model.HeartbeatRequest
	unregistered []string
}

func (f *fakeCoordinator) Register(ctx context.Context, req model.RegisterRequest) (*model.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, req)
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	id := f.assignID
	if id == "" {
		id = req.ID
	}
	return &model.RegisterResponse{ID: id, Tier: model.DetermineTier(req.Capabilities), AssignedServices: f.assign}, nil
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, req model.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, req)
	return f.heartbeatErr
}

func (f *fakeCoordinator) Unregister(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, id)
	return nil
}

func (f *fakeCoordinator) counts() (registers, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers), len(f.heartbeats)
}

func (f *fakeCoordinator) lastHeartbeat() model.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[len(f.heartbeats)-1]
}

// fakeLauncher 不碰 docker，只记录启停
type fakeLauncher struct {
	mu       sync.Mutex
	started  []model.ServiceName
	stopped  []model.ServiceName
	dead     map[model.ServiceName]bool
	startErr map[model.ServiceName]error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{dead: map[model.ServiceName]bool{}, startErr: map[model.ServiceName]error{}}
}

func (f *fakeLauncher) Start(ctx context.Context, svc model.ServiceDescriptor) (*executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[svc.Name]; err != nil {
		return nil, err
	}
	f.started = append(f.started, svc.Name)
	return &executor.Handle{Service: svc.Name, ContainerID: "c-" + string(svc.Name), Port: svc.Port}, nil
}

func (f *fakeLauncher) Running(ctx context.Context, h *executor.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[h.Service], nil
}

func (f *fakeLauncher) Stop(ctx context.Context, h *executor.Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.Service)
	return nil
}

type fakeJoiner struct {
	mu     sync.Mutex
	err    error
	closed bool
}

func (f *fakeJoiner) Join(ctx context.Context) (*vpn.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &vpn.Result{Address: netip.MustParsePrefix("10.42.0.2/16")}, nil
}

func (f *fakeJoiner) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type staticDetector model.Capabilities

func (s staticDetector) Detect(ctx context.Context) model.Capabilities { return model.Capabilities(s) }

var cpuCaps = staticDetector{CPUCores: 8, RAM: "32GB"}

func testAgentOptions() Options {
	return Options{
		ID:                "w-local",
		Hostname:          "test-host",
		ListenAddr:        "127.0.0.1:0",
		HeartbeatInterval: 10 * time.Millisecond,
		StopGrace:         time.Millisecond,
		RegisterBackoff:   time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAgentLifecycle(t *testing.T) {
	coord := &fakeCoordinator{
		assignID: "w-assigned",
		assign:   []model.ServiceDescriptor{{Name: model.ServiceRAGQuery, Port: 8010}},
	}
	launcher := newFakeLauncher()
	joiner := &fakeJoiner{}
	network := dht.NewMemoryNetwork()
	dhtClient := dht.NewClient(dht.NewNode(network.Join("self"), nil), dht.ClientOptions{}, nil)

	a := NewAgent(testAgentOptions(), Deps{
		Coordinator: coord,
		Detector:    cpuCaps,
		Overlay:     joiner,
		DHT:         dhtClient,
		Launcher:    launcher,
		Tunnel:      StaticTunnel{URL: "https://w.example"},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "heartbeats", func() bool {
		_, hb := coord.counts()
		return hb >= 2
	})

	reg := coord.registers[0]
	if reg.ID != "w-local" || reg.Reachability.TunnelURL != "https://w.example" || reg.Reachability.OverlayAddress != "10.42.0.2" {
		t.Fatalf("register request = %+v", reg)
	}
	hb := coord.lastHeartbeat()
	if hb.ID != "w-assigned" {
		t.Fatalf("heartbeat used id %q, want the coordinator's id", hb.ID)
	}
	if hb.Status != model.WorkerHealthy || hb.ServiceStatus[string(model.ServiceRAGQuery)] != serviceRunning {
		t.Fatalf("heartbeat = %+v", hb)
	}
	if a.State() != StateHeartbeat {
		t.Fatalf("state = %s", a.State())
	}

	// 其他节点能在 DHT 里找到我们
	peer := dht.NewClient(dht.NewNode(network.Join("peer"), nil), dht.ClientOptions{}, nil)
	found, err := peer.FindWorkerForService(context.Background(), model.ServiceRAGQuery, true)
	if err != nil || found.WorkerID != "w-assigned" {
		t.Fatalf("dht lookup = %+v, %v", found, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("state after shutdown = %s", a.State())
	}
	if len(launcher.stopped) != 1 || launcher.stopped[0] != model.ServiceRAGQuery {
		t.Fatalf("stopped = %v", launcher.stopped)
	}
	if len(coord.unregistered) != 1 || coord.unregistered[0] != "w-assigned" {
		t.Fatalf("unregistered = %v", coord.unregistered)
	}
	if !joiner.closed {
		t.Fatal("overlay not stopped")
	}
	if _, err := peer.FindWorkerForService(context.Background(), model.ServiceRAGQuery, false); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Fatalf("worker still indexed after cleanup: %v", err)
	}
}

func TestAgentRegistrationFailureIsFatal(t *testing.T) {
	coord := &fakeCoordinator{registerErr: fleeterr.Invariant("register", "tier mismatch")}
	a := NewAgent(testAgentOptions(), Deps{Coordinator: coord}, nil)

	err := a.Run(context.Background())
	if !errors.Is(err, fleeterr.ErrInvariant) {
		t.Fatalf("expected registration error, got %v", err)
	}
	if n, _ := coord.counts(); n != 1 {
		t.Fatalf("non-transient error retried %d times", n)
	}
	if len(coord.unregistered) != 0 {
		t.Fatal("unregistered a worker that never registered")
	}
}

func TestAgentRegistrationRetriesTransient(t *testing.T) {
	coord := &fakeCoordinator{registerErr: fleeterr.Transient("register", errors.New("connection refused"))}
	a := NewAgent(testAgentOptions(), Deps{Coordinator: coord}, nil)

	if err := a.Run(context.Background()); !errors.Is(err, fleeterr.ErrTransient) {
		t.Fatalf("err = %v", err)
	}
	if n, _ := coord.counts(); n != 3 {
		t.Fatalf("register attempts = %d, want 3", n)
	}
}

func TestAgentContinuesWithoutOverlay(t *testing.T) {
	coord := &fakeCoordinator{}
	a := NewAgent(testAgentOptions(), Deps{
		Coordinator: coord,
		Overlay:     &fakeJoiner{err: fleeterr.Fatal("vpn join", errors.New("nebula missing"))},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	waitFor(t, "heartbeat", func() bool {
		_, hb := coord.counts()
		return hb >= 1
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if coord.registers[0].Reachability.OverlayAddress != "" {
		t.Fatalf("overlay address advertised after failed join: %+v", coord.registers[0])
	}
}

// registeredAgent 完成注册和启动，但不跑心跳循环
func registeredAgent(t *testing.T, coord *fakeCoordinator, launcher *fakeLauncher) *Agent {
	t.Helper()
	deps := Deps{Coordinator: coord, Detector: cpuCaps}
	if launcher != nil {
		deps.Launcher = launcher
	}
	a := NewAgent(testAgentOptions(), deps, nil)
	ctx := context.Background()
	a.detect(ctx)
	if err := a.register(ctx); err != nil {
		t.Fatal(err)
	}
	a.launchAssigned(ctx)
	return a
}

func TestHeartbeatReregistersAfterThreeFailures(t *testing.T) {
	coord := &fakeCoordinator{}
	a := registeredAgent(t, coord, newFakeLauncher())
	ctx := context.Background()

	coord.heartbeatErr = fleeterr.Transient("heartbeat", errors.New("timeout"))
	a.heartbeat(ctx)
	a.heartbeat(ctx)
	if n, _ := coord.counts(); n != 1 {
		t.Fatal("re-registered after only two failures")
	}
	a.heartbeat(ctx)
	if n, _ := coord.counts(); n != 2 {
		t.Fatalf("registers = %d after three failures, want 2", n)
	}

	// 计数在重新注册后清零
	coord.heartbeatErr = nil
	a.heartbeat(ctx)
	if a.failures != 0 {
		t.Fatalf("failures = %d", a.failures)
	}
}

func TestHeartbeatNotFoundReregistersImmediately(t *testing.T) {
	coord := &fakeCoordinator{}
	a := registeredAgent(t, coord, newFakeLauncher())

	coord.heartbeatErr = fleeterr.NotFound("heartbeat", "unknown worker")
	a.heartbeat(context.Background())
	if n, _ := coord.counts(); n != 2 {
		t.Fatalf("registers = %d, want immediate re-registration", n)
	}
}

func TestHeartbeatReportsDegradedWorkload(t *testing.T) {
	coord := &fakeCoordinator{assign: []model.ServiceDescriptor{
		{Name: model.ServiceRAGQuery, Port: 8010},
		{Name: model.ServiceChatbot, Port: 8012},
		{Name: model.ServiceEligibility, Port: 8011},
	}}
	launcher := newFakeLauncher()
	launcher.startErr[model.ServiceEligibility] = errors.New("image not found")
	a := registeredAgent(t, coord, launcher)

	a.heartbeat(context.Background())
	hb := coord.lastHeartbeat()
	if hb.Status != model.WorkerDegraded || hb.ServiceStatus[string(model.ServiceEligibility)] != serviceFailed {
		t.Fatalf("heartbeat = %+v", hb)
	}

	launcher.mu.Lock()
	launcher.dead[model.ServiceChatbot] = true
	launcher.mu.Unlock()
	a.heartbeat(context.Background())
	hb = coord.lastHeartbeat()
	if hb.ServiceStatus[string(model.ServiceChatbot)] != serviceExited || hb.ServiceStatus[string(model.ServiceRAGQuery)] != serviceRunning {
		t.Fatalf("service status = %v", hb.ServiceStatus)
	}
}

func TestReregisterReconcilesAssignments(t *testing.T) {
	coord := &fakeCoordinator{assign: []model.ServiceDescriptor{{Name: model.ServiceRAGQuery, Port: 8010}}}
	launcher := newFakeLauncher()
	a := registeredAgent(t, coord, launcher)

	coord.mu.Lock()
	coord.assign = []model.ServiceDescriptor{{Name: model.ServiceChatbot, Port: 8012}}
	coord.mu.Unlock()
	a.reregister(context.Background())

	if len(launcher.stopped) != 1 || launcher.stopped[0] != model.ServiceRAGQuery {
		t.Fatalf("stopped = %v", launcher.stopped)
	}
	if len(launcher.started) != 2 || launcher.started[1] != model.ServiceChatbot {
		t.Fatalf("started = %v", launcher.started)
	}
	_, status := a.workloadStatus(context.Background())
	if _, ok := status[string(model.ServiceRAGQuery)]; ok || len(status) != 1 {
		t.Fatalf("status = %v", status)
	}
}
