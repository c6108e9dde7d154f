package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testStale = 90 * time.Second
	testEvict = 120 * time.Second
)

func newTestRegistry(t *testing.T, dir string) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seq := 0
	r, err := New(Options{
		DataDir:    dir,
		StaleAfter: testStale,
		EvictAfter: testEvict,
		Now:        clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("w%d", seq)
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, clock
}

func gpuCaps() model.Capabilities { return model.Capabilities{GPUMemory: "24GB", GPUType: "X"} }
func cpuCaps() model.Capabilities { return model.Capabilities{CPUCores: 8, RAM: "32GB"} }

func TestRegisterGPUWorkerSpecializes(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	w, err := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.Tier != model.TierGPU {
		t.Fatalf("tier = %v, want gpu", w.Tier)
	}
	if len(w.AssignedServices) != 1 {
		t.Fatalf("assigned %d services, want exactly 1: %+v", len(w.AssignedServices), w.AssignedServices)
	}
	entry, err := r.Catalog().Lookup(w.AssignedServices[0].Name)
	if err != nil || entry.Tier != model.TierGPU {
		t.Errorf("assigned non-GPU service %s", w.AssignedServices[0].Name)
	}
}

func TestRegisterCPUWorkerScarcity(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	w, err := r.Register(model.RegisterRequest{Capabilities: cpuCaps()})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.Tier != model.TierCPU {
		t.Fatalf("tier = %v, want cpu", w.Tier)
	}
	if len(w.AssignedServices) <= 1 {
		t.Fatalf("expected multi-tenant assignment, got %+v", w.AssignedServices)
	}
	if len(w.AssignedServices) > 3 {
		t.Fatalf("assigned %d services, max is 3", len(w.AssignedServices))
	}
}

func TestAssignmentNeverCrossesTier(t *testing.T) {
	inputs := []model.Capabilities{
		gpuCaps(),
		cpuCaps(),
		{},
		{CPUCores: 1, RAM: "512MB", Storage: "4TB"},
		{PublicAddress: "198.51.100.7"},
		{CoordinatorLatencyMs: 1},
		{GPUMemory: "80GB", GPUType: "H100", CPUCores: 64, RAM: "512GB"},
	}
	for i, caps := range inputs {
		r, _ := newTestRegistry(t, "")
		w, err := r.Register(model.RegisterRequest{Capabilities: caps})
		if err != nil {
			t.Fatalf("case %d: Register: %v", i, err)
		}
		for _, s := range w.AssignedServices {
			entry, err := r.Catalog().Lookup(s.Name)
			if err != nil {
				t.Fatalf("case %d: %v", i, err)
			}
			if entry.Tier != w.Tier {
				t.Errorf("case %d: service %s (tier %v) assigned to tier %v worker", i, s.Name, entry.Tier, w.Tier)
			}
		}
	}
}

func TestGapAssignmentFillsLeastCoveredFirst(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	want := []model.ServiceName{
		model.ServiceLLMInference,
		model.ServiceEmbeddings,
		model.ServiceOCR,
		model.ServiceLLMInference,
	}
	for i, name := range want {
		w, err := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
		if err != nil {
			t.Fatal(err)
		}
		if got := w.AssignedServices[0].Name; got != name {
			t.Errorf("gpu worker %d got %s, want %s", i, got, name)
		}
	}
}

func TestAssignmentSwitchesToSpecialization(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	eligible := len(r.Catalog().ForTier(model.TierCPU))
	for i := 0; i < eligible; i++ {
		w, err := r.Register(model.RegisterRequest{Capabilities: cpuCaps()})
		if err != nil {
			t.Fatal(err)
		}
		if len(w.AssignedServices) < 2 {
			t.Fatalf("worker %d should still be multi-tenant, got %d services", i, len(w.AssignedServices))
		}
	}
	w, err := r.Register(model.RegisterRequest{Capabilities: cpuCaps()})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.AssignedServices) != 1 {
		t.Fatalf("enough cpu workers exist, want 1 service, got %+v", w.AssignedServices)
	}
}

func TestAssignmentIsDeterministic(t *testing.T) {
	run := func() [][]model.ServiceName {
		r, _ := newTestRegistry(t, "")
		var out [][]model.ServiceName
		for _, caps := range []model.Capabilities{cpuCaps(), gpuCaps(), cpuCaps(), {}, cpuCaps(), gpuCaps()} {
			w, err := r.Register(model.RegisterRequest{Capabilities: caps})
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, w.ServiceNames())
		}
		return out
	}
	a, b := run(), run()
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Fatalf("same snapshot gave different assignments:\n%v\n%v", a, b)
	}
}

func TestRegisterRenamesCollidingID(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	a, _ := r.Register(model.RegisterRequest{ID: "gpu-box", Capabilities: gpuCaps()})
	b, _ := r.Register(model.RegisterRequest{ID: "gpu-box", Capabilities: gpuCaps()})
	if a.ID != "gpu-box" {
		t.Errorf("first registration should keep its id, got %s", a.ID)
	}
	if b.ID == a.ID {
		t.Fatalf("second registration must be renamed, both got %s", a.ID)
	}
	if len(r.List()) != 2 {
		t.Errorf("expected 2 workers")
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	_, err := r.Heartbeat(model.HeartbeatRequest{ID: "ghost"})
	if !errors.Is(err, fleeterr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHeartbeatDoesNotRetierOrReassign(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	w, _ := r.Register(model.RegisterRequest{Capabilities: cpuCaps()})
	before := fmt.Sprint(w.ServiceNames())

	got, err := r.Heartbeat(model.HeartbeatRequest{ID: w.ID, Load: 1.7, TasksCompleted: 4})
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != w.Tier || fmt.Sprint(got.ServiceNames()) != before {
		t.Errorf("heartbeat changed tier/services: %+v", got)
	}
	if got.CurrentLoad != 1 {
		t.Errorf("load should clamp to 1, got %v", got.CurrentLoad)
	}
	if got.TasksCompleted != 4 {
		t.Errorf("tasks completed = %d", got.TasksCompleted)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	w, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})

	if !r.Unregister(w.ID) {
		t.Fatal("first Unregister should remove the worker")
	}
	if r.Unregister(w.ID) {
		t.Fatal("second Unregister should be a no-op")
	}
	if len(r.Services()) != 0 {
		t.Errorf("service index not cleaned: %v", r.Services())
	}
	if _, err := r.Get(w.ID); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Errorf("Get after unregister: %v", err)
	}
}

func TestHealthStateMachine(t *testing.T) {
	r, clock := newTestRegistry(t, "")
	w, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	svc := w.AssignedServices[0].Name

	clock.Advance(testStale + time.Millisecond)
	res := r.Sweep()
	if len(res.Staled) != 1 {
		t.Fatalf("expected worker to go stale, got %+v", res)
	}
	got, _ := r.Get(w.ID)
	if got.Status != model.WorkerStale {
		t.Fatalf("status = %s, want stale", got.Status)
	}
	if len(r.ListHealthy(model.TierUnknown)) != 0 {
		t.Error("stale worker listed as healthy")
	}

	// 再扫一次不会重复报告
	if res := r.Sweep(); len(res.Staled) != 0 || len(res.Removed) != 0 {
		t.Errorf("second sweep should be quiet, got %+v", res)
	}

	clock.Advance(testEvict - testStale)
	res = r.Sweep()
	if len(res.Removed) != 1 {
		t.Fatalf("expected eviction, got %+v", res)
	}
	if _, err := r.Get(w.ID); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Errorf("evicted worker still present")
	}
	if _, ok := r.Services()[svc]; ok {
		t.Errorf("evicted worker still in service index")
	}
}

func TestHeartbeatBeforeEvictionResetsHealthy(t *testing.T) {
	r, clock := newTestRegistry(t, "")
	w, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})

	clock.Advance(testStale + time.Second)
	r.Sweep()

	clock.Advance(testEvict - testStale - 2*time.Second) // 距离 T2 还差一个 tick
	if _, err := r.Heartbeat(model.HeartbeatRequest{ID: w.ID, Load: 0.2}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(w.ID)
	if got.Status != model.WorkerHealthy {
		t.Fatalf("heartbeat should reset to healthy, got %s", got.Status)
	}

	clock.Advance(2 * time.Second)
	if res := r.Sweep(); len(res.Removed) != 0 || len(res.Staled) != 0 {
		t.Fatalf("pending removal should be cancelled, got %+v", res)
	}
}

func TestAnalyzeGaps(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	for _, g := range r.AnalyzeGaps() {
		if g.Status != model.GapCritical || g.CurrentCoverage != 0 {
			t.Fatalf("empty registry should be all critical, got %+v", g)
		}
	}

	r.Register(model.RegisterRequest{Capabilities: gpuCaps()}) // llm-inference, MinReplicas 2
	gaps := map[model.ServiceName]model.Gap{}
	for _, g := range r.AnalyzeGaps() {
		gaps[g.Service] = g
	}
	if g := gaps[model.ServiceLLMInference]; g.CurrentCoverage != 1 || g.Status != model.GapWarning {
		t.Errorf("llm-inference = %+v, want warning with coverage 1", g)
	}
	if g := gaps[model.ServiceEmbeddings]; g.Status != model.GapCritical {
		t.Errorf("embeddings = %+v, want critical", g)
	}

	r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	for _, g := range r.AnalyzeGaps() {
		if g.Service == model.ServiceLLMInference && g.Status != model.GapOK {
			t.Errorf("llm-inference with 2 replicas should be ok, got %+v", g)
		}
	}
}

func TestProvidersOf(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	if _, err := r.ProvidersOf(model.ServiceOCR); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Fatalf("no coverage should be NotFound, got %v", err)
	}
	if _, err := r.ProvidersOf("bogus"); !errors.Is(err, model.ErrUnknownService) {
		t.Fatalf("unknown service should fail typed, got %v", err)
	}

	a, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	b, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	c, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()})
	d, _ := r.Register(model.RegisterRequest{Capabilities: gpuCaps()}) // llm-inference again
	_ = b
	_ = c
	r.Heartbeat(model.HeartbeatRequest{ID: a.ID, Load: 0.8})
	r.Heartbeat(model.HeartbeatRequest{ID: d.ID, Load: 0.1})

	ps, err := r.ProvidersOf(model.ServiceLLMInference)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 || ps[0].ID != d.ID {
		t.Errorf("want least loaded first, got %+v", ps)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRegistry(t, dir)
	var want []*model.Worker
	for _, caps := range []model.Capabilities{gpuCaps(), cpuCaps(), {}, cpuCaps()} {
		w, err := r.Register(model.RegisterRequest{Capabilities: caps})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, w)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, snapshotFile)); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	reloaded, _ := newTestRegistry(t, dir)
	if got := len(reloaded.List()); got != len(want) {
		t.Fatalf("reloaded %d workers, want %d", got, len(want))
	}
	for _, w := range want {
		got, err := reloaded.Get(w.ID)
		if err != nil {
			t.Fatalf("worker %s lost: %v", w.ID, err)
		}
		if got.Tier != w.Tier {
			t.Errorf("%s tier %v != %v", w.ID, got.Tier, w.Tier)
		}
		if fmt.Sprint(got.ServiceNames()) != fmt.Sprint(w.ServiceNames()) {
			t.Errorf("%s services %v != %v", w.ID, got.ServiceNames(), w.ServiceNames())
		}
	}
	if fmt.Sprint(reloaded.Services()) != fmt.Sprint(r.Services()) {
		t.Errorf("service index not rebuilt:\n%v\n%v", reloaded.Services(), r.Services())
	}
}

func TestUnwritableDataDirFallsBackToMemory(t *testing.T) {
	// 用一个普通文件当数据目录，MkdirAll 必然失败
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r, _ := newTestRegistry(t, file)
	w, err := r.Register(model.RegisterRequest{Capabilities: cpuCaps()})
	if err != nil {
		t.Fatalf("registry should keep working in memory: %v", err)
	}
	if _, err := r.Get(w.ID); err != nil {
		t.Fatal(err)
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, snapshotFile), []byte("{not json"), 0644)
	r, _ := newTestRegistry(t, dir)
	if len(r.List()) != 0 {
		t.Fatal("expected empty registry")
	}
	matches, _ := filepath.Glob(filepath.Join(dir, snapshotFile+".corrupt-*"))
	if len(matches) != 1 {
		t.Errorf("corrupt snapshot should be moved aside, found %v", matches)
	}
}
