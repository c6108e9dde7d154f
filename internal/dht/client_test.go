package dht

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
	"titan/pkg/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestClient(net *MemoryNetwork, name string, clock *fakeClock, kv store.KV) *Client {
	return NewClient(NewNode(net.Join(name), nil), ClientOptions{KV: kv, Now: clock.Now}, nil)
}

func TestRegisterAndFindAcrossNodes(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	a := newTestClient(net, "a", clock, nil)
	b := newTestClient(net, "b", clock, nil)

	for _, id := range []string{"w1", "w2"} {
		err := a.RegisterWorker(ctx, model.WorkerInfo{
			WorkerID:  id,
			TunnelURL: "https://" + id + ".example",
			Services:  []model.ServiceName{model.ServiceRAGQuery},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	cands, err := b.Candidates(ctx, model.ServiceRAGQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates", len(cands))
	}

	got, err := b.FindWorkerForService(ctx, model.ServiceRAGQuery, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != "w1" && got.WorkerID != "w2" {
		t.Fatalf("unexpected worker %s", got.WorkerID)
	}

	if _, err := b.FindWorkerForService(ctx, model.ServiceOCR, true); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Fatalf("expected NotFound for unindexed service, got %v", err)
	}
}

func TestServiceIndexIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	clock := &fakeClock{t: time.Now()}
	c := newTestClient(net, "a", clock, nil)

	info := model.WorkerInfo{WorkerID: "w1", Services: []model.ServiceName{model.ServiceOCR}}
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if err := c.RegisterWorker(ctx, info); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := c.loadIndex(ctx, model.ServiceOCR)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Workers) != 1 {
		t.Fatalf("index = %v", idx.Workers)
	}
}

func TestCandidatesCacheTTL(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	clock := &fakeClock{t: time.Now()}
	writer := newTestClient(net, "w", clock, nil)
	reader := newTestClient(net, "r", clock, nil)

	writer.RegisterWorker(ctx, model.WorkerInfo{WorkerID: "w1", Services: []model.ServiceName{model.ServiceChatbot}})
	if c, _ := reader.Candidates(ctx, model.ServiceChatbot); len(c) != 1 {
		t.Fatalf("got %d candidates", len(c))
	}

	clock.Advance(time.Second)
	writer.RegisterWorker(ctx, model.WorkerInfo{WorkerID: "w2", Services: []model.ServiceName{model.ServiceChatbot}})
	if c, _ := reader.Candidates(ctx, model.ServiceChatbot); len(c) != 1 {
		t.Fatalf("cache not used: %d candidates", len(c))
	}

	clock.Advance(61 * time.Second)
	if c, _ := reader.Candidates(ctx, model.ServiceChatbot); len(c) != 2 {
		t.Fatalf("cache not expired: %d candidates", len(c))
	}
}

func TestFindWorkerBypassesCache(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	clock := &fakeClock{t: time.Now()}
	writer := newTestClient(net, "w", clock, nil)
	reader := newTestClient(net, "r", clock, nil)

	load := 0.9
	writer.RegisterWorker(ctx, model.WorkerInfo{WorkerID: "busy", Load: &load, Services: []model.ServiceName{model.ServiceChatbot}})
	if got, err := reader.FindWorkerForService(ctx, model.ServiceChatbot, true); err != nil || got.WorkerID != "busy" {
		t.Fatalf("first lookup = %+v, %v", got, err)
	}

	writer.Unregister(ctx)
	if got, err := reader.FindWorkerForService(ctx, model.ServiceChatbot, true); err != nil || got.WorkerID != "busy" {
		t.Fatalf("cached lookup = %+v, %v", got, err)
	}
	if _, err := reader.FindWorkerForService(ctx, model.ServiceChatbot, false); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Fatalf("uncached lookup should miss: %v", err)
	}
}

func TestUnregisterRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	clock := &fakeClock{t: time.Now()}
	c := newTestClient(net, "a", clock, nil)

	c.RegisterWorker(ctx, model.WorkerInfo{WorkerID: "w1", Services: []model.ServiceName{model.ServiceEmbeddings}})
	clock.Advance(time.Second)
	if err := c.Unregister(ctx); err != nil {
		t.Fatal(err)
	}
	idx, _ := c.loadIndex(ctx, model.ServiceEmbeddings)
	if len(idx.Workers) != 0 {
		t.Fatalf("index = %v", idx.Workers)
	}
}

func TestConnectUsesCoordinatorThenKV(t *testing.T) {
	ctx := context.Background()
	var posted atomic.Int32
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posted.Add(1)
		}
		json.NewEncoder(w).Encode(map[string][]string{"peers": {"/memory/seed"}})
	}))
	defer coord.Close()

	net := NewMemoryNetwork()
	c := NewClient(NewNode(net.Join("x"), nil), ClientOptions{CoordinatorURL: coord.URL}, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if posted.Load() != 1 {
		t.Fatalf("address announced %d times", posted.Load())
	}

	// 协调器不可用时用共享存储
	coord.Close()
	kv := store.NewMemoryKV()
	kv.AppendUnique(ctx, store.DHTPeersKey, "/memory/seed")
	c2 := NewClient(NewNode(net.Join("y"), nil), ClientOptions{CoordinatorURL: coord.URL, KV: kv}, nil)
	if err := c2.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	peers, _ := kv.GetList(ctx, store.DHTPeersKey)
	if len(peers) != 2 {
		t.Fatalf("peers = %v", peers)
	}
}

func TestValidatorSelectsNewest(t *testing.T) {
	older, _ := json.Marshal(model.ServiceIndex{Service: model.ServiceOCR, UpdatedAt: time.Unix(100, 0)})
	newer, _ := json.Marshal(model.ServiceIndex{Service: model.ServiceOCR, UpdatedAt: time.Unix(200, 0)})
	v := recordValidator{}
	i, err := v.Select(serviceKey(model.ServiceOCR), [][]byte{older, newer, []byte("junk")})
	if err != nil || i != 1 {
		t.Fatalf("Select = %d, %v", i, err)
	}
	if err := v.Validate(serviceKey(model.ServiceOCR), []byte("{}")); err == nil {
		t.Fatal("record without timestamp accepted")
	}
	if err := v.Validate("/fleet/other/x", newer); err == nil {
		t.Fatal("record outside known prefixes accepted")
	}
}
