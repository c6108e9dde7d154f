package dht

import (
	"testing"
	"time"

	"titan/pkg/model"
)

func loadPtr(f float64) *float64 { return &f }

func TestSelectPrefersLeastLoaded(t *testing.T) {
	now := time.Now()
	s := &Selector{StaleAfter: 5 * time.Minute, Now: func() time.Time { return now }}
	cands := []model.WorkerInfo{
		{WorkerID: "a", Load: loadPtr(0.9), LastSeen: now},
		{WorkerID: "b", Load: loadPtr(0.1), LastSeen: now},
		{WorkerID: "c", Load: loadPtr(0.5), LastSeen: now},
	}
	for i := 0; i < 200; i++ {
		in := append([]model.WorkerInfo(nil), cands...)
		got, err := s.Select(model.ServiceRAGQuery, in)
		if err != nil {
			t.Fatal(err)
		}
		if got.WorkerID == "a" {
			t.Fatalf("picked the most loaded worker on iteration %d", i)
		}
		if got.WorkerID != "b" {
			t.Fatalf("got %s, want b", got.WorkerID)
		}
	}
}

func TestSelectDropsStaleEntries(t *testing.T) {
	now := time.Now()
	s := &Selector{StaleAfter: 5 * time.Minute, Now: func() time.Time { return now }}
	cands := []model.WorkerInfo{
		{WorkerID: "old", Load: loadPtr(0.0), LastSeen: now.Add(-10 * time.Minute)},
		{WorkerID: "new", Load: loadPtr(0.8), LastSeen: now.Add(-time.Minute)},
	}
	got, err := s.Select(model.ServiceChatbot, cands)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != "new" {
		t.Fatalf("got %s", got.WorkerID)
	}

	if _, err := s.Select(model.ServiceChatbot, cands[:1]); err == nil {
		t.Fatal("expected error when every candidate is stale")
	}
}

func TestSelectGPUPreference(t *testing.T) {
	now := time.Now()
	s := &Selector{Now: func() time.Time { return now }}
	cands := []model.WorkerInfo{
		{WorkerID: "t4", Capabilities: model.Capabilities{GPUType: "Tesla T4"}, LastSeen: now},
		{WorkerID: "h100", Capabilities: model.Capabilities{GPUType: "NVIDIA H100 80GB"}, LastSeen: now},
		{WorkerID: "3090", Capabilities: model.Capabilities{GPUType: "RTX 3090"}, LastSeen: now},
	}
	for i := 0; i < 50; i++ {
		got, err := s.Select(model.ServiceLLMInference, cands)
		if err != nil {
			t.Fatal(err)
		}
		if got.WorkerID != "h100" {
			t.Fatalf("got %s, want h100", got.WorkerID)
		}
	}
}

func TestSelectRandomWithoutSignals(t *testing.T) {
	now := time.Now()
	s := &Selector{Now: func() time.Time { return now }, Intn: func(n int) int { return n - 1 }}
	cands := []model.WorkerInfo{
		{WorkerID: "x", LastSeen: now},
		{WorkerID: "y", LastSeen: now},
	}
	got, err := s.Select(model.ServiceVectorStore, cands)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != "y" {
		t.Fatalf("got %s", got.WorkerID)
	}
}

func TestGPUDesirability(t *testing.T) {
	cases := map[string]int{
		"NVIDIA A100-SXM4-40GB": 3,
		"GeForce RTX 4090":      2,
		"Tesla T4":              1,
		"":                      0,
		"Radeon 7900":           0,
	}
	for in, want := range cases {
		if got := gpuDesirability(in); got != want {
			t.Errorf("gpuDesirability(%q) = %d, want %d", in, got, want)
		}
	}
}
