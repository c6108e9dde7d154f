package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"titan/pkg/fleeterr"
)

func TestParseServiceName(t *testing.T) {
	name, err := ParseServiceName("rag-query")
	if err != nil {
		t.Fatalf("ParseServiceName: %v", err)
	}
	if name != ServiceRAGQuery {
		t.Errorf("got %q, want %q", name, ServiceRAGQuery)
	}

	_, err = ParseServiceName("does-not-exist")
	if !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
	if !errors.Is(err, fleeterr.ErrNotFound) {
		t.Errorf("unknown service should be a NotFound, got %v", err)
	}
}

func TestDefaultCatalogCoversEveryTier(t *testing.T) {
	c := DefaultCatalog()
	for _, tier := range []Tier{TierGPU, TierCPU, TierStorage, TierEdge} {
		entries := c.ForTier(tier)
		if len(entries) == 0 {
			t.Errorf("tier %v has no services", tier)
		}
		for _, e := range entries {
			if e.Tier != tier {
				t.Errorf("ForTier(%v) returned %s with tier %v", tier, e.Name, e.Tier)
			}
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `services:
  - name: llm-inference
    tier: 1
    priority: 1
    port: 9001
    image: example/llm:1
  - name: vector-store
    tier: 3
    priority: 2
    port: 6333
    image: qdrant/qdrant:v1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	e, err := c.Lookup(ServiceLLMInference)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Port != 9001 || e.MinReplicas != 1 {
		t.Errorf("unexpected entry %+v", e)
	}
	if _, err := c.Lookup(ServiceOCR); !errors.Is(err, ErrUnknownService) {
		t.Errorf("ocr not in file, expected ErrUnknownService, got %v", err)
	}
}

func TestLoadCatalogRejectsUnknownName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	os.WriteFile(path, []byte("services:\n  - name: mystery\n    tier: 2\n    priority: 1\n"), 0644)
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("expected error for unknown service name")
	}
}

func TestServiceIndexDedup(t *testing.T) {
	var idx ServiceIndex
	if !idx.Add("w1") || idx.Add("w1") || !idx.Add("w2") {
		t.Fatal("Add should dedup on id")
	}
	if len(idx.Workers) != 2 {
		t.Fatalf("got %v", idx.Workers)
	}
	if !idx.Remove("w1") || idx.Remove("w1") {
		t.Fatal("Remove should be idempotent")
	}
}
