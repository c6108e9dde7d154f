package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCoordinatorDefaults(t *testing.T) {
	c, err := LoadCoordinator("", nil)
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if c.Health.StaleAfter != 90*time.Second || c.Health.EvictAfter != 120*time.Second {
		t.Errorf("standard profile not applied: %+v", c.Health)
	}
	if c.Health.SweepInterval != 60*time.Second {
		t.Errorf("sweep interval = %s", c.Health.SweepInterval)
	}
	if c.KV.Backend != "memory" {
		t.Errorf("kv backend = %q", c.KV.Backend)
	}
}

func TestLoadCoordinatorRelaxedProfile(t *testing.T) {
	path := writeConfig(t, "health:\n  profile: relaxed\n")
	c, err := LoadCoordinator(path, nil)
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if c.Health.StaleAfter != 5*time.Minute || c.Health.EvictAfter != 30*time.Minute {
		t.Errorf("relaxed profile not applied: %+v", c.Health)
	}
}

func TestLoadCoordinatorExplicitWindowsOverrideProfile(t *testing.T) {
	path := writeConfig(t, "health:\n  profile: relaxed\n  stale_after: 2m\n")
	c, err := LoadCoordinator(path, nil)
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if c.Health.StaleAfter != 2*time.Minute || c.Health.EvictAfter != 30*time.Minute {
		t.Errorf("got %+v", c.Health)
	}
}

func TestLoadCoordinatorRejectsInvertedWindows(t *testing.T) {
	path := writeConfig(t, "health:\n  stale_after: 10m\n  evict_after: 1m\n")
	if _, err := LoadCoordinator(path, nil); err == nil {
		t.Fatal("expected error when evict_after <= stale_after")
	}
}

func TestLoadCoordinatorUnknownProfile(t *testing.T) {
	path := writeConfig(t, "health:\n  profile: yolo\n")
	if _, err := LoadCoordinator(path, nil); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestLoadCoordinatorFlagOverride(t *testing.T) {
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	fs.String("listen-addr", ":8000", "")
	if err := fs.Parse([]string{"--listen-addr", ":9999"}); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCoordinator("", fs)
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if c.ListenAddr != ":9999" {
		t.Errorf("listen addr = %q", c.ListenAddr)
	}
}

func TestLoadWorker(t *testing.T) {
	path := writeConfig(t, `coordinator_url: http://coord:8000
vpn:
  enabled: true
  network: 10.99.0.0/24
tunnel:
  mode: static
  url: https://w1.example.com
`)
	w, err := LoadWorker(path, nil)
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if !w.VPN.Enabled || w.VPN.Network != "10.99.0.0/24" || w.VPN.MaxAttempts != 3 {
		t.Errorf("vpn = %+v", w.VPN)
	}
	if w.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat interval = %s", w.HeartbeatInterval)
	}
	if w.DHT.CacheTTL != time.Minute || w.DHT.RefreshInterval != 30*time.Second {
		t.Errorf("dht = %+v", w.DHT)
	}
}

func TestLoadWorkerStaticTunnelNeedsURL(t *testing.T) {
	path := writeConfig(t, "tunnel:\n  mode: static\n")
	if _, err := LoadWorker(path, nil); err == nil {
		t.Fatal("expected error for static tunnel without url")
	}
}

func TestLoadWorkerNebulaNeedsNebulaCA(t *testing.T) {
	path := writeConfig(t, "vpn:\n  overlay: nebula\n  ca: builtin\n")
	if _, err := LoadWorker(path, nil); err == nil {
		t.Fatal("expected error for nebula overlay with builtin CA")
	}
	path = writeConfig(t, "vpn:\n  overlay: external\n  ca: builtin\n")
	if _, err := LoadWorker(path, nil); err != nil {
		t.Fatalf("external overlay with builtin CA: %v", err)
	}
}
