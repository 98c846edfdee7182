package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerID != "local" || cfg.ListenAddr != ":8080" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.World.TickRateHz != 10 {
		t.Fatalf("tick rate = %d", cfg.World.TickRateHz)
	}
	if cfg.AdvertiseURL == "" {
		t.Fatalf("advertise url not derived")
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
server_id: alpha
listen_addr: ":9000"
advertise_url: "ws://alpha.example:9000/ws"
key_file: /var/lib/alpha/server.key
registry_file: configs/registry.yaml
policy_file: configs/policy.yaml
data_dir: /var/lib/alpha
world:
  id: meadow
  tick_rate_hz: 20
  view_radius: 32
  boundary_r: 500
substrate:
  file: data/meadow.substrate
  url: "https://assets.example/substrate"
destinations:
  - world_id: dungeon
    address: "ws://dungeon.example:9000/ws"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerID != "alpha" || cfg.World.TickRateHz != 20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Destinations) != 1 || cfg.Destinations[0].WorldID != "dungeon" {
		t.Fatalf("destinations = %+v", cfg.Destinations)
	}
	if cfg.Substrate.URL != "https://assets.example/substrate" {
		t.Fatalf("substrate = %+v", cfg.Substrate)
	}
}

func TestLoad_WorldIDFallsBackToServerID(t *testing.T) {
	path := writeConfig(t, "server_id: gamma\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.World.ID != "gamma" {
		t.Fatalf("world id = %q", cfg.World.ID)
	}
}

func TestLoad_DuplicateDestinationRejected(t *testing.T) {
	path := writeConfig(t, `
server_id: alpha
destinations:
  - world_id: dungeon
    address: "ws://a/ws"
  - world_id: dungeon
    address: "ws://b/ws"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate destination error")
	}
}

func TestValidate_MissingServerID(t *testing.T) {
	path := writeConfig(t, "listen_addr: \":9000\"\nserver_id: \"\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected server_id error")
	}
}
