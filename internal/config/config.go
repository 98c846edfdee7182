// Package config loads the world server's server.yaml.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerID   string `yaml:"server_id"`
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseURL is the ws URL other servers mint passports against.
	// It must match what clients actually dial.
	AdvertiseURL string `yaml:"advertise_url"`

	KeyFile      string `yaml:"key_file"`
	RegistryFile string `yaml:"registry_file"`
	PolicyFile   string `yaml:"policy_file"`
	DataDir      string `yaml:"data_dir"`

	World        WorldSpec         `yaml:"world"`
	Substrate    SubstrateSpec     `yaml:"substrate"`
	Destinations []DestinationSpec `yaml:"destinations,omitempty"`
}

type WorldSpec struct {
	ID         string `yaml:"id"`
	TickRateHz int    `yaml:"tick_rate_hz"`
	ViewRadius int    `yaml:"view_radius"`
	BoundaryR  int    `yaml:"boundary_r"`
	// Physics and AssetRequirements are opaque here; they ride the
	// manifest for clients that care.
	Physics           map[string]string `yaml:"physics,omitempty"`
	AssetRequirements []string          `yaml:"asset_requirements,omitempty"`
}

type SubstrateSpec struct {
	// File holds the canonical substrate bytes; its hash goes into the
	// manifest.
	File string `yaml:"file"`
	// URL is the origin clients fetch from, advertised in the manifest.
	URL string `yaml:"url"`
}

type DestinationSpec struct {
	WorldID string `yaml:"world_id"`
	Address string `yaml:"address"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ServerID:   "local",
		ListenAddr: ":8080",
		KeyFile:    "data/server.key",
		DataDir:    "data",
		World: WorldSpec{
			TickRateHz: 10,
			BoundaryR:  1000,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.ServerID = strings.TrimSpace(c.ServerID)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.World.TickRateHz <= 0 {
		c.World.TickRateHz = 10
	}
	if c.World.ID == "" {
		c.World.ID = c.ServerID
	}
	if c.AdvertiseURL == "" {
		c.AdvertiseURL = "ws://localhost" + c.ListenAddr + "/ws"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

func (c Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("server_id is required")
	}
	if c.World.ID == "" {
		return fmt.Errorf("world.id is required")
	}
	if c.World.BoundaryR < 0 || c.World.ViewRadius < 0 {
		return fmt.Errorf("world bounds must be non-negative")
	}
	seen := map[string]struct{}{}
	for _, d := range c.Destinations {
		if d.WorldID == "" || d.Address == "" {
			return fmt.Errorf("destination needs world_id and address")
		}
		if _, dup := seen[d.WorldID]; dup {
			return fmt.Errorf("duplicate destination %s", d.WorldID)
		}
		seen[d.WorldID] = struct{}{}
	}
	return nil
}
