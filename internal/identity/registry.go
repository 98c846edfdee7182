package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticRegistry is a Verifier backed by a YAML file of known servers.
type StaticRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

type registryFile struct {
	Servers []registryEntry `yaml:"servers"`
}

type registryEntry struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"` // base64
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{keys: map[string]ed25519.PublicKey{}}
}

// LoadRegistry reads a registry.yaml. Duplicate IDs are an error: a
// registry that maps one identity to two keys cannot anchor trust.
func LoadRegistry(path string) (*StaticRegistry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("registry.yaml: %w", err)
	}
	r := NewStaticRegistry()
	for _, e := range f.Servers {
		if e.ID == "" {
			return nil, fmt.Errorf("registry.yaml: entry with empty id")
		}
		if _, dup := r.keys[e.ID]; dup {
			return nil, fmt.Errorf("registry.yaml: duplicate server id %q", e.ID)
		}
		pub, err := DecodePublicKey(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("registry.yaml: server %s: %w", e.ID, err)
		}
		r.keys[e.ID] = pub
	}
	return r, nil
}

func (r *StaticRegistry) PublicKey(serverID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[serverID]
	return pub, ok
}

// Add registers a key at runtime (tests, self-registration).
func (r *StaticRegistry) Add(serverID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[serverID] = pub
}

// All returns a copy of every known trust anchor.
func (r *StaticRegistry) All() map[string]ed25519.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ed25519.PublicKey, len(r.keys))
	for id, pub := range r.keys {
		out[id] = pub
	}
	return out
}
