// Package identity holds the cross-server trust primitives: each
// world-owning server has an ed25519 keypair, and a registry maps
// server IDs to public keys. Servers never share mutable state; the
// registry is the only trust anchor between them.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// ServerKey is a server's signing identity. The private key never
// leaves the owning process.
type ServerKey struct {
	ID      string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func NewServerKey(id string) (*ServerKey, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("empty server id")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &ServerKey{ID: id, Public: pub, private: priv}, nil
}

// Sign produces a detached signature over msg.
func (k *ServerKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// LoadOrCreateKey reads a base64 seed from path, generating and
// persisting a fresh one when the file does not exist.
func LoadOrCreateKey(id, path string) (*ServerKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: bad seed length %d", path, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &ServerKey{ID: id, Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	k, err := NewServerKey(id)
	if err != nil {
		return nil, err
	}
	enc := base64.StdEncoding.EncodeToString(k.private.Seed())
	if err := os.WriteFile(path, []byte(enc+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return k, nil
}

// Verifier resolves a server ID to its known public key. Pluggable so
// the registry source (static config, database, DNS) is swappable.
type Verifier interface {
	PublicKey(serverID string) (ed25519.PublicKey, bool)
}

// Verify checks a detached signature for the named server against the
// registry. An unknown server never verifies.
func Verify(v Verifier, serverID string, msg, sig []byte) bool {
	pub, ok := v.PublicKey(serverID)
	if !ok {
		return false
	}
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncodePublicKey renders a public key the way registry files store it.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad public key length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
