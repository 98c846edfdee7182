// Package registrydb persists the registry of trusted server public
// keys in sqlite, so a server restarted without its registry file keeps
// the trust anchors it has already been configured with.
package registrydb

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"interconnect.world/internal/identity"
)

// Store implements identity.Verifier over a registry table.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Put records (or replaces) the key for a server id.
func (s *Store) Put(serverID string, pub ed25519.PublicKey) error {
	if serverID == "" {
		return fmt.Errorf("empty server id")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("server %s: bad public key length %d", serverID, len(pub))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO servers (id, public_key) VALUES (?, ?)`,
		serverID, identity.EncodePublicKey(pub),
	)
	return err
}

// PublicKey satisfies identity.Verifier. An undecodable stored key is
// treated as absent.
func (s *Store) PublicKey(serverID string) (ed25519.PublicKey, bool) {
	s.mu.Lock()
	var enc string
	err := s.db.QueryRow(`SELECT public_key FROM servers WHERE id = ?`, serverID).Scan(&enc)
	s.mu.Unlock()
	if err != nil {
		return nil, false
	}
	pub, err := identity.DecodePublicKey(enc)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// All returns every stored trust anchor.
func (s *Store) All() (map[string]ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, public_key FROM servers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]ed25519.PublicKey{}
	for rows.Next() {
		var id, enc string
		if err := rows.Scan(&id, &enc); err != nil {
			return nil, err
		}
		pub, err := identity.DecodePublicKey(enc)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", id, err)
		}
		out[id] = pub
	}
	return out, rows.Err()
}
