// Package substratedb is a content-addressed store for verified
// substrate blobs, backed by sqlite with zstd-compressed payloads. It
// serves as the client's local cache and the server's published copy.
package substratedb

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"interconnect.world/internal/substrate"
)

type Store struct {
	mu sync.Mutex
	db *sql.DB

	enc *zstd.Encoder
	dec *zstd.Decoder
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
	schema := `CREATE TABLE IF NOT EXISTS substrates (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		blob BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Put stores substrate bytes. The content address is recomputed here so
// a corrupt caller can never poison the store.
func (s *Store) Put(hash string, data []byte) error {
	if got := substrate.Hash(data); got != hash {
		return &substrate.ErrHashMismatch{Want: hash, Got: got}
	}
	compressed := s.enc.EncodeAll(data, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO substrates (hash, size, blob) VALUES (?, ?, ?)`,
		hash, len(data), compressed,
	)
	return err
}

// Get returns the decompressed bytes for hash, re-verifying the content
// address on the way out. A blob that fails verification is treated as
// absent rather than returned.
func (s *Store) Get(hash string) ([]byte, bool) {
	s.mu.Lock()
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM substrates WHERE hash = ?`, hash).Scan(&blob)
	s.mu.Unlock()
	if err != nil {
		return nil, false
	}
	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, false
	}
	if substrate.Hash(data) != hash {
		return nil, false
	}
	return data, true
}

// Has reports whether a verified blob for hash is present without
// decompressing it.
func (s *Store) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM substrates WHERE hash = ?`, hash).Scan(&one)
	return err == nil
}

// ImportFile loads raw substrate bytes from disk into the store and
// returns their content address. Used at server startup to publish the
// world's static data.
func (s *Store) ImportFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return "", err
	}
	data := buf.Bytes()
	hash := substrate.Hash(data)
	if err := s.Put(hash, data); err != nil {
		return "", err
	}
	return hash, nil
}
