// Package substrate handles immutable static world data. Substrate is
// content-addressed: two worlds with the same hash have byte-identical
// static content, and any fetched bytes must re-hash to the published
// hash before they are used or cached.
package substrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash of canonical substrate bytes, lowercase sha256 hex.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ErrHashMismatch is a trust error: the fetched bytes do not match the
// published content address. Fatal to the load, never silently accepted.
type ErrHashMismatch struct {
	Want string
	Got  string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("substrate hash mismatch: want %s got %s", e.Want, e.Got)
}

// Fetcher retrieves raw substrate bytes for a hash. Implementations may
// hit a local cache, an origin server, or a peer mesh; callers must not
// assume the result is trustworthy until it is re-hashed.
type Fetcher interface {
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// Cache stores verified substrate bytes keyed by hash.
type Cache interface {
	Get(hash string) ([]byte, bool)
	Put(hash string, data []byte) error
}

// Resolve returns verified substrate bytes for hash: cache hit first,
// otherwise fetch, re-hash, and cache. Bad bytes are rejected before
// any caching occurs.
func Resolve(ctx context.Context, hash string, cache Cache, f Fetcher) ([]byte, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return nil, fmt.Errorf("empty substrate hash")
	}
	if cache != nil {
		if b, ok := cache.Get(hash); ok {
			return b, nil
		}
	}
	if f == nil {
		return nil, fmt.Errorf("substrate %s: no fetcher", hash)
	}
	b, err := f.Fetch(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch substrate %s: %w", hash, err)
	}
	if got := Hash(b); got != hash {
		return nil, &ErrHashMismatch{Want: hash, Got: got}
	}
	if cache != nil {
		if err := cache.Put(hash, b); err != nil {
			return nil, fmt.Errorf("cache substrate %s: %w", hash, err)
		}
	}
	return b, nil
}
