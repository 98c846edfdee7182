package client

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"interconnect.world/internal/identity"
	"interconnect.world/internal/policy"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/session"
	"interconnect.world/internal/sim/world"
	"interconnect.world/internal/substrate"
	"interconnect.world/internal/transfer"
	"interconnect.world/internal/transport/ws"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[hash]
	return b, ok
}

func (c *memCache) Put(hash string, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[hash] = b
	return nil
}

type fakeFetcher struct{ blobs map[string][]byte }

func (f *fakeFetcher) Fetch(ctx context.Context, hash string) ([]byte, error) {
	return f.blobs[hash], nil
}

type testWorld struct {
	url  string
	blob []byte
	hash string
	// refuse makes further dials to this server fail.
	refuse func()
}

func startServer(t *testing.T, worldID string, reg *identity.StaticRegistry, destinations func(self string) map[string]transfer.Destination) *testWorld {
	t.Helper()
	key, err := identity.NewServerKey(worldID)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	reg.Add(worldID, key.Public)

	w, err := world.New(world.Config{ID: worldID, TickRateHz: 50, BoundaryR: 100})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	blob := []byte("terrain for " + worldID)
	coord := &transfer.Coordinator{
		Key:      key,
		Registry: reg,
		WorldID:  worldID,
		Policy:   policy.Defaults(),
	}
	manifest := protocol.ManifestBody{
		WorldID:       worldID,
		ServerID:      worldID,
		SubstrateHash: substrate.Hash(blob),
		TickRateHz:    50,
	}
	srv, err := ws.NewServer(w, coord, key, manifest, log.New(io.Discard, "", 0), nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-done
	})
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	coord.Address = url
	if destinations != nil {
		coord.Destinations = destinations(url)
	}
	return &testWorld{
		url:    url,
		blob:   blob,
		hash:   substrate.Hash(blob),
		refuse: func() { _ = hs.Listener.Close() },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_HandshakeToLive(t *testing.T) {
	reg := identity.NewStaticRegistry()
	tw := startServer(t, "alpha", reg, nil)

	cache := newMemCache()
	c, err := New(Config{
		URL:        tw.url,
		PlayerName: "ada",
		Registry:   reg,
		Cache:      cache,
		Fetcher:    &fakeFetcher{blobs: map[string][]byte{tw.hash: tw.blob}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, "live", func() bool { return c.State() == session.StateLive })
	if c.Availability() != session.AvailLive {
		t.Fatalf("availability = %v", c.Availability())
	}
	if c.Manifest().WorldID != "alpha" {
		t.Fatalf("manifest = %+v", c.Manifest())
	}
	waitFor(t, "replica", func() bool { return c.EntityCount() >= 1 })

	// The verified substrate went through the cache.
	if _, ok := cache.Get(tw.hash); !ok {
		t.Fatalf("substrate not cached")
	}

	if err := c.SendIntent(protocol.Intent{Kind: protocol.IntentChat, Text: "hello"}); err != nil {
		t.Fatalf("send intent: %v", err)
	}
}

func TestClient_UnverifiedManifestNeverLoads(t *testing.T) {
	serverReg := identity.NewStaticRegistry()
	tw := startServer(t, "alpha", serverReg, nil)

	// The client's registry does not know this server.
	c, err := New(Config{
		URL:        tw.url,
		PlayerName: "ada",
		Registry:   identity.NewStaticRegistry(),
		Fetcher:    &fakeFetcher{blobs: map[string][]byte{tw.hash: tw.blob}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	if c.State() == session.StateLive {
		t.Fatalf("went live on an unverified manifest")
	}
}

func TestClient_SubstrateMismatchAborts(t *testing.T) {
	reg := identity.NewStaticRegistry()
	tw := startServer(t, "alpha", reg, nil)

	// Fetcher serves bytes that do not re-hash to the manifest's
	// content address.
	c, err := New(Config{
		URL:        tw.url,
		PlayerName: "ada",
		Registry:   reg,
		Fetcher:    &fakeFetcher{blobs: map[string][]byte{tw.hash: []byte("tampered")}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	if c.State() == session.StateLive {
		t.Fatalf("went live on tampered substrate")
	}
}

func TestClient_GhostSurvivesFailedReconnect(t *testing.T) {
	reg := identity.NewStaticRegistry()
	tw := startServer(t, "alpha", reg, nil)

	c, err := New(Config{
		URL:        tw.url,
		PlayerName: "ada",
		Registry:   reg,
		Cache:      newMemCache(),
		Fetcher:    &fakeFetcher{blobs: map[string][]byte{tw.hash: tw.blob}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.Run(ctx)
	}()

	waitFor(t, "live", func() bool { return c.State() == session.StateLive })

	// Sever the authority: no new dials succeed, then the live socket
	// drops.
	tw.refuse()
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	_ = conn.Close()

	waitFor(t, "ghost", func() bool { return c.State() == session.StateGhost })

	// The Cached signal holds across reconnect attempts that cannot
	// reach the server; the session never reads as Live while down.
	deadline := time.Now().Add(reconnectWait + 500*time.Millisecond)
	for time.Now().Before(deadline) {
		if got := c.Availability(); got != session.AvailCached {
			t.Fatalf("availability = %v while the authority is down", got)
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	<-runDone
}

func TestClient_FollowsTransfer(t *testing.T) {
	reg := identity.NewStaticRegistry()
	beta := startServer(t, "beta", reg, nil)
	alpha := startServer(t, "alpha", reg, func(self string) map[string]transfer.Destination {
		return map[string]transfer.Destination{
			"beta": {WorldID: "beta", Address: beta.url},
		}
	})

	c, err := New(Config{
		URL:        alpha.url,
		PlayerName: "ada",
		Registry:   reg,
		Cache:      newMemCache(),
		Fetcher: &fakeFetcher{blobs: map[string][]byte{
			alpha.hash: alpha.blob,
			beta.hash:  beta.blob,
		}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, "live on alpha", func() bool {
		return c.State() == session.StateLive && c.Manifest().WorldID == "alpha"
	})
	if err := c.RequestTransfer("beta"); err != nil {
		t.Fatalf("request transfer: %v", err)
	}
	waitFor(t, "live on beta", func() bool {
		return c.State() == session.StateLive && c.Manifest().WorldID == "beta"
	})
}
