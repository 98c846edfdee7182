package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"interconnect.world/internal/config"
	"interconnect.world/internal/identity"
	persistlog "interconnect.world/internal/persistence/log"
	"interconnect.world/internal/persistence/registrydb"
	"interconnect.world/internal/persistence/substratedb"
	"interconnect.world/internal/policy"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/sim/world"
	"interconnect.world/internal/substrate"
	"interconnect.world/internal/transfer"
	"interconnect.world/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "server config path")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	_ = os.MkdirAll(filepath.Dir(cfg.KeyFile), 0o755)
	key, err := identity.LoadOrCreateKey(cfg.ServerID, cfg.KeyFile)
	if err != nil {
		logger.Fatalf("server key: %v", err)
	}
	logger.Printf("server=%s public_key=%s", cfg.ServerID, identity.EncodePublicKey(key.Public))

	regDB, err := registrydb.Open(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		logger.Fatalf("open registry store: %v", err)
	}
	defer regDB.Close()

	registry := identity.NewStaticRegistry()
	if strings.TrimSpace(cfg.RegistryFile) != "" {
		registry, err = identity.LoadRegistry(cfg.RegistryFile)
		if err != nil {
			logger.Fatalf("load registry: %v", err)
		}
	} else {
		// Without a registry file, fall back to the anchors persisted
		// from previous runs.
		stored, err := regDB.All()
		if err != nil {
			logger.Fatalf("read registry store: %v", err)
		}
		for id, pub := range stored {
			registry.Add(id, pub)
		}
	}
	// A server always trusts its own manifest.
	registry.Add(cfg.ServerID, key.Public)
	for id, pub := range registry.All() {
		if err := regDB.Put(id, pub); err != nil {
			logger.Fatalf("persist registry: %v", err)
		}
	}

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		logger.Fatalf("load policy: %v", err)
	}

	store, err := substratedb.Open(filepath.Join(cfg.DataDir, "substrate.db"))
	if err != nil {
		logger.Fatalf("open substrate store: %v", err)
	}
	defer store.Close()

	substrateHash, err := loadSubstrate(cfg, store, logger)
	if err != nil {
		logger.Fatalf("substrate: %v", err)
	}

	w, err := world.New(world.Config{
		ID:         cfg.World.ID,
		TickRateHz: cfg.World.TickRateHz,
		ViewRadius: cfg.World.ViewRadius,
		BoundaryR:  cfg.World.BoundaryR,
	})
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	destinations := map[string]transfer.Destination{}
	for _, d := range cfg.Destinations {
		destinations[d.WorldID] = transfer.Destination{WorldID: d.WorldID, Address: d.Address}
	}

	transferLog := persistlog.NewTransferLogger(cfg.DataDir)
	defer transferLog.Close()
	sessionLog := persistlog.NewSessionLogger(cfg.DataDir)
	defer sessionLog.Close()

	coord := &transfer.Coordinator{
		Key:          key,
		Registry:     registry,
		WorldID:      cfg.World.ID,
		Address:      cfg.AdvertiseURL,
		Destinations: destinations,
		Policy:       pol,
		Audit:        transferLog,
	}

	substrateURL := cfg.Substrate.URL
	if substrateURL == "" {
		substrateURL = deriveSubstrateURL(cfg.AdvertiseURL)
	}
	manifest := protocol.ManifestBody{
		WorldID:           cfg.World.ID,
		ServerID:          cfg.ServerID,
		SubstrateHash:     substrateHash,
		SubstrateURL:      substrateURL,
		AllowedItems:      pol.AllowedItems.List(),
		PhysicsConfig:     cfg.World.Physics,
		AssetRequirements: cfg.World.AssetRequirements,
		TickRateHz:        cfg.World.TickRateHz,
	}

	srv, err := ws.NewServer(w, coord, key, manifest, logger, sessionLog)
	if err != nil {
		logger.Fatalf("transport: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/substrate/", func(rw http.ResponseWriter, r *http.Request) {
		hash := strings.TrimPrefix(r.URL.Path, "/substrate/")
		b, ok := store.Get(hash)
		if !ok {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Content-Type", "application/octet-stream")
		_, _ = rw.Write(b)
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		reqCtx, reqCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer reqCancel()
		entities, tick, err := w.RequestState(reqCtx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(rw, "# HELP interconnect_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE interconnect_world_tick gauge\n")
		fmt.Fprintf(rw, "interconnect_world_tick{world=%q} %d\n", cfg.World.ID, tick)
		fmt.Fprintf(rw, "# HELP interconnect_world_entities Current entity count.\n")
		fmt.Fprintf(rw, "# TYPE interconnect_world_entities gauge\n")
		fmt.Fprintf(rw, "interconnect_world_entities{world=%q} %d\n", cfg.World.ID, len(entities))
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	logger.Printf("world=%s listening on %s (substrate=%s)", cfg.World.ID, cfg.ListenAddr, substrateHash[:12])
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

// loadSubstrate makes sure the configured substrate file is in the
// content-addressed store and returns its hash. Without a configured
// file an empty substrate is published.
func loadSubstrate(cfg config.Config, store *substratedb.Store, logger *log.Logger) (string, error) {
	if strings.TrimSpace(cfg.Substrate.File) != "" {
		hash, err := store.ImportFile(cfg.Substrate.File)
		if err != nil {
			return "", err
		}
		logger.Printf("substrate imported from %s hash=%s", cfg.Substrate.File, hash[:12])
		return hash, nil
	}
	empty := []byte{}
	hash := substrate.Hash(empty)
	if !store.Has(hash) {
		if err := store.Put(hash, empty); err != nil {
			return "", err
		}
	}
	return hash, nil
}

// deriveSubstrateURL maps the advertised ws URL to the http substrate
// endpoint on the same host.
func deriveSubstrateURL(wsURL string) string {
	u := wsURL
	u = strings.Replace(u, "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	u = strings.TrimSuffix(u, "/ws")
	return u + "/substrate"
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
