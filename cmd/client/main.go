package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"interconnect.world/internal/client"
	"interconnect.world/internal/identity"
	"interconnect.world/internal/persistence/substratedb"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/session"
)

func main() {
	var (
		url          = flag.String("url", "ws://localhost:8080/ws", "server ws url")
		name         = flag.String("name", "traveler", "player name")
		registryPath = flag.String("registry", "./configs/registry.yaml", "registry of trusted server keys")
		dataDir      = flag.String("data", "./data/client", "local data directory (substrate cache)")
		passport     = flag.String("passport", "", "passport token from a transfer (optional)")
		wanderTo     = flag.String("wander", "", "comma-separated world ids to request transfers to, in order")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	registry, err := identity.LoadRegistry(*registryPath)
	if err != nil {
		logger.Fatalf("load registry: %v", err)
	}

	_ = os.MkdirAll(*dataDir, 0o755)
	cache, err := substratedb.Open(filepath.Join(*dataDir, "substrate.db"))
	if err != nil {
		logger.Fatalf("open substrate cache: %v", err)
	}
	defer cache.Close()

	c, err := client.New(client.Config{
		URL:           *url,
		PlayerName:    *name,
		PassportToken: strings.TrimSpace(*passport),
		Registry:      registry,
		Cache:         cache,
		Logger:        logger,
		OnNotices: func(notices []string) {
			for _, n := range notices {
				logger.Printf("NOTICE %s", n)
			}
		},
	})
	if err != nil {
		logger.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	go wander(ctx, c, *name, strings.Split(*wanderTo, ","), logger)

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("run: %v", err)
	}
}

// wander moves randomly while live, chats once per world, and walks the
// requested transfer itinerary.
func wander(ctx context.Context, c *client.Client, name string, itinerary []string, logger *log.Logger) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	greeted := map[string]bool{}
	next := 0
	lastTransfer := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != session.StateLive {
			continue
		}
		worldID := c.Manifest().WorldID
		if !greeted[worldID] {
			greeted[worldID] = true
			_ = c.SendIntent(protocol.Intent{
				Kind: protocol.IntentChat,
				Text: fmt.Sprintf("hello %s, tick=%d", worldID, c.WorldTick()),
			})
		}

		if x, y, ok := selfPos(c, name); ok {
			_ = c.SendIntent(protocol.Intent{
				Kind: protocol.IntentMove,
				X:    x + r.Intn(3) - 1,
				Y:    y + r.Intn(3) - 1,
			})
		}

		// Linger a while in each world before moving on.
		if next < len(itinerary) && time.Since(lastTransfer) > 20*time.Second {
			dest := strings.TrimSpace(itinerary[next])
			if dest == "" || dest == worldID {
				next++
				continue
			}
			logger.Printf("requesting transfer to %s", dest)
			if err := c.RequestTransfer(dest); err == nil {
				next++
				lastTransfer = time.Now()
			}
		}
	}
}

// selfPos locates our own entity in the replica by the name component.
func selfPos(c *client.Client, name string) (int, int, bool) {
	for _, e := range c.Entities() {
		if e.Kind != "player" || e.Components["name"] != name {
			continue
		}
		pos, ok := e.Components["pos"].([]interface{})
		if !ok || len(pos) != 2 {
			return 0, 0, false
		}
		x, xok := pos[0].(float64)
		y, yok := pos[1].(float64)
		if !xok || !yok {
			return 0, 0, false
		}
		return int(x), int(y), true
	}
	return 0, 0, false
}
