// Package world owns one world's authoritative simulation state. A
// single goroutine runs the tick loop; everything else talks to it
// through channel request/response pairs, so the loop is the only
// serialization point for state mutation within this authority.
package world

import (
	"fmt"
	"sync/atomic"

	"interconnect.world/internal/passport"
	"interconnect.world/internal/protocol"
	syncpkg "interconnect.world/internal/sim/sync"
)

type Config struct {
	ID         string
	TickRateHz int
	// ViewRadius limits per-connection visibility (Chebyshev distance,
	// 0 = everything visible).
	ViewRadius int
	// BoundaryR rejects moves and placements outside |x|,|y| <= R
	// (0 = unbounded).
	BoundaryR int
}

func (c *Config) normalize() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 10
	}
}

// PlayerProfile is the admitted state of a player: either a fresh
// spawn or the output of the import policy engine after a transfer.
type PlayerProfile struct {
	Name       string
	Appearance string
	Health     int
	Level      int
	Inventory  []passport.Item
	Abilities  []string
	Currency   int64
}

type Entity struct {
	ID   string
	Kind string
	X    int
	Y    int

	comps map[string]syncpkg.Component
}

func (e *Entity) setComp(name string, value interface{}, tick uint64) {
	if e.comps == nil {
		e.comps = map[string]syncpkg.Component{}
	}
	e.comps[name] = syncpkg.Component{Value: value, Tick: tick}
}

func (e *Entity) syncView() *syncpkg.Entity {
	return &syncpkg.Entity{ID: e.ID, Kind: e.Kind, Components: e.comps}
}

type Player struct {
	ID       string
	EntityID string
	Profile  PlayerProfile
}

type clientState struct {
	Out     chan []byte
	Tracker *syncpkg.Tracker
}

type World struct {
	cfg  Config
	tick atomic.Uint64

	nextEntityNum atomic.Uint64
	nextPlayerNum atomic.Uint64

	// Loop-owned state. Only the Run goroutine touches these.
	entities map[string]*Entity
	players  map[string]*Player
	clients  map[string]*clientState
	events   []protocol.WorldEvent

	join        chan JoinRequest
	leave       chan string
	inbox       chan IntentEnvelope
	ack         chan AckEnvelope
	transferOut chan transferOutReq
	previewReq  chan previewReq
	stateReq    chan stateReq
	detach      chan string
	attach      chan AttachRequest
	stop        chan struct{}
}

func New(cfg Config) (*World, error) {
	cfg.normalize()
	if cfg.ID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	w := &World{
		cfg:         cfg,
		entities:    map[string]*Entity{},
		players:     map[string]*Player{},
		clients:     map[string]*clientState{},
		join:        make(chan JoinRequest, 16),
		leave:       make(chan string, 16),
		inbox:       make(chan IntentEnvelope, 256),
		ack:         make(chan AckEnvelope, 256),
		transferOut: make(chan transferOutReq, 16),
		previewReq:  make(chan previewReq, 16),
		stateReq:    make(chan stateReq, 16),
		detach:      make(chan string, 16),
		attach:      make(chan AttachRequest, 16),
		stop:        make(chan struct{}),
	}
	// ACK(0) on the wire acknowledges the substrate phase, so no
	// snapshot may ever carry tick 0. Simulation starts at tick 1.
	w.tick.Store(1)
	return w, nil
}

func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.cfg.ID
}

func (w *World) TickRateHz() int { return w.cfg.TickRateHz }

// Tick is safe from any goroutine.
func (w *World) Tick() uint64 { return w.tick.Load() }

func (w *World) newEntityID() string {
	return fmt.Sprintf("E%06d", w.nextEntityNum.Add(1))
}

func (w *World) newPlayerID() string {
	return fmt.Sprintf("P%06d", w.nextPlayerNum.Add(1))
}

func (w *World) addEvent(tick uint64, kind string, data map[string]interface{}) {
	w.events = append(w.events, protocol.WorldEvent{Tick: tick, Kind: kind, Data: data})
}

// inBounds applies the world boundary to a position.
func (w *World) inBounds(x, y int) bool {
	if w.cfg.BoundaryR <= 0 {
		return true
	}
	return abs(x) <= w.cfg.BoundaryR && abs(y) <= w.cfg.BoundaryR
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// chebyshev distance drives visibility.
func chebyshev(ax, ay, bx, by int) int {
	dx := abs(ax - bx)
	dy := abs(ay - by)
	if dx > dy {
		return dx
	}
	return dy
}
