package world

import (
	"context"
	"time"

	"interconnect.world/internal/passport"
	"interconnect.world/internal/protocol"
	syncpkg "interconnect.world/internal/sim/sync"
)

type JoinRequest struct {
	Profile PlayerProfile
	Out     chan []byte
	Resp    chan JoinResponse
}

type JoinResponse struct {
	PlayerID string
	EntityID string
}

type IntentEnvelope struct {
	PlayerID string
	Intent   protocol.Intent
}

type AckEnvelope struct {
	PlayerID string
	Tick     uint64
}

type transferOutReq struct {
	PlayerID string
	Resp     chan transferOutResp
}

type transferOutResp struct {
	Profile PlayerProfile
	Err     string
}

// AttachRequest reattaches a delivery channel to a player that stayed
// in the world across a disconnect. The sync baseline is discarded, so
// the first snapshot after attach is full.
type AttachRequest struct {
	PlayerID string
	Out      chan []byte
	Resp     chan JoinResponse
}

type previewReq struct {
	PlayerID string
	Resp     chan previewResp
}

type previewResp struct {
	Profile PlayerProfile
	Err     string
}

type stateReq struct {
	Resp chan stateResp
}

type stateResp struct {
	Tick     uint64
	Entities []protocol.EntityState
}

func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Leave() chan<- string         { return w.leave }
func (w *World) Detach() chan<- string        { return w.detach }
func (w *World) Inbox() chan<- IntentEnvelope { return w.inbox }
func (w *World) Acks() chan<- AckEnvelope     { return w.ack }

func (w *World) Stop() { close(w.stop) }

// Run is the world loop: the single serialization point for this
// authority. Joins, leaves, intents, and transfers queue between ticks
// and apply atomically at the tick boundary, in arrival order, before
// the tick's snapshots are computed.
func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingIntents []IntentEnvelope
	var pendingTransferOut []transferOutReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-w.inbox:
			pendingIntents = append(pendingIntents, env)
		case env := <-w.ack:
			w.handleAck(env)
		case req := <-w.transferOut:
			pendingTransferOut = append(pendingTransferOut, req)
		case req := <-w.previewReq:
			w.handlePreview(req)
		case id := <-w.detach:
			delete(w.clients, id)
		case req := <-w.attach:
			w.handleAttach(req)
		case req := <-w.stateReq:
			w.handleStateReq(req)
		case <-ticker.C:
			w.step(pendingJoins, pendingLeaves, pendingIntents, pendingTransferOut)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingIntents = pendingIntents[:0]
			pendingTransferOut = pendingTransferOut[:0]
		}
	}
}

// StepOnce advances the world by a single tick with the same ordering
// semantics as Run. Intended for deterministic tests.
func (w *World) StepOnce(joins []JoinRequest, leaves []string, intents []IntentEnvelope) uint64 {
	tick := w.tick.Load()
	w.step(joins, leaves, intents, nil)
	return tick
}

func (w *World) handleAck(env AckEnvelope) {
	c := w.clients[env.PlayerID]
	if c == nil {
		return
	}
	c.Tracker.Ack(env.Tick)
}

func (w *World) handlePreview(req previewReq) {
	var resp previewResp
	p := w.players[req.PlayerID]
	if p == nil {
		resp.Err = "player " + req.PlayerID + " not in world"
	} else {
		resp.Profile = p.Profile
		resp.Profile.Inventory = append([]passport.Item(nil), p.Profile.Inventory...)
		resp.Profile.Abilities = append([]string(nil), p.Profile.Abilities...)
	}
	if req.Resp == nil {
		return
	}
	select {
	case req.Resp <- resp:
	default:
	}
}

func (w *World) handleAttach(req AttachRequest) {
	var resp JoinResponse
	if p := w.players[req.PlayerID]; p != nil && req.Out != nil {
		w.clients[req.PlayerID] = &clientState{Out: req.Out, Tracker: syncpkg.NewTracker()}
		resp = JoinResponse{PlayerID: p.ID, EntityID: p.EntityID}
	}
	if req.Resp == nil {
		return
	}
	select {
	case req.Resp <- resp:
	default:
	}
}

func (w *World) handleStateReq(req stateReq) {
	resp := stateResp{Tick: w.tick.Load()}
	for _, e := range w.entities {
		resp.Entities = append(resp.Entities, fullEntityState(e))
	}
	if req.Resp == nil {
		return
	}
	select {
	case req.Resp <- resp:
	default:
	}
}

func fullEntityState(e *Entity) protocol.EntityState {
	comps := make(map[string]interface{}, len(e.comps))
	for name, c := range e.comps {
		comps[name] = c.Value
	}
	return protocol.EntityState{ID: e.ID, Kind: e.Kind, Components: comps}
}
