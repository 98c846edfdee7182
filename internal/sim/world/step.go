package world

import (
	"encoding/json"

	syncpkg "interconnect.world/internal/sim/sync"
)

func (w *World) step(joins []JoinRequest, leaves []string, intents []IntentEnvelope, transferOuts []transferOutReq) {
	nowTick := w.tick.Load()

	// Leaves and joins apply deterministically at the tick boundary.
	for _, id := range leaves {
		w.handleLeave(id)
	}
	for _, req := range joins {
		resp := w.joinPlayer(req.Profile, req.Out, nowTick)
		if req.Resp != nil {
			req.Resp <- resp
		}
	}

	// Departures are atomic at the boundary: the player either left
	// with a complete profile or is still fully here.
	for _, req := range transferOuts {
		w.handleTransferOut(req)
	}

	// All intents accepted for this tick apply, in arrival order,
	// before the tick's snapshot is computed.
	for _, env := range intents {
		p := w.players[env.PlayerID]
		if p == nil {
			continue
		}
		w.applyIntent(p, env.Intent, nowTick)
	}

	w.broadcastSnapshots(nowTick)
	w.events = w.events[:0]
	w.tick.Store(nowTick + 1)
}

func (w *World) handleLeave(playerID string) {
	p := w.players[playerID]
	if p == nil {
		delete(w.clients, playerID)
		return
	}
	delete(w.entities, p.EntityID)
	delete(w.players, playerID)
	delete(w.clients, playerID)
}

func (w *World) joinPlayer(profile PlayerProfile, out chan []byte, nowTick uint64) JoinResponse {
	playerID := w.newPlayerID()
	e := &Entity{ID: w.newEntityID(), Kind: "player"}
	e.setComp("pos", []int{0, 0}, nowTick)
	e.setComp("name", profile.Name, nowTick)
	e.setComp("hp", profile.Health, nowTick)
	e.setComp("level", profile.Level, nowTick)
	e.setComp("currency", profile.Currency, nowTick)
	e.setComp("inventory", inventoryComp(profile), nowTick)
	if profile.Appearance != "" {
		e.setComp("appearance", profile.Appearance, nowTick)
	}
	if len(profile.Abilities) > 0 {
		e.setComp("abilities", profile.Abilities, nowTick)
	}
	w.entities[e.ID] = e
	w.players[playerID] = &Player{ID: playerID, EntityID: e.ID, Profile: profile}
	if out != nil {
		w.clients[playerID] = &clientState{Out: out, Tracker: syncpkg.NewTracker()}
	}
	return JoinResponse{PlayerID: playerID, EntityID: e.ID}
}

func (w *World) handleTransferOut(req transferOutReq) {
	resp := transferOutResp{}
	defer func() {
		if req.Resp == nil {
			return
		}
		select {
		case req.Resp <- resp:
		default:
		}
	}()

	p := w.players[req.PlayerID]
	if p == nil {
		resp.Err = "player not found"
		return
	}
	resp.Profile = p.Profile

	delete(w.entities, p.EntityID)
	delete(w.players, p.ID)
	delete(w.clients, p.ID)
}

func (w *World) broadcastSnapshots(nowTick uint64) {
	for playerID, c := range w.clients {
		p := w.players[playerID]
		if p == nil {
			continue
		}
		visible := w.visibleTo(p)
		msg := c.Tracker.Delta(nowTick, visible, w.events)
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		sendLatest(c.Out, b)
	}
}

func (w *World) visibleTo(p *Player) map[string]*syncpkg.Entity {
	self := w.entities[p.EntityID]
	out := make(map[string]*syncpkg.Entity, len(w.entities))
	for id, e := range w.entities {
		if w.cfg.ViewRadius > 0 && self != nil {
			if chebyshev(self.X, self.Y, e.X, e.Y) > w.cfg.ViewRadius {
				continue
			}
		}
		out[id] = e.syncView()
	}
	return out
}

// sendLatest drops the oldest queued frame when a client cannot keep
// up, rather than blocking the tick loop.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func inventoryComp(profile PlayerProfile) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(profile.Inventory))
	for _, it := range profile.Inventory {
		out = append(out, map[string]interface{}{
			"id":       it.ID,
			"name":     it.Name,
			"quantity": it.Quantity,
		})
	}
	return out
}
