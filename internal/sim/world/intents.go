package world

import (
	"interconnect.world/internal/protocol"
)

// applyIntent applies one accepted intent. Intents are requests, never
// facts: anything out of bounds or nonsensical is dropped here with an
// INTENT_REJECTED event instead of mutating state.
func (w *World) applyIntent(p *Player, in protocol.Intent, nowTick uint64) {
	self := w.entities[p.EntityID]
	if self == nil {
		return
	}
	switch in.Kind {
	case protocol.IntentMove:
		// One step per intent; teleportation has its own kind.
		if chebyshev(self.X, self.Y, in.X, in.Y) > 1 || !w.inBounds(in.X, in.Y) {
			w.rejectIntent(p, in, nowTick, "move out of range")
			return
		}
		w.moveEntity(self, in.X, in.Y, nowTick)

	case protocol.IntentTeleport:
		if !w.inBounds(in.X, in.Y) {
			w.rejectIntent(p, in, nowTick, "teleport out of bounds")
			return
		}
		w.moveEntity(self, in.X, in.Y, nowTick)

	case protocol.IntentChat:
		if in.Text == "" {
			return
		}
		w.addEvent(nowTick, "CHAT", map[string]interface{}{
			"from": p.ID,
			"name": p.Profile.Name,
			"text": in.Text,
		})

	case protocol.IntentInteract:
		target := w.entities[in.TargetID]
		if target == nil {
			w.rejectIntent(p, in, nowTick, "no such target")
			return
		}
		w.addEvent(nowTick, "INTERACT", map[string]interface{}{
			"actor":  p.ID,
			"target": target.ID,
		})

	case protocol.IntentUseItem:
		if !w.consumeItem(p, in.ItemID, nowTick) {
			w.rejectIntent(p, in, nowTick, "item not held")
			return
		}
		w.addEvent(nowTick, "ITEM_USED", map[string]interface{}{
			"actor": p.ID,
			"item":  in.ItemID,
		})

	case protocol.IntentPlaceObject:
		if in.ObjectKind == "" || !w.inBounds(in.X, in.Y) {
			w.rejectIntent(p, in, nowTick, "bad placement")
			return
		}
		e := &Entity{ID: w.newEntityID(), Kind: in.ObjectKind, X: in.X, Y: in.Y}
		e.setComp("pos", []int{in.X, in.Y}, nowTick)
		e.setComp("placed_by", p.ID, nowTick)
		for name, v := range in.Components {
			e.setComp(name, v, nowTick)
		}
		w.entities[e.ID] = e

	case protocol.IntentModifyObject:
		target := w.entities[in.TargetID]
		if target == nil || target.Kind == "player" {
			w.rejectIntent(p, in, nowTick, "no such object")
			return
		}
		for name, v := range in.Components {
			target.setComp(name, v, nowTick)
		}

	default:
		w.rejectIntent(p, in, nowTick, "unknown intent")
	}
}

func (w *World) rejectIntent(p *Player, in protocol.Intent, nowTick uint64, reason string) {
	w.addEvent(nowTick, "INTENT_REJECTED", map[string]interface{}{
		"player": p.ID,
		"kind":   in.Kind,
		"reason": reason,
	})
}

func (w *World) moveEntity(e *Entity, x, y int, nowTick uint64) {
	e.X, e.Y = x, y
	e.setComp("pos", []int{x, y}, nowTick)
}

// consumeItem decrements one unit of the named item from the player's
// inventory, keeping the inventory component in step.
func (w *World) consumeItem(p *Player, itemID string, nowTick uint64) bool {
	for i := range p.Profile.Inventory {
		it := &p.Profile.Inventory[i]
		if it.ID != itemID || it.Quantity <= 0 {
			continue
		}
		it.Quantity--
		if it.Quantity == 0 {
			p.Profile.Inventory = append(p.Profile.Inventory[:i], p.Profile.Inventory[i+1:]...)
		}
		if self := w.entities[p.EntityID]; self != nil {
			self.setComp("inventory", inventoryComp(p.Profile), nowTick)
		}
		return true
	}
	return false
}
