// Package sync computes per-connection snapshot deltas. Each tracker
// remembers what its client last acknowledged and diffs the current
// visible world against that baseline, so a delta is always cumulative
// across an arbitrary ack gap. A client that misses ticks catches up
// from one snapshot instead of a replayed queue.
package sync

import (
	"sort"

	"interconnect.world/internal/protocol"
)

// Entity is the synchronizer's read view of a world entity. Component
// values carry the tick they last changed at.
type Entity struct {
	ID         string
	Kind       string
	Components map[string]Component
}

type Component struct {
	Value interface{}
	Tick  uint64
}

// view records, per entity and component, the change tick the client
// has seen.
type view map[string]map[string]uint64

// maxPendingViews bounds the per-tick sent-view history. A client that
// never acknowledges falls behind; its oldest unacknowledged views are
// superseded rather than queued forever.
const maxPendingViews = 64

type Tracker struct {
	ackedTick uint64
	acked     view // nil until the first ack

	sentTicks []uint64
	sent      map[uint64]view
}

func NewTracker() *Tracker {
	return &Tracker{sent: map[uint64]view{}}
}

func (t *Tracker) AckedTick() uint64 { return t.ackedTick }

// Delta computes the snapshot for tick against the last acknowledged
// baseline. Events are the one-shot occurrences of this tick only; they
// are never retried. The first delta (nothing acknowledged yet) is a
// full snapshot.
func (t *Tracker) Delta(tick uint64, visible map[string]*Entity, events []protocol.WorldEvent) protocol.SnapshotMsg {
	msg := protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		Events:          events,
	}
	if t.acked == nil {
		msg.Full = true
	}

	ids := make([]string, 0, len(visible))
	for id := range visible {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := visible[id]
		seen, known := t.acked[id]
		if !known {
			msg.Added = append(msg.Added, fullState(e))
			continue
		}
		delta := map[string]interface{}{}
		for name, c := range e.Components {
			if seenTick, ok := seen[name]; !ok || c.Tick > seenTick {
				delta[name] = c.Value
			}
		}
		if len(delta) > 0 {
			msg.Changed = append(msg.Changed, protocol.EntityDelta{ID: id, Components: delta})
		}
	}

	removed := make([]string, 0)
	for id := range t.acked {
		if _, still := visible[id]; !still {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	msg.Removed = removed

	t.recordSent(tick, visible)
	return msg
}

func (t *Tracker) recordSent(tick uint64, visible map[string]*Entity) {
	v := make(view, len(visible))
	for id, e := range visible {
		comps := make(map[string]uint64, len(e.Components))
		for name, c := range e.Components {
			comps[name] = c.Tick
		}
		v[id] = comps
	}
	t.sent[tick] = v
	t.sentTicks = append(t.sentTicks, tick)
	for len(t.sentTicks) > maxPendingViews {
		oldest := t.sentTicks[0]
		t.sentTicks = t.sentTicks[1:]
		delete(t.sent, oldest)
	}
}

// Ack promotes the view sent at tick to the baseline. Acks for ticks
// the tracker no longer remembers (superseded) or never sent are
// ignored; the client will re-sync from a newer cumulative delta.
func (t *Tracker) Ack(tick uint64) bool {
	v, ok := t.sent[tick]
	if !ok {
		return false
	}
	if tick < t.ackedTick {
		return false
	}
	t.acked = v
	t.ackedTick = tick
	kept := t.sentTicks[:0]
	for _, st := range t.sentTicks {
		if st > tick {
			kept = append(kept, st)
			continue
		}
		delete(t.sent, st)
	}
	t.sentTicks = kept
	return true
}

func fullState(e *Entity) protocol.EntityState {
	comps := make(map[string]interface{}, len(e.Components))
	for name, c := range e.Components {
		comps[name] = c.Value
	}
	return protocol.EntityState{ID: e.ID, Kind: e.Kind, Components: comps}
}
