package client

import (
	"fmt"

	"interconnect.world/internal/protocol"
)

// Replica is the client's view of the authoritative world, folded from
// the snapshot stream. It never invents state: everything here came
// from an applied snapshot.
type Replica struct {
	tick     uint64
	entities map[string]*protocol.EntityState
}

func NewReplica() *Replica {
	return &Replica{entities: map[string]*protocol.EntityState{}}
}

func (r *Replica) Tick() uint64 { return r.tick }

func (r *Replica) Len() int { return len(r.entities) }

// Entity returns a copy of the entity's current state.
func (r *Replica) Entity(id string) (protocol.EntityState, bool) {
	e, ok := r.entities[id]
	if !ok {
		return protocol.EntityState{}, false
	}
	out := protocol.EntityState{ID: e.ID, Kind: e.Kind, Components: map[string]interface{}{}}
	for k, v := range e.Components {
		out.Components[k] = v
	}
	return out, true
}

// Entities returns a copy of every entity in the replica.
func (r *Replica) Entities() []protocol.EntityState {
	out := make([]protocol.EntityState, 0, len(r.entities))
	for id := range r.entities {
		e, _ := r.Entity(id)
		out = append(out, e)
	}
	return out
}

// Apply folds one snapshot in. A full snapshot replaces the replica
// wholesale; a delta may only touch entities and components it names.
// Deltas referencing unknown entities indicate a desync and fail.
func (r *Replica) Apply(s protocol.SnapshotMsg) error {
	if s.Full {
		r.entities = make(map[string]*protocol.EntityState, len(s.Added))
	}
	for _, e := range s.Added {
		cp := e
		if cp.Components == nil {
			cp.Components = map[string]interface{}{}
		}
		r.entities[e.ID] = &cp
	}
	for _, d := range s.Changed {
		e, ok := r.entities[d.ID]
		if !ok {
			return fmt.Errorf("delta for unknown entity %s at tick %d", d.ID, s.Tick)
		}
		for k, v := range d.Components {
			e.Components[k] = v
		}
	}
	for _, id := range s.Removed {
		delete(r.entities, id)
	}
	r.tick = s.Tick
	return nil
}
