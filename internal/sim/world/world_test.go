package world

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"interconnect.world/internal/passport"
	"interconnect.world/internal/protocol"
)

func testWorld(t *testing.T) *World {
	t.Helper()
	w, err := New(Config{ID: "meadow", TickRateHz: 20, BoundaryR: 100})
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return w
}

func joinTestPlayer(t *testing.T, w *World, out chan []byte) JoinResponse {
	t.Helper()
	respCh := make(chan JoinResponse, 1)
	profile := PlayerProfile{
		Name:      "ada",
		Health:    100,
		Level:     3,
		Inventory: []passport.Item{{ID: "torch", Name: "torch", Quantity: 2}},
		Currency:  50,
	}
	w.StepOnce([]JoinRequest{{Profile: profile, Out: out, Resp: respCh}}, nil, nil)
	select {
	case resp := <-respCh:
		return resp
	default:
		t.Fatalf("join did not respond")
		return JoinResponse{}
	}
}

func lastSnapshot(t *testing.T, out chan []byte) protocol.SnapshotMsg {
	t.Helper()
	var msg protocol.SnapshotMsg
	got := false
	for {
		select {
		case b := <-out:
			if err := json.Unmarshal(b, &msg); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			got = true
		default:
			if !got {
				t.Fatalf("no snapshot queued")
			}
			return msg
		}
	}
}

func TestJoin_FirstSnapshotIsFull(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)
	if resp.PlayerID == "" || resp.EntityID == "" {
		t.Fatalf("join response empty: %+v", resp)
	}
	msg := lastSnapshot(t, out)
	if !msg.Full {
		t.Fatalf("first snapshot must be full")
	}
	if len(msg.Added) != 1 || msg.Added[0].ID != resp.EntityID {
		t.Fatalf("added = %+v", msg.Added)
	}
}

func TestIntents_ApplyInArrivalOrderBeforeSnapshot(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)
	for len(out) > 0 {
		<-out
	}

	// Two moves in one tick: the second wins, and the tick's snapshot
	// already reflects both.
	intents := []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentMove, X: 1, Y: 0}},
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentMove, X: 1, Y: 1}},
	}
	w.StepOnce(nil, nil, intents)
	msg := lastSnapshot(t, out)
	if len(msg.Added) != 1 {
		t.Fatalf("expected full resend pre-ack, got %+v", msg)
	}
	pos, ok := msg.Added[0].Components["pos"].([]interface{})
	if !ok || len(pos) != 2 || pos[0].(float64) != 1 || pos[1].(float64) != 1 {
		t.Fatalf("pos = %v", msg.Added[0].Components["pos"])
	}
}

func TestIntents_OutOfBoundsRejectedWithEvent(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)
	for len(out) > 0 {
		<-out
	}

	w.StepOnce(nil, nil, []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentTeleport, X: 1000, Y: 0}},
	})
	msg := lastSnapshot(t, out)
	found := false
	for _, ev := range msg.Events {
		if ev.Kind == "INTENT_REJECTED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected INTENT_REJECTED event, got %+v", msg.Events)
	}
}

func TestUseItem_ConsumesInventory(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)

	w.StepOnce(nil, nil, []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentUseItem, ItemID: "torch"}},
	})
	p := w.players[resp.PlayerID]
	if len(p.Profile.Inventory) != 1 || p.Profile.Inventory[0].Quantity != 1 {
		t.Fatalf("inventory = %+v", p.Profile.Inventory)
	}

	// Using it twice more: second use empties, third is rejected.
	w.StepOnce(nil, nil, []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentUseItem, ItemID: "torch"}},
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentUseItem, ItemID: "torch"}},
	})
	if len(p.Profile.Inventory) != 0 {
		t.Fatalf("inventory = %+v", p.Profile.Inventory)
	}
}

func TestPlaceAndModifyObject(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)

	w.StepOnce(nil, nil, []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{
			Kind: protocol.IntentPlaceObject, ObjectKind: "door", X: 2, Y: 2,
			Components: map[string]interface{}{"open": false},
		}},
	})
	var doorID string
	for id, e := range w.entities {
		if e.Kind == "door" {
			doorID = id
		}
	}
	if doorID == "" {
		t.Fatalf("door not placed")
	}

	w.StepOnce(nil, nil, []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{
			Kind: protocol.IntentModifyObject, TargetID: doorID,
			Components: map[string]interface{}{"open": true},
		}},
	})
	if open := w.entities[doorID].comps["open"].Value; open != true {
		t.Fatalf("door open = %v", open)
	}
}

func TestTransferOut_AtomicRemoval(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)

	respCh := make(chan transferOutResp, 1)
	w.step(nil, nil, nil, []transferOutReq{{PlayerID: resp.PlayerID, Resp: respCh}})
	r := <-respCh
	if r.Err != "" {
		t.Fatalf("transfer out: %s", r.Err)
	}
	if r.Profile.Name != "ada" || r.Profile.Currency != 50 {
		t.Fatalf("profile = %+v", r.Profile)
	}
	if _, ok := w.players[resp.PlayerID]; ok {
		t.Fatalf("player must be removed")
	}
	if _, ok := w.entities[resp.EntityID]; ok {
		t.Fatalf("entity must be removed")
	}
	if _, ok := w.clients[resp.PlayerID]; ok {
		t.Fatalf("client must be detached")
	}
}

func TestTransferOut_UnknownPlayer(t *testing.T) {
	w := testWorld(t)
	respCh := make(chan transferOutResp, 1)
	w.step(nil, nil, nil, []transferOutReq{{PlayerID: "P999999", Resp: respCh}})
	if r := <-respCh; r.Err == "" {
		t.Fatalf("expected error for unknown player")
	}
}

func TestLeave_StopsSnapshots(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	resp := joinTestPlayer(t, w, out)
	for len(out) > 0 {
		<-out
	}

	w.StepOnce(nil, []string{resp.PlayerID}, nil)
	w.StepOnce(nil, nil, nil)
	if len(out) != 0 {
		t.Fatalf("departed client must not receive snapshots")
	}
	// Intents from a departed player are dropped, not processed.
	w.StepOnce(nil, nil, []IntentEnvelope{
		{PlayerID: resp.PlayerID, Intent: protocol.Intent{Kind: protocol.IntentChat, Text: "hi"}},
	})
	if len(w.events) != 0 && w.events[0].Kind == "CHAT" {
		t.Fatalf("intents for departed player must not apply")
	}
}

func TestRequestState_ReadOnlyQuery(t *testing.T) {
	w := testWorld(t)
	out := make(chan []byte, 8)
	joinTestPlayer(t, w, out)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	entities, _, err := w.RequestState(ctx)
	if err != nil {
		t.Fatalf("state query: %v", err)
	}
	if len(entities) != 1 || entities[0].Kind != "player" {
		t.Fatalf("entities = %+v", entities)
	}
	w.Stop()
}
