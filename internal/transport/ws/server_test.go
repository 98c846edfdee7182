package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"interconnect.world/internal/identity"
	"interconnect.world/internal/policy"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/sim/world"
	"interconnect.world/internal/transfer"
)

type testServer struct {
	ws   *Server
	http *httptest.Server
	w    *world.World
	key  *identity.ServerKey
	reg  *identity.StaticRegistry
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
}

func newTestServer(t *testing.T, worldID string, reg *identity.StaticRegistry, configure func(*transfer.Coordinator)) *testServer {
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

	coord := &transfer.Coordinator{
		Key:      key,
		Registry: reg,
		WorldID:  worldID,
		Policy:   policy.Defaults(),
	}
	if configure != nil {
		configure(coord)
	}

	manifest := protocol.ManifestBody{
		WorldID:       worldID,
		ServerID:      worldID,
		SubstrateHash: strings.Repeat("ab", 32),
		TickRateHz:    50,
	}
	srv, err := NewServer(w, coord, key, manifest, log.New(io.Discard, "", 0), nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-done
	})
	ts := &testServer{ws: srv, http: hs, w: w, key: key, reg: reg}
	// AdmitArrival verifies tokens against this server's own address,
	// which is only known once the listener is up.
	coord.Address = ts.wsURL()
	return ts
}

func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads frames until one of the wanted type arrives, skipping
// snapshots and pongs along the way.
func readType(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", want, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type == want {
			return msg
		}
		if base.Type == protocol.TypeSnapshot || base.Type == protocol.TypePong {
			continue
		}
		t.Fatalf("got %s while waiting for %s: %s", base.Type, want, msg)
	}
}

func hello(name string) protocol.HelloMsg {
	return protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerName: name}
}

func ack(tick uint64) protocol.AckMsg {
	return protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Tick: tick}
}

// goLive drives a fresh connection through the whole handshake and
// returns the decoded manifest plus the first full snapshot.
func goLive(t *testing.T, conn *websocket.Conn, name string) (protocol.ManifestMsg, protocol.SnapshotMsg) {
	t.Helper()
	send(t, conn, hello(name))
	var manifest protocol.ManifestMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeManifest), &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	send(t, conn, ack(0))
	var snap protocol.SnapshotMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeSnapshot), &snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Full {
		t.Fatalf("first snapshot not full: %+v", snap)
	}
	send(t, conn, ack(snap.Tick))
	return manifest, snap
}

func TestHandshake_ManifestSignatureVerifies(t *testing.T) {
	reg := identity.NewStaticRegistry()
	ts := newTestServer(t, "alpha", reg, nil)
	conn := dial(t, ts)

	manifest, _ := goLive(t, conn, "ada")
	if manifest.Manifest.WorldID != "alpha" || manifest.ResumeToken == "" {
		t.Fatalf("manifest = %+v", manifest)
	}
	body, err := manifest.Manifest.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(manifest.Signature)
	if err != nil {
		t.Fatalf("signature encoding: %v", err)
	}
	if !identity.Verify(reg, manifest.Manifest.ServerID, body, sig) {
		t.Fatalf("manifest signature did not verify")
	}
}

func TestHandshake_RejectsNonHelloFirst(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)

	send(t, conn, ack(0))
	var rej protocol.RejectMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeReject), &rej); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("code = %s", rej.Code)
	}
}

func TestHandshake_RejectsBadVersion(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)

	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9", PlayerName: "ada"})
	var rej protocol.RejectMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeReject), &rej); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("code = %s", rej.Code)
	}
}

func TestLive_AfterFirstSnapshotAck(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)

	_, snap := goLive(t, conn, "ada")
	if snap.Tick == 0 {
		t.Fatalf("first snapshot carries tick 0, which is reserved for the substrate ack")
	}

	// Acking the first full snapshot makes the session live: the next
	// intent must be forwarded, not rejected. A REJECT arriving before
	// the PONG fails the read.
	send(t, conn, protocol.IntentMsg{
		Type:            protocol.TypeIntent,
		ProtocolVersion: protocol.Version,
		Intent:          protocol.Intent{Kind: protocol.IntentChat, Text: "hello"},
	})
	send(t, conn, protocol.PingMsg{Type: protocol.TypePing, ProtocolVersion: protocol.Version})
	readType(t, conn, protocol.TypePong)
}

func TestIntent_BeforeLiveRejected(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)

	send(t, conn, hello("ada"))
	readType(t, conn, protocol.TypeManifest)
	send(t, conn, ack(0))
	readType(t, conn, protocol.TypeSnapshot)

	// Still SYNCING: the snapshot has not been acknowledged.
	send(t, conn, protocol.IntentMsg{
		Type:            protocol.TypeIntent,
		ProtocolVersion: protocol.Version,
		Intent:          protocol.Intent{Kind: protocol.IntentMove, X: 1},
	})
	var rej protocol.RejectMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeReject), &rej); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Code != protocol.ErrBadState {
		t.Fatalf("code = %s", rej.Code)
	}
}

func TestIntent_MoveAppliesWhileLive(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)

	_, snap := goLive(t, conn, "ada")
	entityID := snap.Added[0].ID

	send(t, conn, protocol.IntentMsg{
		Type:            protocol.TypeIntent,
		ProtocolVersion: protocol.Version,
		Intent:          protocol.Intent{Kind: protocol.IntentMove, X: 1, Y: 0},
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var s protocol.SnapshotMsg
		if err := json.Unmarshal(msg, &s); err != nil || s.Type != protocol.TypeSnapshot {
			continue
		}
		for _, d := range s.Changed {
			if d.ID == entityID {
				if pos, ok := d.Components["pos"]; ok {
					b, _ := json.Marshal(pos)
					if string(b) == "[1,0]" {
						return
					}
				}
			}
		}
		send(t, conn, ack(s.Tick))
	}
}

func TestTransferRequest_UnknownDestinationNonFatal(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)
	goLive(t, conn, "ada")

	send(t, conn, protocol.TransferRequestMsg{
		Type:            protocol.TypeTransferRequest,
		ProtocolVersion: protocol.Version,
		Destination:     "nowhere",
	})
	var rej protocol.RejectMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeReject), &rej); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Code != protocol.ErrWorldNotFound {
		t.Fatalf("code = %s", rej.Code)
	}

	// The session stays live.
	send(t, conn, protocol.PingMsg{Type: protocol.TypePing, ProtocolVersion: protocol.Version})
	readType(t, conn, protocol.TypePong)
}

func TestTransfer_AcrossServers(t *testing.T) {
	reg := identity.NewStaticRegistry()
	beta := newTestServer(t, "beta", reg, nil)
	alpha := newTestServer(t, "alpha", reg, func(c *transfer.Coordinator) {
		c.Destinations = map[string]transfer.Destination{
			"beta": {WorldID: "beta", Address: beta.wsURL()},
		}
	})

	conn := dial(t, alpha)
	goLive(t, conn, "ada")

	send(t, conn, protocol.TransferRequestMsg{
		Type:            protocol.TypeTransferRequest,
		ProtocolVersion: protocol.Version,
		Destination:     "beta",
	})
	var tr protocol.TransferMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeTransfer), &tr); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tr.Destination != beta.wsURL() || tr.Token == "" {
		t.Fatalf("transfer = %+v", tr)
	}

	// Reconnect to the destination presenting the passport.
	conn2 := dial(t, beta)
	send(t, conn2, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      "ada",
		PassportToken:   tr.Token,
	})
	readType(t, conn2, protocol.TypeManifest)
	send(t, conn2, ack(0))
	var snap protocol.SnapshotMsg
	if err := json.Unmarshal(readType(t, conn2, protocol.TypeSnapshot), &snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Full || len(snap.Added) == 0 {
		t.Fatalf("arrival snapshot = %+v", snap)
	}
}

func TestTransfer_TokenReplayRefused(t *testing.T) {
	reg := identity.NewStaticRegistry()
	beta := newTestServer(t, "beta", reg, nil)
	gamma := newTestServer(t, "gamma", reg, nil)
	alpha := newTestServer(t, "alpha", reg, func(c *transfer.Coordinator) {
		c.Destinations = map[string]transfer.Destination{
			"beta": {WorldID: "beta", Address: beta.wsURL()},
		}
	})

	conn := dial(t, alpha)
	goLive(t, conn, "ada")
	send(t, conn, protocol.TransferRequestMsg{
		Type:            protocol.TypeTransferRequest,
		ProtocolVersion: protocol.Version,
		Destination:     "beta",
	})
	var tr protocol.TransferMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeTransfer), &tr); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// The token is bound to beta; presenting it to gamma must fail.
	conn2 := dial(t, gamma)
	send(t, conn2, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      "ada",
		PassportToken:   tr.Token,
	})
	var rej protocol.RejectMsg
	if err := json.Unmarshal(readType(t, conn2, protocol.TypeReject), &rej); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Code != protocol.ErrTrustSignature {
		t.Fatalf("code = %s", rej.Code)
	}
}

func TestResume_ReattachesSamePlayer(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)

	conn := dial(t, ts)
	manifest, snap := goLive(t, conn, "ada")
	entityID := snap.Added[0].ID
	conn.Close()

	// Give the server a moment to notice the drop and park the ghost.
	time.Sleep(100 * time.Millisecond)

	conn2 := dial(t, ts)
	send(t, conn2, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      "ada",
		ResumeToken:     manifest.ResumeToken,
	})
	readType(t, conn2, protocol.TypeManifest)
	send(t, conn2, ack(0))
	var snap2 protocol.SnapshotMsg
	if err := json.Unmarshal(readType(t, conn2, protocol.TypeSnapshot), &snap2); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap2.Full {
		t.Fatalf("resume snapshot not full")
	}
	found := false
	for _, e := range snap2.Added {
		if e.ID == entityID {
			found = true
		}
	}
	if !found {
		t.Fatalf("resumed world lost entity %s: %+v", entityID, snap2.Added)
	}
}

func TestSendFinal_SurvivesFullQueue(t *testing.T) {
	out := make(chan []byte, 2)
	out <- []byte(`{"type":"SNAPSHOT"}`)
	out <- []byte(`{"type":"SNAPSHOT"}`)

	sendFinal(out, protocol.TransferMsg{
		Type:            protocol.TypeTransfer,
		ProtocolVersion: protocol.Version,
		Destination:     "ws://beta.example/ws",
		Token:           "tok",
	})

	// The channel is closed and the handoff frame is the last thing a
	// draining writer sees.
	var last []byte
	for b := range out {
		last = b
	}
	base, err := protocol.DecodeBase(last)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Type != protocol.TypeTransfer {
		t.Fatalf("final frame = %s", last)
	}
}

func TestResume_UnknownTokenRejected(t *testing.T) {
	ts := newTestServer(t, "alpha", identity.NewStaticRegistry(), nil)
	conn := dial(t, ts)

	send(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      "ada",
		ResumeToken:     "stale-token",
	})
	var rej protocol.RejectMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeReject), &rej); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Code != protocol.ErrBadState {
		t.Fatalf("code = %s", rej.Code)
	}
}
