// Package ws is the websocket transport for the world server. One
// handler goroutine per connection owns the session state machine; the
// world loop only ever sees channel messages.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"interconnect.world/internal/identity"
	persistlog "interconnect.world/internal/persistence/log"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/session"
	"interconnect.world/internal/sim/world"
	"interconnect.world/internal/transfer"
)

const (
	helloTimeout = 10 * time.Second
	// loadTimeout bounds the substrate download between MANIFEST and
	// the client's ACK(0).
	loadTimeout = 120 * time.Second
	readTimeout = 60 * time.Second

	writeTimeout = 5 * time.Second

	// ghostGrace is how long a disconnected player stays in the world
	// waiting for a resume before being removed.
	ghostGrace = 60 * time.Second
)

type Server struct {
	world *world.World
	coord *transfer.Coordinator
	key   *identity.ServerKey
	log   *log.Logger

	manifest protocol.ManifestBody
	// manifestSig is computed once; the body is static for the life of
	// the process.
	manifestSig string

	audit *persistlog.SessionLogger // optional

	upgrader websocket.Upgrader

	mu        sync.Mutex
	resumable map[string]*ghost
}

type ghost struct {
	playerID string
	timer    *time.Timer
}

func NewServer(w *world.World, coord *transfer.Coordinator, key *identity.ServerKey, manifest protocol.ManifestBody, logger *log.Logger, audit *persistlog.SessionLogger) (*Server, error) {
	body, err := manifest.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	return &Server{
		world:       w,
		coord:       coord,
		key:         key,
		log:         logger,
		manifest:    manifest,
		manifestSig: base64.StdEncoding.EncodeToString(key.Sign(body)),
		audit:       audit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		resumable: map[string]*ghost{},
	}, nil
}

// admitFunc runs the deferred world admission once the client has
// acknowledged the substrate. Verification already happened at HELLO.
type admitFunc func(ctx context.Context, out chan []byte) (world.JoinResponse, []string, error)

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.serve(conn)
	}
}

func (s *Server) serve(conn *websocket.Conn) {
	sess := session.NewConnection(uuid.NewString())

	admit, resumeToken, ok := s.handshake(conn, sess)
	if !ok {
		return
	}
	s.session(persistlog.SessionEntry{SessionID: sess.ID, Event: "connected"})

	out := make(chan []byte, 32)
	resp, ok := s.awaitSubstrateAck(conn, sess, admit, out)
	if !ok {
		s.session(persistlog.SessionEntry{SessionID: sess.ID, Event: "disconnected", Detail: "before sync"})
		return
	}
	sess.PlayerID = resp.PlayerID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case b, chOpen := <-out:
				if !chOpen {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	transferred := s.readLoop(conn, sess, out)

	if transferred {
		// The player already left with the passport; the out channel
		// was closed after the TRANSFER frame, let the writer flush it
		// before tearing the connection down.
		<-writerDone
		s.session(persistlog.SessionEntry{SessionID: sess.ID, PlayerID: sess.PlayerID, Event: "disconnected", Detail: "transferred"})
		return
	}
	cancel()

	// Socket loss while the player is still ours: detach the delivery
	// channel and keep the player simulating until the grace window
	// expires or the session resumes.
	s.world.Detach() <- sess.PlayerID
	s.parkGhost(resumeToken, sess.PlayerID)
	s.session(persistlog.SessionEntry{SessionID: sess.ID, PlayerID: sess.PlayerID, Event: "disconnected", Detail: "ghost"})
}

// handshake reads HELLO, verifies any passport, and answers with the
// signed MANIFEST. Nothing touches the world yet; admission is deferred
// until the client acknowledges the substrate.
func (s *Server) handshake(conn *websocket.Conn, sess *session.Connection) (admitFunc, string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, "", false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.rejectClose(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil, "", false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.rejectClose(conn, protocol.ErrProtoBadRequest, "malformed HELLO")
		return nil, "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		s.rejectClose(conn, protocol.ErrProtoBadRequest, "unsupported protocol_version "+hello.ProtocolVersion)
		return nil, "", false
	}
	name := strings.TrimSpace(hello.PlayerName)
	if name == "" {
		name = "traveler"
	}

	var admit admitFunc
	switch {
	case hello.PassportToken != "":
		validated, notices, err := s.coord.VerifyArrival(hello.PassportToken)
		if err != nil {
			code := protocol.ErrPassportInvalid
			var rej *transfer.RejectError
			if errors.As(err, &rej) {
				code = rej.Code
			}
			s.rejectClose(conn, code, err.Error())
			return nil, "", false
		}
		admit = func(ctx context.Context, out chan []byte) (world.JoinResponse, []string, error) {
			resp, err := s.coord.AdmitValidated(ctx, s.world, validated, notices, out)
			return resp, notices, err
		}
	case hello.ResumeToken != "":
		playerID, found := s.takeGhost(hello.ResumeToken)
		if !found {
			s.rejectClose(conn, protocol.ErrBadState, "unknown or expired resume token")
			return nil, "", false
		}
		admit = func(ctx context.Context, out chan []byte) (world.JoinResponse, []string, error) {
			resp, err := s.world.RequestAttach(ctx, playerID, out)
			return resp, nil, err
		}
	default:
		admit = func(ctx context.Context, out chan []byte) (world.JoinResponse, []string, error) {
			resp, err := s.coord.AdmitFresh(ctx, s.world, name, out)
			return resp, nil, err
		}
	}

	resumeToken := uuid.NewString()
	manifest := protocol.ManifestMsg{
		Type:            protocol.TypeManifest,
		ProtocolVersion: protocol.Version,
		Manifest:        s.manifest,
		Signature:       s.manifestSig,
		ResumeToken:     resumeToken,
	}
	if err := writeJSON(conn, manifest); err != nil {
		return nil, "", false
	}
	if err := sess.Advance(session.StateLoadingSubstrate); err != nil {
		return nil, "", false
	}
	return admit, resumeToken, true
}

// awaitSubstrateAck blocks until ACK(0), then admits the player. The
// world starts streaming into out from the next tick; the first frame
// is a full snapshot.
func (s *Server) awaitSubstrateAck(conn *websocket.Conn, sess *session.Connection, admit admitFunc, out chan []byte) (world.JoinResponse, bool) {
	deadline := time.Now().Add(loadTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return world.JoinResponse{}, false
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypePing:
			_ = writeJSON(conn, protocol.PongMsg{Type: protocol.TypePong, ProtocolVersion: protocol.Version})
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil || ack.Tick != 0 {
				s.rejectClose(conn, protocol.ErrBadState, "expected ACK for tick 0")
				return world.JoinResponse{}, false
			}
			if err := sess.Advance(session.StateSyncing); err != nil {
				return world.JoinResponse{}, false
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			resp, notices, err := admit(ctx, out)
			cancel()
			if err != nil {
				s.rejectClose(conn, protocol.ErrInternal, err.Error())
				return world.JoinResponse{}, false
			}
			if len(notices) > 0 {
				_ = writeJSON(conn, protocol.NoticeMsg{
					Type:            protocol.TypeNotice,
					ProtocolVersion: protocol.Version,
					Notices:         notices,
				})
			}
			s.session(persistlog.SessionEntry{SessionID: sess.ID, PlayerID: resp.PlayerID, Event: "state", Detail: sess.State().String()})
			return resp, true
		default:
			s.rejectClose(conn, protocol.ErrBadState, base.Type+" before ACK")
			return world.JoinResponse{}, false
		}
	}
}

// readLoop pumps client messages until the socket drops or the player
// transfers away. Returns true on transfer.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Connection, out chan []byte) bool {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.ProtocolVersion != protocol.Version && base.Type != protocol.TypePing {
			continue
		}
		switch base.Type {
		case protocol.TypePing:
			enqueue(out, protocol.PongMsg{Type: protocol.TypePong, ProtocolVersion: protocol.Version})
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			if err := sess.RecordAck(ack.Tick); err != nil {
				continue
			}
			if sess.State() == session.StateSyncing && ack.Tick > 0 {
				if err := sess.Advance(session.StateLive); err == nil {
					s.session(persistlog.SessionEntry{SessionID: sess.ID, PlayerID: sess.PlayerID, Event: "state", Detail: sess.State().String()})
				}
			}
			s.world.Acks() <- world.AckEnvelope{PlayerID: sess.PlayerID, Tick: ack.Tick}
		case protocol.TypeIntent:
			if !sess.CanProcess() {
				enqueue(out, rejectMsg(protocol.ErrBadState, "intents require a live session"))
				continue
			}
			var in protocol.IntentMsg
			if err := json.Unmarshal(msg, &in); err != nil {
				enqueue(out, rejectMsg(protocol.ErrProtoBadRequest, "malformed INTENT"))
				continue
			}
			if !protocol.IsKnownIntent(in.Intent.Kind) {
				enqueue(out, rejectMsg(protocol.ErrProtoBadRequest, "unknown intent kind "+in.Intent.Kind))
				continue
			}
			s.world.Inbox() <- world.IntentEnvelope{PlayerID: sess.PlayerID, Intent: in.Intent}
		case protocol.TypeTransferRequest:
			if !sess.CanProcess() {
				enqueue(out, rejectMsg(protocol.ErrBadState, "transfer requires a live session"))
				continue
			}
			var req protocol.TransferRequestMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				enqueue(out, rejectMsg(protocol.ErrProtoBadRequest, "malformed TRANSFER_REQUEST"))
				continue
			}
			if s.depart(sess, req.Destination, out) {
				return true
			}
		default:
			// Unknown message types are ignored for forward
			// compatibility.
		}
	}
}

// depart runs the transfer-out handoff. A rejection leaves the session
// live; success enqueues the TRANSFER frame and closes out so the
// writer flushes it before the connection drops.
func (s *Server) depart(sess *session.Connection, destWorldID string, out chan []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	msg, err := s.coord.Depart(ctx, s.world, sess.PlayerID, destWorldID)
	if err != nil {
		var rej *transfer.RejectError
		if errors.As(err, &rej) {
			enqueue(out, rejectMsg(rej.Code, rej.Reason))
		} else {
			enqueue(out, rejectMsg(protocol.ErrInternal, err.Error()))
		}
		return false
	}
	// The player is gone from the world already; nothing else writes
	// to out after this. The handoff frame itself must not be lost to
	// the drop-oldest queue.
	sendFinal(out, msg)
	return true
}

func (s *Server) parkGhost(resumeToken, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &ghost{playerID: playerID}
	g.timer = time.AfterFunc(ghostGrace, func() { s.expireGhost(resumeToken) })
	s.resumable[resumeToken] = g
}

func (s *Server) takeGhost(resumeToken string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.resumable[resumeToken]
	if !ok {
		return "", false
	}
	g.timer.Stop()
	delete(s.resumable, resumeToken)
	return g.playerID, true
}

func (s *Server) expireGhost(resumeToken string) {
	s.mu.Lock()
	g, ok := s.resumable[resumeToken]
	delete(s.resumable, resumeToken)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Printf("ghost session expired, removing player %s", g.playerID)
	s.world.Leave() <- g.playerID
}

func (s *Server) rejectClose(conn *websocket.Conn, code, reason string) {
	_ = writeJSON(conn, rejectMsg(code, reason))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
		time.Now().Add(time.Second))
}

func (s *Server) session(e persistlog.SessionEntry) {
	if s.audit == nil {
		return
	}
	e.Time = time.Now().UTC().Format(time.RFC3339)
	_ = s.audit.WriteSession(e)
}

func rejectMsg(code, reason string) protocol.RejectMsg {
	return protocol.RejectMsg{
		Type:            protocol.TypeReject,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Reason:          reason,
	}
}

// enqueue routes a control message through the writer goroutine's
// channel. When the queue is full the oldest queued frame gives way, so
// a stalled writer never wedges the read loop.
func enqueue(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- b:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- b:
	default:
	}
}

// sendFinal queues the closing frame of a connection, displacing older
// queued frames if it must, then closes the channel so the writer
// flushes and exits. Unlike enqueue it never drops the frame itself;
// the caller guarantees nothing else writes to out afterwards.
func sendFinal(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		close(out)
		return
	}
	for {
		select {
		case out <- b:
			close(out)
			return
		case <-out:
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
