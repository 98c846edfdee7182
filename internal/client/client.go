// Package client implements the connecting side of the protocol: dial,
// manifest verification, substrate loading, snapshot sync, live play,
// and the degraded ghost mode when the authority connection is lost.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"interconnect.world/internal/identity"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/session"
	"interconnect.world/internal/substrate"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 5 * time.Second
	readTimeout   = 60 * time.Second
	pingInterval  = 25 * time.Second
	reconnectWait = 2 * time.Second
)

type Config struct {
	URL        string
	PlayerName string
	// PassportToken is presented in the first HELLO when arriving via
	// transfer.
	PassportToken string

	// Registry is the trust anchor for manifest signatures. A manifest
	// that does not verify aborts the connection before any substrate
	// is loaded.
	Registry identity.Verifier

	// Cache holds verified substrate bytes across sessions. Optional;
	// without it every connect re-fetches and ghost mode degrades to
	// Void.
	Cache substrate.Cache
	// Fetcher overrides the manifest's substrate_url origin. Optional.
	Fetcher substrate.Fetcher

	Logger *log.Logger

	// OnSnapshot fires after each snapshot is folded into the replica.
	OnSnapshot func(protocol.SnapshotMsg)
	// OnNotices fires with the import policy notifications delivered
	// after a transfer admission.
	OnNotices func([]string)
	// OnReject fires for non-fatal rejections while live.
	OnReject func(protocol.RejectMsg)
}

// Client drives one player's connection lifecycle. Run owns the
// session; SendIntent and the read accessors are safe from other
// goroutines.
type Client struct {
	cfg Config
	log *log.Logger

	mu          sync.Mutex
	state       session.State
	cached      bool
	manifest    protocol.ManifestBody
	resumeToken string
	replica     *Replica

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: empty url")
	}
	if cfg.Registry == nil {
		return nil, errors.New("client: registry required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		cfg:     cfg,
		log:     logger,
		state:   session.StateConnecting,
		replica: NewReplica(),
	}, nil
}

func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Availability is the signal for the presentation layer: Live while
// connected, Cached or Void in ghost mode depending on whether the
// current world's substrate is held locally.
func (c *Client) Availability() session.Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.AvailabilityOf(c.state, c.cached)
}

func (c *Client) Manifest() protocol.ManifestBody {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest
}

func (c *Client) WorldTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Tick()
}

func (c *Client) Entity(id string) (protocol.EntityState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Entity(id)
}

func (c *Client) EntityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Len()
}

func (c *Client) Entities() []protocol.EntityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Entities()
}

// SendIntent submits a request for action. Only valid while live; the
// server answers anything else with a REJECT.
func (c *Client) SendIntent(intent protocol.Intent) error {
	if c.State() != session.StateLive {
		return errors.New("client: not live")
	}
	return c.write(protocol.IntentMsg{
		Type:            protocol.TypeIntent,
		ProtocolVersion: protocol.Version,
		Intent:          intent,
	})
}

// RequestTransfer asks the server to hand this player to another world.
// The handoff itself arrives as a TRANSFER frame and Run follows it.
func (c *Client) RequestTransfer(destWorldID string) error {
	if c.State() != session.StateLive {
		return errors.New("client: not live")
	}
	return c.write(protocol.TransferRequestMsg{
		Type:            protocol.TypeTransferRequest,
		ProtocolVersion: protocol.Version,
		Destination:     destWorldID,
	})
}

// transferDirective unwinds the session when the server hands us off.
type transferDirective struct {
	dest  string
	token string
}

func (e *transferDirective) Error() string {
	return "transfer to " + e.dest
}

// Run drives the lifecycle until ctx is cancelled. Socket loss enters
// ghost mode and reconnects from scratch; a TRANSFER frame redirects
// the next connection to the destination with the minted passport.
func (c *Client) Run(ctx context.Context) error {
	url := c.cfg.URL
	passportToken := c.cfg.PassportToken
	ghosting := false

	for {
		err := c.session(ctx, url, passportToken)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var dir *transferDirective
		if errors.As(err, &dir) {
			c.log.Printf("transferring to %s", dir.dest)
			c.mu.Lock()
			c.state = session.StateConnecting
			c.resumeToken = ""
			c.cached = false
			c.replica = NewReplica()
			c.mu.Unlock()
			url = dir.dest
			passportToken = dir.token
			ghosting = false
			continue
		}
		if err != nil {
			c.log.Printf("session ended: %v", err)
		}

		// Ghost mode. The replica is kept for rendering but nothing
		// simulates until a new session goes live. A failed reconnect
		// attempt keeps the session ghosted; only reaching LIVE clears
		// the Cached/Void signal.
		c.mu.Lock()
		if c.state == session.StateLive || ghosting {
			c.state = session.StateGhost
		} else {
			c.state = session.StateConnecting
		}
		ghosting = c.state == session.StateGhost
		avail := session.AvailabilityOf(c.state, c.cached)
		c.mu.Unlock()
		c.log.Printf("availability=%s", avail)

		// A consumed passport must not be replayed on reconnect.
		passportToken = ""

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectWait):
		}
	}
}

// session runs one connection from dial to disconnect. Reconnection
// re-enters here from scratch; no sync state carries over.
func (c *Client) session(ctx context.Context, url, passportToken string) error {
	sess := session.NewConnection("")

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// The read loop only notices ctx through the socket closing.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	c.mu.Lock()
	c.state = session.StateConnecting
	resumeToken := c.resumeToken
	c.mu.Unlock()
	c.setConn(conn)
	defer c.setConn(nil)

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      c.cfg.PlayerName,
	}
	if passportToken != "" {
		hello.PassportToken = passportToken
	} else if resumeToken != "" {
		hello.ResumeToken = resumeToken
	}
	if err := c.write(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}

	manifest, err := c.awaitManifest(conn)
	if err != nil {
		return err
	}
	if err := sess.Advance(session.StateLoadingSubstrate); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = session.StateLoadingSubstrate
	c.manifest = manifest.Manifest
	c.resumeToken = manifest.ResumeToken
	c.mu.Unlock()

	if err := c.loadSubstrate(ctx, manifest.Manifest); err != nil {
		return err
	}
	if err := c.write(ackMsg(0)); err != nil {
		return fmt.Errorf("send ACK: %w", err)
	}
	if err := sess.Advance(session.StateSyncing); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = session.StateSyncing
	c.mu.Unlock()

	pingStop := make(chan struct{})
	defer close(pingStop)
	go c.pingLoop(pingStop)

	return c.pump(conn, sess)
}

func (c *Client) awaitManifest(conn *websocket.Conn) (protocol.ManifestMsg, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.ManifestMsg{}, fmt.Errorf("read MANIFEST: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.ManifestMsg{}, fmt.Errorf("decode MANIFEST: %w", err)
	}
	if base.Type == protocol.TypeReject {
		var rej protocol.RejectMsg
		_ = json.Unmarshal(msg, &rej)
		return protocol.ManifestMsg{}, fmt.Errorf("refused: %s %s", rej.Code, rej.Reason)
	}
	if base.Type != protocol.TypeManifest {
		return protocol.ManifestMsg{}, fmt.Errorf("expected MANIFEST, got %s", base.Type)
	}
	var manifest protocol.ManifestMsg
	if err := json.Unmarshal(msg, &manifest); err != nil {
		return protocol.ManifestMsg{}, fmt.Errorf("malformed MANIFEST: %w", err)
	}

	// The signature gates everything: no substrate is fetched from an
	// unverified world description.
	body, err := manifest.Manifest.CanonicalBytes()
	if err != nil {
		return protocol.ManifestMsg{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(manifest.Signature)
	if err != nil {
		return protocol.ManifestMsg{}, fmt.Errorf("manifest signature encoding: %w", err)
	}
	if !identity.Verify(c.cfg.Registry, manifest.Manifest.ServerID, body, sig) {
		return protocol.ManifestMsg{}, fmt.Errorf("manifest signature for %s did not verify", manifest.Manifest.ServerID)
	}
	return manifest, nil
}

func (c *Client) loadSubstrate(ctx context.Context, m protocol.ManifestBody) error {
	fetcher := c.cfg.Fetcher
	if fetcher == nil && m.SubstrateURL != "" {
		fetcher = substrate.NewHTTPFetcher(m.SubstrateURL)
	}
	if _, err := substrate.Resolve(ctx, m.SubstrateHash, c.cfg.Cache, fetcher); err != nil {
		var mismatch *substrate.ErrHashMismatch
		if errors.As(err, &mismatch) {
			return fmt.Errorf("substrate integrity: %w", err)
		}
		return err
	}
	c.mu.Lock()
	c.cached = true
	c.mu.Unlock()
	return nil
}

func (c *Client) pump(conn *websocket.Conn, sess *session.Connection) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeSnapshot:
			var snap protocol.SnapshotMsg
			if err := json.Unmarshal(msg, &snap); err != nil {
				continue
			}
			c.mu.Lock()
			applyErr := c.replica.Apply(snap)
			c.mu.Unlock()
			if applyErr != nil {
				return applyErr
			}
			if err := c.write(ackMsg(snap.Tick)); err != nil {
				return err
			}
			if sess.State() == session.StateSyncing {
				if err := sess.Advance(session.StateLive); err != nil {
					return err
				}
				c.mu.Lock()
				c.state = session.StateLive
				c.mu.Unlock()
				c.log.Printf("live at tick %d", snap.Tick)
			}
			if c.cfg.OnSnapshot != nil {
				c.cfg.OnSnapshot(snap)
			}
		case protocol.TypeNotice:
			var n protocol.NoticeMsg
			if err := json.Unmarshal(msg, &n); err != nil {
				continue
			}
			for _, line := range n.Notices {
				c.log.Printf("notice: %s", line)
			}
			if c.cfg.OnNotices != nil {
				c.cfg.OnNotices(n.Notices)
			}
		case protocol.TypeTransfer:
			var tr protocol.TransferMsg
			if err := json.Unmarshal(msg, &tr); err != nil {
				continue
			}
			return &transferDirective{dest: tr.Destination, token: tr.Token}
		case protocol.TypeReject:
			var rej protocol.RejectMsg
			if err := json.Unmarshal(msg, &rej); err != nil {
				continue
			}
			c.log.Printf("rejected: %s %s", rej.Code, rej.Reason)
			if c.cfg.OnReject != nil {
				c.cfg.OnReject(rej)
			}
		case protocol.TypePong:
			// Keepalive answered.
		}
	}
}

func (c *Client) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = c.write(protocol.PingMsg{Type: protocol.TypePing, ProtocolVersion: protocol.Version})
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

func (c *Client) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("client: not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func ackMsg(tick uint64) protocol.AckMsg {
	return protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Tick: tick}
}
