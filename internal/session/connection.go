package session

import (
	"fmt"

	"interconnect.world/internal/protocol"
)

// Connection is the server-side session record. It is owned by one
// handler goroutine; the world loop never touches it directly.
type Connection struct {
	ID       string
	PlayerID string

	state    State
	lastAck  uint64
	manifest protocol.ManifestBody
}

func NewConnection(id string) *Connection {
	return &Connection{ID: id, state: StateConnecting}
}

func (c *Connection) State() State { return c.state }

// Advance moves the session to the next lifecycle state, rejecting
// anything outside the legal transition table.
func (c *Connection) Advance(to State) error {
	if !CanTransition(c.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", c.state, to)
	}
	c.state = to
	return nil
}

// CanProcess reports whether snapshots and intents may flow. The
// server-side contract: no snapshot or intent processing occurs for a
// session not in LIVE.
func (c *Connection) CanProcess() bool { return c.state == StateLive }

func (c *Connection) SetManifest(m protocol.ManifestBody) { c.manifest = m }
func (c *Connection) Manifest() protocol.ManifestBody     { return c.manifest }

func (c *Connection) LastAck() uint64 { return c.lastAck }

// RecordAck accepts a monotonically increasing acknowledged tick.
// A stale or repeated ack is a protocol error.
func (c *Connection) RecordAck(tick uint64) error {
	if tick < c.lastAck {
		return fmt.Errorf("ack went backwards: %d after %d", tick, c.lastAck)
	}
	c.lastAck = tick
	return nil
}
