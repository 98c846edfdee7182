package protocol

import "encoding/json"

// HELLO (client -> server). First message on any connection. A client
// arriving via transfer carries the base64 passport token; a client
// reconnecting to the same server may carry its resume token instead.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
	PassportToken   string `json:"passport_token,omitempty"`
	ResumeToken     string `json:"resume_token,omitempty"`
}

// MANIFEST (server -> client). Describes the world the server owns.
// Signature covers the canonical manifest body and is verified against
// the registry entry for ServerID before the client loads anything.
type ManifestMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Manifest        ManifestBody `json:"manifest"`
	Signature       string       `json:"signature"` // base64 ed25519 over canonical body
	// ResumeToken identifies this session for reconnects. Not part of
	// the signed body.
	ResumeToken string `json:"resume_token,omitempty"`
}

type ManifestBody struct {
	WorldID           string            `json:"world_id"`
	ServerID          string            `json:"server_id"`
	SubstrateHash     string            `json:"substrate_hash"`
	SubstrateURL      string            `json:"substrate_url,omitempty"`
	AllowedItems      []string          `json:"allowed_items,omitempty"`
	PhysicsConfig     map[string]string `json:"physics_config,omitempty"`
	AssetRequirements []string          `json:"asset_requirements,omitempty"`
	TickRateHz        int               `json:"tick_rate_hz"`
}

// CanonicalBytes is the byte sequence the manifest signature covers.
// Struct-order JSON keeps it deterministic for a given body.
func (b ManifestBody) CanonicalBytes() ([]byte, error) {
	return json.Marshal(b)
}

// INTENT (client -> server). Always a request, never a fact; the server
// may accept, reject, or transform it. Processed only while LIVE.
type IntentMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Intent          Intent `json:"intent"`
}

// ACK (client -> client's view of the stream). Tick 0 acknowledges the
// manifest/substrate phase; later ticks acknowledge snapshots.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
}

// TRANSFER_REQUEST (client -> server).
type TransferRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Destination     string `json:"destination"` // world id
}

// SNAPSHOT (server -> client). Delta relative to the client's last
// acknowledged tick. Full=true means Added carries the whole visible set.
type SnapshotMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Tick            uint64           `json:"tick"`
	Full            bool             `json:"full,omitempty"`
	Added           []EntityState    `json:"added,omitempty"`
	Removed         []string         `json:"removed,omitempty"`
	Changed         []EntityDelta    `json:"changed,omitempty"`
	Events          []WorldEvent     `json:"events,omitempty"`
}

type EntityState struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Components map[string]interface{} `json:"components,omitempty"`
}

// EntityDelta carries only the components that changed since the
// acknowledged tick, never a full re-send.
type EntityDelta struct {
	ID         string                 `json:"id"`
	Components map[string]interface{} `json:"components"`
}

// WorldEvent is a one-shot occurrence. Events are delivered in the
// snapshot for their tick and are not retried if missed.
type WorldEvent struct {
	Tick uint64                 `json:"tick"`
	Kind string                 `json:"kind"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// TRANSFER (server -> client). The handoff directive: reconnect to
// Destination and present Token in HELLO.
type TransferMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Destination     string `json:"destination"` // server address
	Token           string `json:"token"`       // base64 passport token
}

// REJECT (server -> client). Sent before any fatal close; also used for
// non-fatal request rejections (e.g. a denied transfer).
type RejectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Reason          string `json:"reason"`
}

// NOTICE (server -> client). Import policy notifications delivered after
// a transfer-in admission. Order matches the engine's notification log.
type NoticeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Notices         []string `json:"notices"`
}

type PingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

type PongMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}
