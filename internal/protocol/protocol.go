package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello           = "HELLO"
	TypeIntent          = "INTENT"
	TypeAck             = "ACK"
	TypeTransferRequest = "TRANSFER_REQUEST"
	TypePing            = "PING"

	TypeManifest = "MANIFEST"
	TypeSnapshot = "SNAPSHOT"
	TypeTransfer = "TRANSFER"
	TypeReject   = "REJECT"
	TypeNotice   = "NOTICE"
	TypePong     = "PONG"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
