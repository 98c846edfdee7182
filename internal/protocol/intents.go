package protocol

// Intent kinds.
const (
	IntentMove         = "MOVE"
	IntentInteract     = "INTERACT"
	IntentUseItem      = "USE_ITEM"
	IntentChat         = "CHAT"
	IntentPlaceObject  = "PLACE_OBJECT"
	IntentModifyObject = "MODIFY_OBJECT"
	IntentTeleport     = "TELEPORT"
)

// Intent is a client-submitted request for action. Ephemeral: it is not
// persisted beyond the tick that processes it.
type Intent struct {
	Kind string `json:"kind"`

	// MOVE, TELEPORT, PLACE_OBJECT.
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// INTERACT, MODIFY_OBJECT.
	TargetID string `json:"target_id,omitempty"`

	// USE_ITEM.
	ItemID string `json:"item_id,omitempty"`

	// CHAT.
	Text string `json:"text,omitempty"`

	// PLACE_OBJECT, MODIFY_OBJECT.
	ObjectKind string                 `json:"object_kind,omitempty"`
	Components map[string]interface{} `json:"components,omitempty"`
}

var knownIntents = map[string]struct{}{
	IntentMove:         {},
	IntentInteract:     {},
	IntentUseItem:      {},
	IntentChat:         {},
	IntentPlaceObject:  {},
	IntentModifyObject: {},
	IntentTeleport:     {},
}

func IsKnownIntent(kind string) bool {
	_, ok := knownIntents[kind]
	return ok
}
