package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBadState        = "E_BAD_STATE"

	// Trust boundary.
	ErrTrustSignature = "E_TRUST_SIGNATURE"
	ErrTrustHash      = "E_TRUST_HASH"

	// Transfer layer.
	ErrTransferDenied  = "E_TRANSFER_DENIED"
	ErrWorldNotFound   = "E_WORLD_NOT_FOUND"
	ErrPassportInvalid = "E_PASSPORT_INVALID"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadState:        {},
	ErrTrustSignature:  {},
	ErrTrustHash:       {},
	ErrTransferDenied:  {},
	ErrWorldNotFound:   {},
	ErrPassportInvalid: {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
