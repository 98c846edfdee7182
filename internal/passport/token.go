package passport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"interconnect.world/internal/identity"
)

// Token is the transfer handoff artifact. The signature covers the
// serialized passport bytes plus the destination address, so a token
// minted for one destination cannot be replayed against another.
type Token struct {
	Destination   string `json:"destination"` // destination server address
	SourceID      string `json:"source_id"`   // signing server id
	PassportBytes []byte `json:"passport"`    // canonical passport JSON
	Signature     []byte `json:"signature"`
}

func signingInput(passportBytes []byte, destination string) []byte {
	buf := make([]byte, 0, len(passportBytes)+1+len(destination))
	buf = append(buf, passportBytes...)
	buf = append(buf, 0)
	buf = append(buf, destination...)
	return buf
}

// Mint serializes and signs a passport for a specific destination.
func Mint(key *identity.ServerKey, p Passport, destination string) (Token, error) {
	if destination == "" {
		return Token{}, fmt.Errorf("empty destination")
	}
	b, err := p.CanonicalBytes()
	if err != nil {
		return Token{}, fmt.Errorf("serialize passport: %w", err)
	}
	return Token{
		Destination:   destination,
		SourceID:      key.ID,
		PassportBytes: b,
		Signature:     key.Sign(signingInput(b, destination)),
	}, nil
}

// Verify checks the token against the claimed source server's known
// public identity, for the destination the receiving server answers
// to, and returns the decoded passport. An unverifiable token is
// equivalent to no passport.
func (t Token) Verify(v identity.Verifier, destination string) (Passport, error) {
	if t.Destination != destination {
		return Passport{}, fmt.Errorf("token destination %q is not this server", t.Destination)
	}
	if !identity.Verify(v, t.SourceID, signingInput(t.PassportBytes, t.Destination), t.Signature) {
		return Passport{}, fmt.Errorf("signature verification failed for source %q", t.SourceID)
	}
	var p Passport
	if err := json.Unmarshal(t.PassportBytes, &p); err != nil {
		return Passport{}, fmt.Errorf("decode passport: %w", err)
	}
	return p, nil
}

// Encode renders the token for transport inside a HELLO message.
func (t Token) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func Decode(s string) (Token, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(b, &t); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	return t, nil
}
