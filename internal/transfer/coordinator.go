// Package transfer orchestrates the authoritative handoff of a player
// between independently-owned servers. The source mints a signed
// passport; the destination verifies it against the registry and runs
// the import policy engine before admitting anyone. The two sides trust
// the registry, never each other.
package transfer

import (
	"context"
	"fmt"
	"time"

	"interconnect.world/internal/identity"
	"interconnect.world/internal/passport"
	persistlog "interconnect.world/internal/persistence/log"
	"interconnect.world/internal/policy"
	"interconnect.world/internal/protocol"
	"interconnect.world/internal/sim/world"
)

// Destination is a known transfer target from the server's own config.
type Destination struct {
	WorldID string
	Address string // destination server address (ws URL)
}

// DepartureGate is the extension point for departure policy (e.g. a
// player mid-combat may not leave). The zero gate allows everything.
type DepartureGate interface {
	CanDepart(playerID string, profile world.PlayerProfile) error
}

type GateFunc func(playerID string, profile world.PlayerProfile) error

func (f GateFunc) CanDepart(playerID string, profile world.PlayerProfile) error {
	return f(playerID, profile)
}

// RejectError carries a wire error code alongside the reason so the
// transport can answer with a proper REJECT.
type RejectError struct {
	Code   string
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

type Coordinator struct {
	Key      *identity.ServerKey
	Registry identity.Verifier

	WorldID string
	// Address is this server's own advertised ws URL; incoming tokens
	// must be bound to it.
	Address string

	Destinations map[string]Destination // world id -> destination
	Gate         DepartureGate
	Policy       policy.ImportPolicy

	Audit *persistlog.TransferLogger // optional
}

// Depart runs the source side: validate the destination, consult the
// departure gate, atomically extract the player, and mint the signed
// token. On any failure before extraction the player stays LIVE on
// this server; after extraction the handoff is already decided.
func (c *Coordinator) Depart(ctx context.Context, w *world.World, playerID, destWorldID string) (protocol.TransferMsg, error) {
	dest, ok := c.Destinations[destWorldID]
	if !ok {
		c.audit(persistlog.TransferEntry{
			Direction: "out", Destination: destWorldID, Result: "rejected", Reason: "unknown destination",
		})
		return protocol.TransferMsg{}, &RejectError{
			Code:   protocol.ErrWorldNotFound,
			Reason: fmt.Sprintf("unknown destination world %q", destWorldID),
		}
	}

	if c.Gate != nil {
		// Gate checks run against a read of the player before anything
		// is removed.
		profile, err := w.RequestTransferPreview(ctx, playerID)
		if err != nil {
			return protocol.TransferMsg{}, err
		}
		if err := c.Gate.CanDepart(playerID, profile); err != nil {
			c.audit(persistlog.TransferEntry{
				Direction: "out", PlayerName: profile.Name, Destination: destWorldID,
				Result: "rejected", Reason: err.Error(),
			})
			return protocol.TransferMsg{}, &RejectError{Code: protocol.ErrTransferDenied, Reason: err.Error()}
		}
	}

	profile, err := w.RequestTransferOut(ctx, playerID)
	if err != nil {
		return protocol.TransferMsg{}, err
	}

	tok, err := passport.Mint(c.Key, profileToPassport(profile, c.WorldID), dest.Address)
	if err != nil {
		// The player has already left the world; put them back rather
		// than leaving a half-applied transfer.
		_, rejoinErr := w.RequestJoin(ctx, profile, nil)
		if rejoinErr != nil {
			return protocol.TransferMsg{}, fmt.Errorf("mint passport: %w (rejoin also failed: %v)", err, rejoinErr)
		}
		return protocol.TransferMsg{}, fmt.Errorf("mint passport: %w", err)
	}
	enc, err := tok.Encode()
	if err != nil {
		return protocol.TransferMsg{}, fmt.Errorf("encode token: %w", err)
	}

	c.audit(persistlog.TransferEntry{
		Direction: "out", PlayerName: profile.Name, Source: c.WorldID,
		Destination: destWorldID, Result: "minted",
	})
	return protocol.TransferMsg{
		Type:            protocol.TypeTransfer,
		ProtocolVersion: protocol.Version,
		Destination:     dest.Address,
		Token:           enc,
	}, nil
}

// VerifyArrival checks an incoming token without touching the world:
// decode, verify the signature against the claimed source's registry
// entry, and run the import policy. An unverifiable passport is
// equivalent to no passport and refuses the connection.
func (c *Coordinator) VerifyArrival(encToken string) (policy.ValidatedPlayer, []string, error) {
	tok, err := passport.Decode(encToken)
	if err != nil {
		return policy.ValidatedPlayer{}, nil, &RejectError{Code: protocol.ErrPassportInvalid, Reason: err.Error()}
	}
	p, err := tok.Verify(c.Registry, c.Address)
	if err != nil {
		c.audit(persistlog.TransferEntry{
			Direction: "in", Source: tok.SourceID, Result: "rejected", Reason: err.Error(),
		})
		return policy.ValidatedPlayer{}, nil, &RejectError{Code: protocol.ErrTrustSignature, Reason: err.Error()}
	}
	validated, notices := policy.Apply(p, c.Policy)
	return validated, notices, nil
}

// AdmitValidated joins an already-verified player into the world.
func (c *Coordinator) AdmitValidated(ctx context.Context, w *world.World, v policy.ValidatedPlayer, notices []string, out chan []byte) (world.JoinResponse, error) {
	resp, err := w.RequestJoin(ctx, profileFromValidated(v), out)
	if err != nil {
		return world.JoinResponse{}, err
	}
	c.audit(persistlog.TransferEntry{
		Direction: "in", PlayerName: v.Name, Source: v.Origin,
		Destination: c.WorldID, Result: "admitted", Notices: len(notices),
	})
	return resp, nil
}

// AdmitArrival is VerifyArrival followed by AdmitValidated.
func (c *Coordinator) AdmitArrival(ctx context.Context, w *world.World, encToken string, out chan []byte) (world.JoinResponse, []string, error) {
	validated, notices, err := c.VerifyArrival(encToken)
	if err != nil {
		return world.JoinResponse{}, nil, err
	}
	resp, err := c.AdmitValidated(ctx, w, validated, notices, out)
	if err != nil {
		return world.JoinResponse{}, nil, err
	}
	return resp, notices, nil
}

// AdmitFresh admits a player with no passport: world defaults only.
func (c *Coordinator) AdmitFresh(ctx context.Context, w *world.World, name string, out chan []byte) (world.JoinResponse, error) {
	profile := world.PlayerProfile{
		Name:   name,
		Health: c.Policy.DefaultHealth,
		Level:  c.Policy.DefaultLevel,
	}
	return w.RequestJoin(ctx, profile, out)
}

func (c *Coordinator) audit(e persistlog.TransferEntry) {
	if c.Audit == nil {
		return
	}
	e.Time = time.Now().UTC().Format(time.RFC3339)
	_ = c.Audit.WriteTransfer(e)
}

func profileToPassport(p world.PlayerProfile, origin string) passport.Passport {
	return passport.Passport{
		Name:       p.Name,
		Appearance: p.Appearance,
		Health:     p.Health,
		Level:      p.Level,
		Inventory:  p.Inventory,
		Abilities:  p.Abilities,
		Currency:   p.Currency,
		Origin:     origin,
	}
}

func profileFromValidated(v policy.ValidatedPlayer) world.PlayerProfile {
	return world.PlayerProfile{
		Name:       v.Name,
		Appearance: v.Appearance,
		Health:     v.Health,
		Level:      v.Level,
		Inventory:  v.Inventory,
		Abilities:  v.Abilities,
		Currency:   v.Currency,
	}
}
