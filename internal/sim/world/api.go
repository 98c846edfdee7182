package world

import (
	"context"
	"errors"

	"interconnect.world/internal/protocol"
)

// RequestJoin admits a player profile into the world at the next tick
// boundary and returns the assigned ids.
func (w *World) RequestJoin(ctx context.Context, profile PlayerProfile, out chan []byte) (JoinResponse, error) {
	if w == nil {
		return JoinResponse{}, errors.New("world unavailable")
	}
	req := JoinRequest{Profile: profile, Out: out, Resp: make(chan JoinResponse, 1)}
	select {
	case w.join <- req:
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp, nil
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
}

// RequestTransferOut atomically removes the player and returns the
// complete profile to mint a passport from. Either the player leaves
// with everything or the request fails and the player stays.
func (w *World) RequestTransferOut(ctx context.Context, playerID string) (PlayerProfile, error) {
	if w == nil {
		return PlayerProfile{}, errors.New("world unavailable")
	}
	req := transferOutReq{PlayerID: playerID, Resp: make(chan transferOutResp, 1)}
	select {
	case w.transferOut <- req:
	case <-ctx.Done():
		return PlayerProfile{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return PlayerProfile{}, errors.New(resp.Err)
		}
		return resp.Profile, nil
	case <-ctx.Done():
		return PlayerProfile{}, ctx.Err()
	}
}

// RequestAttach reconnects a delivery channel to a player already in
// the world. Fails if the player left or was transferred out meanwhile.
func (w *World) RequestAttach(ctx context.Context, playerID string, out chan []byte) (JoinResponse, error) {
	if w == nil {
		return JoinResponse{}, errors.New("world unavailable")
	}
	req := AttachRequest{PlayerID: playerID, Out: out, Resp: make(chan JoinResponse, 1)}
	select {
	case w.attach <- req:
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.PlayerID == "" {
			return JoinResponse{}, errors.New("player " + playerID + " not in world")
		}
		return resp, nil
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
}

// RequestTransferPreview returns a copy of the player's profile without
// touching world state. Departure gates run against this before the
// player is extracted, so a rejected transfer leaves the world intact.
func (w *World) RequestTransferPreview(ctx context.Context, playerID string) (PlayerProfile, error) {
	if w == nil {
		return PlayerProfile{}, errors.New("world unavailable")
	}
	req := previewReq{PlayerID: playerID, Resp: make(chan previewResp, 1)}
	select {
	case w.previewReq <- req:
	case <-ctx.Done():
		return PlayerProfile{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return PlayerProfile{}, errors.New(resp.Err)
		}
		return resp.Profile, nil
	case <-ctx.Done():
		return PlayerProfile{}, ctx.Err()
	}
}

// RequestState returns a read-only copy of the current simulation
// state. This is the query surface the external heartbeat-export
// process consumes; the core does not implement the export pipeline.
func (w *World) RequestState(ctx context.Context) ([]protocol.EntityState, uint64, error) {
	if w == nil {
		return nil, 0, errors.New("world unavailable")
	}
	req := stateReq{Resp: make(chan stateResp, 1)}
	select {
	case w.stateReq <- req:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp.Entities, resp.Tick, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}
