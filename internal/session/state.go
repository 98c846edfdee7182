// Package session implements the per-client connection lifecycle: the
// state machine a session moves through from first handshake to live
// play, and the degraded ghost mode when authority is lost.
package session

import "fmt"

type State int

const (
	StateConnecting State = iota
	StateLoadingSubstrate
	StateSyncing
	StateLive
	StateGhost
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateLoadingSubstrate:
		return "LOADING_SUBSTRATE"
	case StateSyncing:
		return "SYNCING"
	case StateLive:
		return "LIVE"
	case StateGhost:
		return "GHOST"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions is the full legal transition table. CONNECTING and the
// loading states are transient and terminal-on-failure (failure closes
// the connection, it is not a transition); LIVE and GHOST are steady.
var transitions = map[State]map[State]struct{}{
	StateConnecting:       {StateLoadingSubstrate: {}},
	StateLoadingSubstrate: {StateSyncing: {}},
	StateSyncing:          {StateLive: {}},
	StateLive:             {StateGhost: {}},
	// Reconnection re-enters the pipeline from scratch; no partial
	// state is reused.
	StateGhost: {StateConnecting: {}},
}

func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Availability is the connection-level signal exposed to the
// presentation layer.
type Availability int

const (
	// AvailLive: authority connection is up.
	AvailLive Availability = iota
	// AvailCached: ghost mode with a local substrate cache hit; static
	// world renders, nothing simulates.
	AvailCached
	// AvailVoid: ghost mode with no cached substrate at all.
	AvailVoid
)

func (a Availability) String() string {
	switch a {
	case AvailLive:
		return "Live"
	case AvailCached:
		return "Cached"
	default:
		return "Void"
	}
}

// AvailabilityOf derives the signal from the lifecycle state and
// whether the substrate is locally cached.
func AvailabilityOf(s State, substrateCached bool) Availability {
	if s == StateGhost {
		if substrateCached {
			return AvailCached
		}
		return AvailVoid
	}
	return AvailLive
}
