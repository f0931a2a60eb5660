package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PeerIdentity identifies a nearby device. The ID is assigned by the
// transport and is the only field that matters for equality; DisplayName is
// a human-readable hint carried alongside it. Changing the display name
// means creating a new identity and rebinding the transport session.
type PeerIdentity struct {
	ID          string
	DisplayName string
}

// Equal compares identities by transport ID only.
func (p PeerIdentity) Equal(other PeerIdentity) bool {
	return p.ID == other.ID
}

// Short returns a truncated ID suitable for log lines and UI fallbacks.
func (p PeerIdentity) Short() string {
	if len(p.ID) > 12 {
		return p.ID[:12]
	}
	return p.ID
}

// ConnectionState is the per-peer session state tracked by the Coordinator.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Events is the sink for transport-originated events. The Coordinator
// implements it; transports must deliver events from a single goroutine per
// peer so per-peer ordering is preserved.
type Events interface {
	PeerFound(peer PeerIdentity, info map[string]string)
	PeerLost(peer PeerIdentity)
	ConnectionStateChanged(peer PeerIdentity, state ConnectionState)
	DataReceived(data []byte, from PeerIdentity)
	AdvertisingFailed(err error)
	BrowsingFailed(err error)
}

// Transport is the narrow capability set the Coordinator consumes from the
// platform peer-discovery/session layer. Implementations: pkg/p2p (libp2p +
// mDNS) for real links, MemoryTransport for tests and demos.
type Transport interface {
	// Identity returns the local peer identity the transport advertises.
	Identity() PeerIdentity

	// SetEvents registers the event sink. Must be called before any
	// Start* method; events fired with no sink registered are dropped.
	SetEvents(events Events)

	StartAdvertising() error
	StopAdvertising()
	StartBrowsing() error
	StopBrowsing()

	// Invite initiates a session with a discovered peer. The transport
	// enforces the timeout; state transitions are reported through Events.
	Invite(ctx context.Context, peer PeerIdentity, timeout time.Duration) error

	// Send transmits an opaque payload to the given peers. Best effort:
	// a partial or total failure returns a *TransmitError.
	Send(data []byte, to []PeerIdentity) error

	// IsConnected reports whether the transport currently holds a live
	// session with the peer.
	IsConnected(peer PeerIdentity) bool

	// Rebind replaces the local identity. Existing sessions drop; the
	// caller is expected to restart advertising and browsing afterwards.
	Rebind(identity PeerIdentity) error

	Close() error
}

// TransmitError reports a failed send to one or more peers.
type TransmitError struct {
	Peers []PeerIdentity
	Err   error
}

func (e *TransmitError) Error() string {
	ids := make([]string, 0, len(e.Peers))
	for _, p := range e.Peers {
		ids = append(ids, p.Short())
	}
	return fmt.Sprintf("transmit to [%s] failed: %v", strings.Join(ids, ", "), e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }
