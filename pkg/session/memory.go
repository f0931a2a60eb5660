package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport backed by a global registry,
// for tests and single-machine demos. Advertising transports are visible to
// browsing ones; invitations complete synchronously with Connecting then
// Connected transitions on both sides. Send failures can be injected to
// exercise the retry path.
type MemoryTransport struct {
	mu          sync.Mutex
	identity    PeerIdentity
	events      Events
	advertising bool
	browsing    bool
	conns       map[string]*MemoryTransport
	sendErr     error
	sendCalls   int
	closed      bool
}

var (
	memRegistryMu sync.Mutex
	memRegistry   = map[string]*MemoryTransport{}
	memNextID     int
)

// NewMemoryTransport registers a fresh transport with a unique ID.
func NewMemoryTransport(displayName string) *MemoryTransport {
	memRegistryMu.Lock()
	memNextID++
	id := fmt.Sprintf("mem-%d", memNextID)
	t := &MemoryTransport{
		identity: PeerIdentity{ID: id, DisplayName: displayName},
		conns:    make(map[string]*MemoryTransport),
	}
	memRegistry[id] = t
	memRegistryMu.Unlock()
	return t
}

func (t *MemoryTransport) Identity() PeerIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *MemoryTransport) SetEvents(events Events) {
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()
}

func (t *MemoryTransport) eventSink() Events {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// StartAdvertising makes this transport visible to browsing peers and
// announces it to them.
func (t *MemoryTransport) StartAdvertising() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("memory transport closed")
	}
	t.advertising = true
	me := t.identity
	t.mu.Unlock()

	for _, other := range registeredTransports() {
		if other == t {
			continue
		}
		other.mu.Lock()
		browsing := other.browsing
		sink := other.events
		other.mu.Unlock()
		if browsing && sink != nil {
			sink.PeerFound(me, nil)
		}
	}
	return nil
}

func (t *MemoryTransport) StopAdvertising() {
	t.mu.Lock()
	t.advertising = false
	me := t.identity
	t.mu.Unlock()

	for _, other := range registeredTransports() {
		if other == t {
			continue
		}
		other.mu.Lock()
		browsing := other.browsing
		sink := other.events
		other.mu.Unlock()
		if browsing && sink != nil {
			sink.PeerLost(me)
		}
	}
}

// StartBrowsing reports all currently advertising transports as found.
func (t *MemoryTransport) StartBrowsing() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("memory transport closed")
	}
	t.browsing = true
	sink := t.events
	t.mu.Unlock()

	if sink == nil {
		return nil
	}
	for _, other := range registeredTransports() {
		if other == t {
			continue
		}
		other.mu.Lock()
		advertising := other.advertising
		ident := other.identity
		other.mu.Unlock()
		if advertising {
			sink.PeerFound(ident, nil)
		}
	}
	return nil
}

func (t *MemoryTransport) StopBrowsing() {
	t.mu.Lock()
	t.browsing = false
	t.mu.Unlock()
}

// Invite wires both transports together and reports Connecting then
// Connected on each side.
func (t *MemoryTransport) Invite(ctx context.Context, peer PeerIdentity, timeout time.Duration) error {
	memRegistryMu.Lock()
	other, ok := memRegistry[peer.ID]
	memRegistryMu.Unlock()
	if !ok {
		return fmt.Errorf("memory transport: no peer %q", peer.ID)
	}

	t.mu.Lock()
	me := t.identity
	t.conns[peer.ID] = other
	t.mu.Unlock()

	other.mu.Lock()
	otherIdent := other.identity
	other.conns[me.ID] = t
	other.mu.Unlock()

	if sink := t.eventSink(); sink != nil {
		sink.ConnectionStateChanged(otherIdent, StateConnecting)
		sink.ConnectionStateChanged(otherIdent, StateConnected)
	}
	if sink := other.eventSink(); sink != nil {
		sink.ConnectionStateChanged(me, StateConnecting)
		sink.ConnectionStateChanged(me, StateConnected)
	}
	return nil
}

// Send delivers the payload to each connected target, or fails with a
// TransmitError covering the unreachable ones. An injected send error fails
// the whole call.
func (t *MemoryTransport) Send(data []byte, to []PeerIdentity) error {
	t.mu.Lock()
	t.sendCalls++
	me := t.identity
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return &TransmitError{Peers: to, Err: err}
	}
	targets := make([]*MemoryTransport, 0, len(to))
	var unreachable []PeerIdentity
	for _, p := range to {
		if conn, ok := t.conns[p.ID]; ok {
			targets = append(targets, conn)
		} else {
			unreachable = append(unreachable, p)
		}
	}
	t.mu.Unlock()

	for _, target := range targets {
		payload := make([]byte, len(data))
		copy(payload, data)
		if sink := target.eventSink(); sink != nil {
			sink.DataReceived(payload, me)
		}
	}
	if len(unreachable) > 0 {
		return &TransmitError{Peers: unreachable, Err: errors.New("not connected")}
	}
	return nil
}

func (t *MemoryTransport) IsConnected(peer PeerIdentity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peer.ID]
	return ok
}

// Rebind drops every session and replaces the display name. Browsing peers
// rediscover the transport if it was advertising.
func (t *MemoryTransport) Rebind(identity PeerIdentity) error {
	t.DisconnectAll()

	t.mu.Lock()
	t.identity.DisplayName = identity.DisplayName
	advertising := t.advertising
	t.mu.Unlock()

	if advertising {
		return t.StartAdvertising()
	}
	return nil
}

// Disconnect severs the session with one peer, reporting Disconnected on
// both sides. Test hook for simulating link loss.
func (t *MemoryTransport) Disconnect(peer PeerIdentity) {
	t.mu.Lock()
	other, ok := t.conns[peer.ID]
	delete(t.conns, peer.ID)
	me := t.identity
	t.mu.Unlock()
	if !ok {
		return
	}

	other.mu.Lock()
	delete(other.conns, me.ID)
	otherIdent := other.identity
	other.mu.Unlock()

	if sink := t.eventSink(); sink != nil {
		sink.ConnectionStateChanged(otherIdent, StateDisconnected)
	}
	if sink := other.eventSink(); sink != nil {
		sink.ConnectionStateChanged(me, StateDisconnected)
	}
}

// DisconnectAll severs every session.
func (t *MemoryTransport) DisconnectAll() {
	t.mu.Lock()
	conns := make([]*MemoryTransport, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		t.Disconnect(conn.Identity())
	}
}

// SetSendFailure injects a transport error for all subsequent sends; pass
// nil to restore delivery.
func (t *MemoryTransport) SetSendFailure(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// SendCalls reports how many times Send was invoked.
func (t *MemoryTransport) SendCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendCalls
}

func (t *MemoryTransport) Close() error {
	t.DisconnectAll()
	t.mu.Lock()
	t.closed = true
	t.advertising = false
	t.browsing = false
	id := t.identity.ID
	t.mu.Unlock()

	memRegistryMu.Lock()
	delete(memRegistry, id)
	memRegistryMu.Unlock()
	return nil
}

func registeredTransports() []*MemoryTransport {
	memRegistryMu.Lock()
	defer memRegistryMu.Unlock()
	all := make([]*MemoryTransport, 0, len(memRegistry))
	for _, t := range memRegistry {
		all = append(all, t)
	}
	return all
}
