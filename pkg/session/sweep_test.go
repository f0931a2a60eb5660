package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepPrunesStaleHandshakes(t *testing.T) {
	transport := newFakeTransport("local")
	c := newTestCoordinator(t, transport)
	stale := PeerIdentity{ID: "peer-stale"}
	fresh := PeerIdentity{ID: "peer-fresh"}

	c.ConnectionStateChanged(stale, StateConnecting)
	c.ConnectionStateChanged(fresh, StateConnecting)

	c.mu.Lock()
	c.pending[stale.ID] = time.Now().Add(-2 * c.cfg.StaleHandshakeAfter)
	c.mu.Unlock()

	c.sweep()

	require.Equal(t, StateDisconnected, c.StateOf(stale))
	require.False(t, c.pendingContains(stale))

	// A fresh handshake survives the sweep.
	require.Equal(t, StateConnecting, c.StateOf(fresh))
	require.True(t, c.pendingContains(fresh))
}

func TestSweepKeepsPendingForTransportConnectedPeer(t *testing.T) {
	transport := newFakeTransport("local")
	c := newTestCoordinator(t, transport)
	peer := PeerIdentity{ID: "peer-b"}

	c.ConnectionStateChanged(peer, StateConnecting)
	transport.setConnected(peer, true)

	c.mu.Lock()
	c.pending[peer.ID] = time.Now().Add(-2 * c.cfg.StaleHandshakeAfter)
	c.mu.Unlock()

	c.sweep()

	// The transport still reports the peer connected, so the handshake is
	// not pruned however old it is.
	require.True(t, c.pendingContains(peer))
}

func TestSweepClearsRetryCountersForConnectedPeers(t *testing.T) {
	transport := newFakeTransport("local")
	transport.inviteErr = errTest
	c := newTestCoordinator(t, transport)
	peer := PeerIdentity{ID: "peer-b"}

	c.PeerFound(peer, nil)
	require.Eventually(t, func() bool { return c.StateOf(peer) == StateDisconnected }, time.Second, time.Millisecond)
	require.Equal(t, 1, c.retryAttempts(peer))

	// The transition path clears the counter already; the sweep is the
	// defensive backstop, so plant a counter behind its back.
	c.ConnectionStateChanged(peer, StateConnected)
	c.mu.Lock()
	c.retries[peer.ID] = &retryRecord{attempts: 3}
	c.mu.Unlock()

	c.sweep()
	require.Equal(t, 0, c.retryAttempts(peer))
}

func TestSweepPrunesAbsentPeers(t *testing.T) {
	transport := newFakeTransport("local")
	c := newTestCoordinator(t, transport)
	peer := PeerIdentity{ID: "peer-gone"}

	c.PeerFound(peer, nil)
	c.ConnectionStateChanged(peer, StateDisconnected)

	c.mu.Lock()
	c.lastSeen[peer.ID] = time.Now().Add(-2 * c.cfg.PruneAfter)
	c.mu.Unlock()

	c.sweep()

	c.mu.Lock()
	_, hasState := c.states[peer.ID]
	_, hasRetries := c.retries[peer.ID]
	_, hasSeen := c.lastSeen[peer.ID]
	c.mu.Unlock()
	require.False(t, hasState)
	require.False(t, hasRetries)
	require.False(t, hasSeen)
}

func TestSweepRestartsDiscoveryWhenIsolated(t *testing.T) {
	transport := newFakeTransport("local")
	c := newTestCoordinator(t, transport)

	c.sweep()

	// No connections, nothing pending: discovery gets stopped and started
	// again after the settle delay.
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.advertiseCalls >= 1 && transport.browseCalls >= 1
	}, time.Second, time.Millisecond)
}

func TestSweepDoesNotRestartDiscoveryWhenConnected(t *testing.T) {
	transport := newFakeTransport("local")
	c := newTestCoordinator(t, transport)

	c.ConnectionStateChanged(PeerIdentity{ID: "peer-b"}, StateConnected)
	c.sweep()

	time.Sleep(50 * time.Millisecond)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Zero(t, transport.advertiseCalls)
	require.Zero(t, transport.browseCalls)
}

func TestQualityHeuristicRestartsDiscovery(t *testing.T) {
	transport := newFakeTransport("local")
	cfg := newTestConfig()
	cfg.QualityInterval = 10 * time.Millisecond
	c := New(transport, Profile{DisplayName: "local"}, cfg)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	// One pending handshake, zero connected: instability by the heuristic.
	c.ConnectionStateChanged(PeerIdentity{ID: "peer-b"}, StateConnecting)
	c.Start()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.advertiseCalls >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweepIntervalFollowsMode(t *testing.T) {
	transport := newFakeTransport("local")
	cfg := newTestConfig()
	cfg.SweepInterval = 15 * time.Second
	cfg.SweepIntervalBackground = 30 * time.Second
	c := New(transport, Profile{DisplayName: "local"}, cfg)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	require.Equal(t, 15*time.Second, c.sweepInterval())
	c.SetMode(Background)
	require.Equal(t, 30*time.Second, c.sweepInterval())
	c.SetMode(Foreground)
	require.Equal(t, 15*time.Second, c.sweepInterval())
}
