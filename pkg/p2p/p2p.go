// Package p2p implements the session Transport over libp2p: a TCP host with
// a persistent Ed25519 identity, mDNS advertise/browse on the local link,
// and length-prefixed opaque frames on a dedicated protocol stream.
package p2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/offmesh/offmesh/pkg/session"
)

const (
	// ProtocolID is the stream protocol for chat envelopes.
	ProtocolID = "/offmesh/chat/1.0.0"
	// ServiceName is the mDNS service tag for discovery.
	ServiceName = "offmesh-chat"

	// maxFrame bounds a single inbound envelope frame.
	maxFrame = 16 << 20

	dialTimeout = 10 * time.Second
)

// Transport is the libp2p-backed session.Transport.
type Transport struct {
	host host.Host
	log  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	displayName string
	events      session.Events
	svc         mdns.Service
	advertising bool
	browsing    bool
	found       map[peer.ID]peer.AddrInfo
}

// New creates a transport listening on the given TCP port (0 picks a free
// one). A nil key generates a throwaway identity; pass a persisted key to
// keep a stable peer ID across restarts.
func New(port int, displayName string, key crypto.PrivKey, log *logrus.Logger) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)),
	}
	if key != nil {
		opts = append(opts, libp2p.Identity(key))
	} else {
		opts = append(opts, libp2p.RandomIdentity)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		host:        h,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		displayName: displayName,
		found:       make(map[peer.ID]peer.AddrInfo),
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    t.peerConnected,
		DisconnectedF: t.peerDisconnected,
	})

	log.WithField("peer", h.ID().String()).Info("libp2p host up")
	return t, nil
}

// Host exposes the underlying libp2p host (listen addresses, peerstore).
func (t *Transport) Host() host.Host { return t.host }

func (t *Transport) Identity() session.PeerIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return session.PeerIdentity{ID: t.host.ID().String(), DisplayName: t.displayName}
}

func (t *Transport) SetEvents(events session.Events) {
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()
}

func (t *Transport) eventSink() session.Events {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// The single mDNS service covers both advertising and browsing; the two
// Start/Stop pairs gate which halves are active. The service runs while
// either half is on.

func (t *Transport) StartAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertising = true
	return t.ensureServiceLocked()
}

func (t *Transport) StopAdvertising() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertising = false
	t.stopServiceIfIdleLocked()
}

func (t *Transport) StartBrowsing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browsing = true
	return t.ensureServiceLocked()
}

func (t *Transport) StopBrowsing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browsing = false
	t.stopServiceIfIdleLocked()
}

func (t *Transport) ensureServiceLocked() error {
	if t.svc != nil {
		return nil
	}
	svc := mdns.NewMdnsService(t.host, ServiceName, &discoveryNotifee{transport: t})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS service: %w", err)
	}
	t.svc = svc
	return nil
}

func (t *Transport) stopServiceIfIdleLocked() {
	if t.advertising || t.browsing || t.svc == nil {
		return
	}
	if err := t.svc.Close(); err != nil {
		t.log.WithError(err).Warn("error closing mDNS service")
	}
	t.svc = nil
}

// discoveryNotifee forwards mDNS hits into the event sink.
type discoveryNotifee struct {
	transport *Transport
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	t := n.transport
	if pi.ID == t.host.ID() || len(pi.Addrs) == 0 {
		return
	}

	t.mu.Lock()
	t.found[pi.ID] = pi
	browsing := t.browsing
	sink := t.events
	t.mu.Unlock()

	t.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)

	if browsing && sink != nil {
		sink.PeerFound(identityFor(pi.ID), nil)
	}
}

func (t *Transport) Invite(ctx context.Context, p session.PeerIdentity, timeout time.Duration) error {
	pid, err := peer.Decode(p.ID)
	if err != nil {
		return fmt.Errorf("invalid peer ID %q: %w", p.ID, err)
	}

	t.mu.Lock()
	pi, ok := t.found[pid]
	t.mu.Unlock()
	if !ok {
		pi = peer.AddrInfo{ID: pid, Addrs: t.host.Peerstore().Addrs(pid)}
	}
	if len(pi.Addrs) == 0 {
		return fmt.Errorf("no known addresses for peer %s", p.Short())
	}

	if sink := t.eventSink(); sink != nil {
		sink.ConnectionStateChanged(p, session.StateConnecting)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := t.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("failed to connect to peer %s: %w", p.Short(), err)
	}
	return nil
}

// ConnectAddr dials a peer by multiaddress, for manual connection from the
// CLI.
func (t *Transport) ConnectAddr(addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return fmt.Errorf("invalid multiaddress: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("failed to get peer info: %w", err)
	}

	if sink := t.eventSink(); sink != nil {
		sink.ConnectionStateChanged(identityFor(pi.ID), session.StateConnecting)
	}

	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	defer cancel()
	if err := t.host.Connect(ctx, *pi); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// peerConnected fires on the first connection to a peer.
func (t *Transport) peerConnected(net network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) > 1 {
		return
	}
	if sink := t.eventSink(); sink != nil {
		sink.ConnectionStateChanged(identityFor(remote), session.StateConnected)
	}
}

// peerDisconnected fires when the last connection to a peer closes.
func (t *Transport) peerDisconnected(net network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) > 0 {
		return
	}
	if sink := t.eventSink(); sink != nil {
		sink.ConnectionStateChanged(identityFor(remote), session.StateDisconnected)
	}
}

// Send opens a fresh stream per target and writes one length-prefixed
// frame. Failures are collected into a single TransmitError.
func (t *Transport) Send(data []byte, to []session.PeerIdentity) error {
	var failed []session.PeerIdentity
	var lastErr error
	for _, p := range to {
		if err := t.sendOne(data, p); err != nil {
			failed = append(failed, p)
			lastErr = err
		}
	}
	if len(failed) > 0 {
		return &session.TransmitError{Peers: failed, Err: lastErr}
	}
	return nil
}

func (t *Transport) sendOne(data []byte, p session.PeerIdentity) error {
	pid, err := peer.Decode(p.ID)
	if err != nil {
		return fmt.Errorf("invalid peer ID %q: %w", p.ID, err)
	}

	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", p.Short(), err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.log.WithError(err).Debug("error closing send stream")
		}
	}()

	if err := binary.Write(s, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// handleStream reads length-prefixed frames until the remote closes and
// hands each one to the event sink.
func (t *Transport) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	defer func() {
		if err := s.Close(); err != nil {
			t.log.WithError(err).Debug("error closing receive stream")
		}
	}()

	for {
		var size uint32
		if err := binary.Read(s, binary.BigEndian, &size); err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.WithError(err).WithField("peer", remote.String()).Debug("stream read ended")
			}
			return
		}
		if size > maxFrame {
			t.log.WithField("peer", remote.String()).Warn("oversized frame, dropping stream")
			return
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(s, data); err != nil {
			t.log.WithError(err).WithField("peer", remote.String()).Debug("truncated frame")
			return
		}
		if sink := t.eventSink(); sink != nil {
			sink.DataReceived(data, identityFor(remote))
		}
	}
}

func (t *Transport) IsConnected(p session.PeerIdentity) bool {
	pid, err := peer.Decode(p.ID)
	if err != nil {
		return false
	}
	return t.host.Network().Connectedness(pid) == network.Connected
}

// Rebind drops every session and re-announces under the new display name.
// The peer ID is key-derived and survives the rebind.
func (t *Transport) Rebind(identity session.PeerIdentity) error {
	for _, conn := range t.host.Network().Conns() {
		if err := t.host.Network().ClosePeer(conn.RemotePeer()); err != nil {
			t.log.WithError(err).Debug("error closing peer during rebind")
		}
	}

	t.mu.Lock()
	t.displayName = identity.DisplayName
	restart := t.svc != nil
	if restart {
		if err := t.svc.Close(); err != nil {
			t.log.WithError(err).Warn("error closing mDNS service during rebind")
		}
		t.svc = nil
	}
	var err error
	if restart {
		err = t.ensureServiceLocked()
	}
	t.mu.Unlock()
	return err
}

func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	if t.svc != nil {
		if err := t.svc.Close(); err != nil {
			t.log.WithError(err).Warn("error closing mDNS service")
		}
		t.svc = nil
	}
	t.mu.Unlock()
	return t.host.Close()
}

func identityFor(pid peer.ID) session.PeerIdentity {
	return session.PeerIdentity{ID: pid.String()}
}
