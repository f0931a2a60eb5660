package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Coordinator owns a Transport and runs the per-peer connection state
// machine: it reacts to discovery and connection events, applies the retry
// cap, drives the periodic sweeps, exchanges profiles on connect, and
// exposes the send/receive surface to the application. All per-peer state
// is private to the Coordinator and guarded by one mutex; the lock is never
// held across transport I/O. UI callbacks are marshalled onto a single
// dispatcher goroutine so collaborators never race.
type Coordinator struct {
	cfg       Config
	log       *logrus.Logger
	transport Transport
	retry     *retrier

	ctx        context.Context
	cancel     context.CancelFunc
	restarting atomic.Bool

	mu         sync.Mutex
	states     map[string]ConnectionState
	identities map[string]PeerIdentity
	pending    map[string]time.Time
	retries    map[string]*retryRecord
	profiles   map[string]Profile
	lastSeen   map[string]time.Time
	profile    Profile
	mode       Mode

	onMessage  func(ChatMessage, PeerIdentity)
	onProfile  func(PeerIdentity, Profile)
	onPeerList func([]PeerIdentity)
	onState    func(PeerIdentity, ConnectionState)
	onStatus   func(string, DeliveryStatus)

	notify chan func()
}

// retryRecord tracks connection attempts for one peer.
type retryRecord struct {
	attempts int
	backoff  time.Duration
}

// New builds a Coordinator over the given transport and registers itself as
// the transport's event sink. Call Start to begin discovery.
func New(t Transport, profile Profile, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		log:        cfg.Logger,
		transport:  t,
		retry:      newRetrier(t, cfg),
		ctx:        ctx,
		cancel:     cancel,
		states:     make(map[string]ConnectionState),
		identities: make(map[string]PeerIdentity),
		pending:    make(map[string]time.Time),
		retries:    make(map[string]*retryRecord),
		profiles:   make(map[string]Profile),
		lastSeen:   make(map[string]time.Time),
		profile:    profile,
		notify:     make(chan func(), 256),
	}
	t.SetEvents(c)
	go c.dispatchLoop()
	return c
}

// Start begins advertising, browsing and the maintenance sweeps. Discovery
// start failures are not fatal: they are routed through the failure
// handlers and retried on a fixed delay.
func (c *Coordinator) Start() {
	c.startDiscovery()
	go c.sweepLoop()
	go c.qualityLoop()
}

// Close cancels all timers and background work, clears in-memory state and
// shuts the transport down. Pending retries and stabilize timers stop with
// the shared context, so no orphaned callbacks fire after disposal.
func (c *Coordinator) Close() error {
	c.cancel()
	c.transport.StopBrowsing()
	c.transport.StopAdvertising()
	c.mu.Lock()
	c.states = make(map[string]ConnectionState)
	c.pending = make(map[string]time.Time)
	c.retries = make(map[string]*retryRecord)
	c.profiles = make(map[string]Profile)
	c.lastSeen = make(map[string]time.Time)
	c.mu.Unlock()
	return c.transport.Close()
}

// Identity returns the transport-assigned local identity.
func (c *Coordinator) Identity() PeerIdentity {
	return c.transport.Identity()
}

// OnMessage registers the received-message callback.
func (c *Coordinator) OnMessage(fn func(ChatMessage, PeerIdentity)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnProfile registers the profile-received callback.
func (c *Coordinator) OnProfile(fn func(PeerIdentity, Profile)) {
	c.mu.Lock()
	c.onProfile = fn
	c.mu.Unlock()
}

// OnPeerListChanged registers the connected-peer-list callback.
func (c *Coordinator) OnPeerListChanged(fn func([]PeerIdentity)) {
	c.mu.Lock()
	c.onPeerList = fn
	c.mu.Unlock()
}

// OnConnectionState registers the per-peer state-change callback.
func (c *Coordinator) OnConnectionState(fn func(PeerIdentity, ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnMessageStatus registers the delivery-status callback. The Coordinator
// reports StatusSent after a successful transmission and StatusFailed after
// the retry engine gives up.
func (c *Coordinator) OnMessageStatus(fn func(id string, status DeliveryStatus)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// ConnectedPeers returns the peers currently in the Connected state, sorted
// by ID.
func (c *Coordinator) ConnectedPeers() []PeerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Coordinator) connectedLocked() []PeerIdentity {
	var peers []PeerIdentity
	for id, st := range c.states {
		if st != StateConnected {
			continue
		}
		ident, ok := c.identities[id]
		if !ok {
			ident = PeerIdentity{ID: id}
		}
		peers = append(peers, ident)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// StateOf returns the current connection state for a peer.
func (c *Coordinator) StateOf(peer PeerIdentity) ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[peer.ID]
}

// GetProfile returns the cached profile for a peer, if one has been
// received during the current session.
func (c *Coordinator) GetProfile(peer PeerIdentity) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[peer.ID]
	return p, ok
}

// SetProfile replaces the local profile shared with peers.
func (c *Coordinator) SetProfile(p Profile) {
	c.mu.Lock()
	c.profile = p
	c.mu.Unlock()
}

// OwnProfile returns the local profile.
func (c *Coordinator) OwnProfile() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Send transmits a chat message. With no explicit targets it broadcasts to
// all currently connected peers; an empty resolved target set is a silent
// no-op. Delivery runs through the retry engine without blocking the
// caller; the outcome is reported via the message-status callback.
func (c *Coordinator) Send(msg ChatMessage, to ...PeerIdentity) {
	targets := to
	if len(targets) == 0 {
		targets = c.ConnectedPeers()
	}
	if len(targets) == 0 {
		c.log.WithField("msg", msg.ID).Debug("no peers to send to")
		return
	}
	c.retry.dispatch(c.ctx, NewMessageEnvelope(msg), targets, func(err error) {
		status := StatusSent
		if err != nil {
			status = StatusFailed
		}
		c.emit(func() {
			if fn := c.statusCallback(); fn != nil {
				fn(msg.ID, status)
			}
		})
	})
}

// ShareProfile sends the local profile to the given peers, or to all
// connected peers when none are given.
func (c *Coordinator) ShareProfile(to ...PeerIdentity) {
	targets := to
	if len(targets) == 0 {
		targets = c.ConnectedPeers()
	}
	if len(targets) == 0 {
		return
	}
	c.retry.dispatch(c.ctx, NewProfileEnvelope(c.OwnProfile()), targets, nil)
}

// RequestProfile asks a peer for its profile.
func (c *Coordinator) RequestProfile(from PeerIdentity) {
	c.retry.dispatch(c.ctx, NewProfileRequestEnvelope(), []PeerIdentity{from}, nil)
}

// SetMode switches the sweep cadence between foreground and background.
func (c *Coordinator) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	c.log.WithField("mode", m.String()).Info("sweep mode changed")
}

// RebindIdentity tears down the transport session and rebinds it under a
// new display name. Existing connections drop by design; all per-peer state
// is cleared and discovery restarts under the new identity.
func (c *Coordinator) RebindIdentity(displayName string) error {
	c.transport.StopBrowsing()
	c.transport.StopAdvertising()

	old := c.transport.Identity()
	if err := c.transport.Rebind(PeerIdentity{ID: old.ID, DisplayName: displayName}); err != nil {
		return err
	}

	c.mu.Lock()
	c.states = make(map[string]ConnectionState)
	c.pending = make(map[string]time.Time)
	c.retries = make(map[string]*retryRecord)
	c.profiles = make(map[string]Profile)
	c.lastSeen = make(map[string]time.Time)
	c.profile.DisplayName = displayName
	c.mu.Unlock()

	c.emitPeerList()
	c.startDiscovery()
	return nil
}

// PeerFound handles a discovery hit. New or disconnected peers under the
// retry cap get an invitation; everyone else is ignored.
func (c *Coordinator) PeerFound(peer PeerIdentity, info map[string]string) {
	if peer.ID == "" || peer.ID == c.transport.Identity().ID {
		return
	}

	c.mu.Lock()
	c.lastSeen[peer.ID] = time.Now()
	c.identities[peer.ID] = peer

	st := c.states[peer.ID]
	if st == StateConnected || st == StateConnecting {
		c.mu.Unlock()
		return
	}

	rec := c.retries[peer.ID]
	if rec == nil {
		rec = &retryRecord{}
		c.retries[peer.ID] = rec
	}
	if rec.attempts >= c.cfg.MaxConnectAttempts {
		c.mu.Unlock()
		c.log.WithField("peer", peer.Short()).Debug("retry cap reached, ignoring discovery")
		return
	}
	rec.attempts++
	rec.backoff = c.cfg.SendBaseInterval << rec.attempts
	attempt := rec.attempts

	c.states[peer.ID] = StateConnecting
	c.pending[peer.ID] = time.Now()
	c.mu.Unlock()

	c.emitState(peer, StateConnecting)
	c.log.WithFields(logrus.Fields{"peer": peer.Short(), "attempt": attempt}).Info("inviting peer")

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.InviteTimeout)
		defer cancel()
		if err := c.transport.Invite(ctx, peer, c.cfg.InviteTimeout); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.WithError(err).WithField("peer", peer.Short()).Warn("invite failed")
			c.ConnectionStateChanged(peer, StateDisconnected)
		}
	}()
}

// PeerLost handles a peer dropping out of the browser's view. A Connected
// session is left alone: lost from the browser does not mean disconnected
// from the session. A pending handshake is abandoned.
func (c *Coordinator) PeerLost(peer PeerIdentity) {
	c.mu.Lock()
	delete(c.pending, peer.ID)
	wasConnecting := c.states[peer.ID] == StateConnecting
	if wasConnecting {
		c.states[peer.ID] = StateDisconnected
	}
	c.mu.Unlock()

	if wasConnecting {
		c.emitState(peer, StateDisconnected)
	}
}

// ConnectionStateChanged applies a transport-reported transition.
func (c *Coordinator) ConnectionStateChanged(peer PeerIdentity, state ConnectionState) {
	switch state {
	case StateConnecting:
		c.mu.Lock()
		c.states[peer.ID] = StateConnecting
		if _, ok := c.pending[peer.ID]; !ok {
			// Covers peer-initiated handshakes we did not invite.
			c.pending[peer.ID] = time.Now()
		}
		c.lastSeen[peer.ID] = time.Now()
		c.mu.Unlock()
		c.emitState(peer, StateConnecting)

	case StateConnected:
		c.mu.Lock()
		c.states[peer.ID] = StateConnected
		delete(c.pending, peer.ID)
		delete(c.retries, peer.ID)
		if peer.DisplayName != "" || c.identities[peer.ID].ID == "" {
			c.identities[peer.ID] = peer
		}
		c.lastSeen[peer.ID] = time.Now()
		c.mu.Unlock()

		c.emitState(peer, StateConnected)
		c.emitPeerList()
		c.log.WithField("peer", peer.Short()).Info("peer connected")

		// Let the link stabilize before the bidirectional profile
		// exchange.
		go func() {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.cfg.StabilizeDelay):
			}
			c.ShareProfile(peer)
			c.RequestProfile(peer)
		}()

	case StateDisconnected:
		c.mu.Lock()
		c.states[peer.ID] = StateDisconnected
		delete(c.pending, peer.ID)
		delete(c.profiles, peer.ID)
		c.lastSeen[peer.ID] = time.Now()
		c.mu.Unlock()

		c.emitState(peer, StateDisconnected)
		c.emitPeerList()
		c.log.WithField("peer", peer.Short()).Info("peer disconnected")
	}
}

// DataReceived decodes inbound bytes and dispatches by envelope kind. A
// decode failure is logged and the data discarded; the receive path never
// fails.
func (c *Coordinator) DataReceived(data []byte, from PeerIdentity) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		c.log.WithError(err).WithField("peer", from.Short()).Warn("discarding undecodable payload")
		return
	}

	c.mu.Lock()
	c.lastSeen[from.ID] = time.Now()
	c.mu.Unlock()

	switch env.Kind {
	case KindMessage:
		msg := *env.Message
		c.emit(func() {
			if fn := c.messageCallback(); fn != nil {
				fn(msg, from)
			}
		})

	case KindProfile:
		profile := *env.Profile
		c.mu.Lock()
		c.profiles[from.ID] = profile
		c.mu.Unlock()
		c.emit(func() {
			if fn := c.profileCallback(); fn != nil {
				fn(from, profile)
			}
		})

	case KindProfileRequest:
		// Answer immediately with our own profile.
		c.ShareProfile(from)
	}
}

// AdvertisingFailed schedules an advertising restart on a fixed delay.
func (c *Coordinator) AdvertisingFailed(err error) {
	c.log.WithError(err).Warn("advertising failed, scheduling retry")
	c.retryDiscoveryOp(c.transport.StartAdvertising, c.AdvertisingFailed)
}

// BrowsingFailed schedules a browsing restart on a fixed delay.
func (c *Coordinator) BrowsingFailed(err error) {
	c.log.WithError(err).Warn("browsing failed, scheduling retry")
	c.retryDiscoveryOp(c.transport.StartBrowsing, c.BrowsingFailed)
}

func (c *Coordinator) retryDiscoveryOp(op func() error, failed func(error)) {
	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.DiscoveryRetryDelay):
		}
		if err := op(); err != nil {
			failed(err)
		}
	}()
}

func (c *Coordinator) startDiscovery() {
	if err := c.transport.StartAdvertising(); err != nil {
		c.AdvertisingFailed(err)
	}
	if err := c.transport.StartBrowsing(); err != nil {
		c.BrowsingFailed(err)
	}
}

// Callback accessors: registration may race with event delivery, so reads
// go through the mutex.

func (c *Coordinator) messageCallback() func(ChatMessage, PeerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage
}

func (c *Coordinator) profileCallback() func(PeerIdentity, Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onProfile
}

func (c *Coordinator) peerListCallback() func([]PeerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onPeerList
}

func (c *Coordinator) stateCallback() func(PeerIdentity, ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onState
}

func (c *Coordinator) statusCallback() func(string, DeliveryStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStatus
}

// emit enqueues a callback invocation for the dispatcher goroutine. The
// queue is bounded; overflow drops the notification rather than blocking
// the event path.
func (c *Coordinator) emit(fn func()) {
	select {
	case c.notify <- fn:
	default:
		c.log.Warn("callback queue full, dropping notification")
	}
}

func (c *Coordinator) emitState(peer PeerIdentity, state ConnectionState) {
	c.emit(func() {
		if fn := c.stateCallback(); fn != nil {
			fn(peer, state)
		}
	})
}

func (c *Coordinator) emitPeerList() {
	peers := c.ConnectedPeers()
	c.emit(func() {
		if fn := c.peerListCallback(); fn != nil {
			fn(peers)
		}
	})
}

// dispatchLoop runs all registered callbacks on one goroutine so the UI
// layer observes a single consistent execution context.
func (c *Coordinator) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.notify:
			fn()
		}
	}
}
