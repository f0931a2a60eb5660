package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var errTest = errors.New("test error")

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestConfig returns a config with sweeps effectively disabled and short
// delays so tests drive events explicitly and fast.
func newTestConfig() Config {
	cfg := DefaultConfig()
	cfg.SendBaseInterval = 5 * time.Millisecond
	cfg.StabilizeDelay = 10 * time.Millisecond
	cfg.InviteTimeout = 200 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.SweepIntervalBackground = time.Hour
	cfg.QualityInterval = time.Hour
	cfg.DiscoveryRetryDelay = 10 * time.Millisecond
	cfg.DiscoverySettleDelay = time.Millisecond
	cfg.Logger = newTestLogger()
	return cfg
}

// fakeTransport is a scriptable Transport recording every call.
type fakeTransport struct {
	mu        sync.Mutex
	identity  PeerIdentity
	events    Events
	inviteErr error
	sendErr   error
	invites   []PeerIdentity
	sends     [][]byte
	sendTimes []time.Time
	connected map[string]bool

	advertiseCalls int
	browseCalls    int
	advertiseErr   error
	browseErr      error
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		identity:  PeerIdentity{ID: id},
		connected: make(map[string]bool),
	}
}

func (f *fakeTransport) Identity() PeerIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeTransport) SetEvents(events Events) {
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
}

func (f *fakeTransport) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertiseCalls++
	return f.advertiseErr
}

func (f *fakeTransport) StopAdvertising() {}

func (f *fakeTransport) StartBrowsing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browseCalls++
	return f.browseErr
}

func (f *fakeTransport) StopBrowsing() {}

func (f *fakeTransport) Invite(ctx context.Context, peer PeerIdentity, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, peer)
	return f.inviteErr
}

func (f *fakeTransport) Send(data []byte, to []PeerIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, data)
	f.sendTimes = append(f.sendTimes, time.Now())
	if f.sendErr != nil {
		return &TransmitError{Peers: to, Err: f.sendErr}
	}
	return nil
}

func (f *fakeTransport) IsConnected(peer PeerIdentity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[peer.ID]
}

func (f *fakeTransport) Rebind(identity PeerIdentity) error {
	f.mu.Lock()
	f.identity.DisplayName = identity.DisplayName
	f.connected = make(map[string]bool)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) setConnected(peer PeerIdentity, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[peer.ID] = up
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}
