package session

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects the periodic-sweep cadence. Background mode slows the sweep
// to save radio and battery; nothing else changes.
type Mode int

const (
	Foreground Mode = iota
	Background
)

func (m Mode) String() string {
	if m == Background {
		return "background"
	}
	return "foreground"
}

// Config carries the Coordinator tunables. Zero values are replaced with
// the defaults below, so a zero Config is usable.
type Config struct {
	// MaxConnectAttempts caps discovery-triggered connection attempts per
	// peer. Beyond the cap, found events for that peer are ignored until a
	// successful connection clears the counter.
	MaxConnectAttempts int

	// MaxSendAttempts caps total transmissions per outbound envelope,
	// including the first one.
	MaxSendAttempts int

	// SendBaseInterval is the base of the exponential send backoff: the
	// wait before retry N is SendBaseInterval << (N-1).
	SendBaseInterval time.Duration

	// SweepInterval / SweepIntervalBackground drive the reconnection sweep.
	SweepInterval           time.Duration
	SweepIntervalBackground time.Duration

	// QualityInterval drives the connected-vs-pending instability check.
	QualityInterval time.Duration

	// StabilizeDelay is how long to let a fresh link settle before the
	// bidirectional profile exchange.
	StabilizeDelay time.Duration

	// InviteTimeout bounds a single connection invitation.
	InviteTimeout time.Duration

	// DiscoveryRetryDelay is the fixed delay before retrying a failed
	// advertise or browse start.
	DiscoveryRetryDelay time.Duration

	// DiscoverySettleDelay is the pause between stopping and restarting
	// discovery during a restart.
	DiscoverySettleDelay time.Duration

	// StaleHandshakeAfter is how long a Connecting entry may linger before
	// the sweep prunes it.
	StaleHandshakeAfter time.Duration

	// PruneAfter is how long an absent, disconnected peer's bookkeeping is
	// kept before the sweep drops it.
	PruneAfter time.Duration

	Logger *logrus.Logger
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts:      5,
		MaxSendAttempts:         5,
		SendBaseInterval:        2 * time.Second,
		SweepInterval:           15 * time.Second,
		SweepIntervalBackground: 30 * time.Second,
		QualityInterval:         10 * time.Second,
		StabilizeDelay:          500 * time.Millisecond,
		InviteTimeout:           30 * time.Second,
		DiscoveryRetryDelay:     5 * time.Second,
		DiscoverySettleDelay:    time.Second,
		StaleHandshakeAfter:     30 * time.Second,
		PruneAfter:              5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = def.MaxSendAttempts
	}
	if c.SendBaseInterval <= 0 {
		c.SendBaseInterval = def.SendBaseInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SweepIntervalBackground <= 0 {
		c.SweepIntervalBackground = def.SweepIntervalBackground
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = def.QualityInterval
	}
	if c.StabilizeDelay <= 0 {
		c.StabilizeDelay = def.StabilizeDelay
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = def.InviteTimeout
	}
	if c.DiscoveryRetryDelay <= 0 {
		c.DiscoveryRetryDelay = def.DiscoveryRetryDelay
	}
	if c.DiscoverySettleDelay <= 0 {
		c.DiscoverySettleDelay = def.DiscoverySettleDelay
	}
	if c.StaleHandshakeAfter <= 0 {
		c.StaleHandshakeAfter = def.StaleHandshakeAfter
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = def.PruneAfter
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}
