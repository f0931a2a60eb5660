package session

import "time"

// sweepLoop runs the periodic reconnection sweep. The interval follows the
// current mode; background mode sweeps at half the pace.
func (c *Coordinator) sweepLoop() {
	timer := time.NewTimer(c.sweepInterval())
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.sweep()
			timer.Reset(c.sweepInterval())
		}
	}
}

func (c *Coordinator) sweepInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Background {
		return c.cfg.SweepIntervalBackground
	}
	return c.cfg.SweepInterval
}

// sweep prunes stale handshakes and absent peers, clears retry counters for
// peers that are in fact connected, and restarts discovery when the node is
// fully isolated (no connections, nothing pending) on the theory that
// discovery itself may have stalled.
func (c *Coordinator) sweep() {
	now := time.Now()
	var staleHandshakes []PeerIdentity

	c.mu.Lock()
	for id, since := range c.pending {
		if c.transport.IsConnected(PeerIdentity{ID: id}) {
			continue
		}
		if now.Sub(since) < c.cfg.StaleHandshakeAfter {
			continue
		}
		delete(c.pending, id)
		c.states[id] = StateDisconnected
		ident, ok := c.identities[id]
		if !ok {
			ident = PeerIdentity{ID: id}
		}
		staleHandshakes = append(staleHandshakes, ident)
	}

	connected := 0
	for id, st := range c.states {
		if st != StateConnected {
			continue
		}
		connected++
		// Defensive cleanup: a connected peer must not keep a counter.
		delete(c.retries, id)
	}

	// Drop bookkeeping for peers absent long enough that neither a
	// connection nor a pending attempt exists.
	for id, seen := range c.lastSeen {
		if c.states[id] != StateDisconnected {
			continue
		}
		if _, isPending := c.pending[id]; isPending {
			continue
		}
		if now.Sub(seen) < c.cfg.PruneAfter {
			continue
		}
		delete(c.states, id)
		delete(c.retries, id)
		delete(c.identities, id)
		delete(c.lastSeen, id)
	}

	pendingCount := len(c.pending)
	c.mu.Unlock()

	for _, peer := range staleHandshakes {
		c.log.WithField("peer", peer.Short()).Info("pruned stale handshake")
		c.emitState(peer, StateDisconnected)
	}

	if connected == 0 && pendingCount == 0 {
		c.restartDiscovery("isolated")
	}
}

// qualityLoop runs the network-quality heuristic: fewer connected peers
// than pending handshakes is read as instability and triggers a discovery
// restart. Best effort, not a proof of failure.
func (c *Coordinator) qualityLoop() {
	ticker := time.NewTicker(c.cfg.QualityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := 0
			for _, st := range c.states {
				if st == StateConnected {
					connected++
				}
			}
			pendingCount := len(c.pending)
			c.mu.Unlock()

			if connected < pendingCount {
				c.restartDiscovery("connected below pending")
			}
		}
	}
}

// restartDiscovery stops advertising and browsing, waits for a short settle
// delay, and starts them again. Overlapping restarts collapse into one.
func (c *Coordinator) restartDiscovery(reason string) {
	if !c.restarting.CompareAndSwap(false, true) {
		return
	}
	c.log.WithField("reason", reason).Info("restarting discovery")

	c.transport.StopBrowsing()
	c.transport.StopAdvertising()

	go func() {
		defer c.restarting.Store(false)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.DiscoverySettleDelay):
		}
		c.startDiscovery()
	}()
}
