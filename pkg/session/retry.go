package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// retrier is the delivery retry engine: it wraps transport sends with
// bounded exponential backoff, decoupled from the connection lifecycle. It
// knows nothing about chat-message identity, only envelope bytes and a
// fixed target set. Exhaustion is silent here apart from the completion
// hook.
type retrier struct {
	transport Transport
	log       *logrus.Logger

	maxAttempts  int
	baseInterval time.Duration
}

func newRetrier(t Transport, cfg Config) *retrier {
	return &retrier{
		transport:    t,
		log:          cfg.Logger,
		maxAttempts:  cfg.MaxSendAttempts,
		baseInterval: cfg.SendBaseInterval,
	}
}

// dispatch encodes the envelope and sends it to the fixed target set on a
// background goroutine. done, if non-nil, is invoked exactly once with nil
// on the first successful transmission or with the last transport error
// after the final attempt. The caller never blocks.
func (r *retrier) dispatch(ctx context.Context, env Envelope, targets []PeerIdentity, done func(error)) {
	data, err := EncodeEnvelope(env)
	if err != nil {
		r.log.WithError(err).Warn("dropping unencodable envelope")
		if done != nil {
			done(err)
		}
		return
	}

	// The target set is fixed at dispatch time. Peers that disconnect
	// mid-retry just keep failing until the schedule is exhausted.
	fixed := make([]PeerIdentity, len(targets))
	copy(fixed, targets)

	go r.run(ctx, data, fixed, done)
}

func (r *retrier) run(ctx context.Context, data []byte, targets []PeerIdentity, done func(error)) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			// Retry N waits baseInterval << (N-1): 2s, 4s, 8s, 16s.
			delay := r.baseInterval << (attempt - 1)
			select {
			case <-ctx.Done():
				if done != nil {
					done(ctx.Err())
				}
				return
			case <-time.After(delay):
			}
		}

		lastErr = r.transport.Send(data, targets)
		if lastErr == nil {
			if done != nil {
				done(nil)
			}
			return
		}
		r.log.WithError(lastErr).WithField("attempt", attempt+1).Debug("send failed")
	}

	r.log.WithError(lastErr).WithField("attempts", r.maxAttempts).Warn("send abandoned after retries")
	if done != nil {
		done(lastErr)
	}
}
