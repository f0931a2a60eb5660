package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dispatchAndWait(t *testing.T, r *retrier, env Envelope, targets []PeerIdentity) error {
	t.Helper()
	var (
		mu     sync.Mutex
		result error
		fired  int
	)
	done := make(chan struct{})
	r.dispatch(context.Background(), env, targets, func(err error) {
		mu.Lock()
		result = err
		fired++
		mu.Unlock()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch to finish")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, fired, "completion hook must fire exactly once")
	return result
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	transport := newFakeTransport("local")
	r := newRetrier(transport, newTestConfig().withDefaults())

	env := NewProfileRequestEnvelope()
	err := dispatchAndWait(t, r, env, []PeerIdentity{{ID: "peer-b"}})
	require.NoError(t, err)
	require.Equal(t, 1, transport.sendCount())
}

func TestRetryExhaustionStopsAtCap(t *testing.T) {
	transport := newFakeTransport("local")
	transport.setSendErr(errors.New("unreachable"))
	cfg := newTestConfig().withDefaults()
	r := newRetrier(transport, cfg)

	err := dispatchAndWait(t, r, NewProfileRequestEnvelope(), []PeerIdentity{{ID: "peer-b"}})
	require.Error(t, err)
	require.Equal(t, cfg.MaxSendAttempts, transport.sendCount())

	// No further attempts after exhaustion.
	time.Sleep(10 * cfg.SendBaseInterval)
	require.Equal(t, cfg.MaxSendAttempts, transport.sendCount())
}

func TestRetryBackoffMonotonicity(t *testing.T) {
	transport := newFakeTransport("local")
	transport.setSendErr(errors.New("unreachable"))
	cfg := newTestConfig()
	cfg.SendBaseInterval = 20 * time.Millisecond
	r := newRetrier(transport, cfg.withDefaults())

	err := dispatchAndWait(t, r, NewProfileRequestEnvelope(), []PeerIdentity{{ID: "peer-b"}})
	require.Error(t, err)

	transport.mu.Lock()
	times := append([]time.Time(nil), transport.sendTimes...)
	transport.mu.Unlock()
	require.Len(t, times, cfg.MaxSendAttempts)

	// Retry N starts no earlier than base * 2^(N-1) after failure N-1.
	for n := 1; n < len(times); n++ {
		minGap := cfg.SendBaseInterval << (n - 1)
		gap := times[n].Sub(times[n-1])
		require.GreaterOrEqual(t, gap, minGap, "retry %d fired too early", n)
	}
}

func TestRetryRecoversMidSchedule(t *testing.T) {
	transport := newFakeTransport("local")
	transport.setSendErr(errors.New("flaky"))
	r := newRetrier(transport, newTestConfig().withDefaults())

	go func() {
		time.Sleep(8 * time.Millisecond)
		transport.setSendErr(nil)
	}()

	err := dispatchAndWait(t, r, NewProfileRequestEnvelope(), []PeerIdentity{{ID: "peer-b"}})
	require.NoError(t, err)
	require.Less(t, transport.sendCount(), 5)
}

func TestRetryCancelledByContext(t *testing.T) {
	transport := newFakeTransport("local")
	transport.setSendErr(errors.New("unreachable"))
	cfg := newTestConfig()
	cfg.SendBaseInterval = time.Hour // first retry would wait forever
	r := newRetrier(transport, cfg.withDefaults())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r.dispatch(ctx, NewProfileRequestEnvelope(), []PeerIdentity{{ID: "peer-b"}}, func(err error) {
		done <- err
	})

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
	require.Equal(t, 1, transport.sendCount())
}
