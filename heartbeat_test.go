package pgleaseguard

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeartbeat_SoftRemainingSkipsEarly covers the "not near expiry yet"
// no-op branch: a fresh lease must not trigger any heartbeat attempt.
func TestHeartbeat_SoftRemainingSkipsEarly(t *testing.T) {
	fs := &fakeSession{}
	c := newTestClient(t)
	c.dial = dialer(fs)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.heartbeatIfNeeded(context.Background()))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Empty(t, fs.labels)
}

// TestHeartbeat_HardWaitFailureReconnects is spec.md §8 end-to-end
// scenario 4: an expired lease forces a hard-wait heartbeat; the
// SetSessionLabel call fails with a transient transport error; under the
// default reconnect error mode the client ends up dead with its session
// disposed, and the next query reconnects onto a fresh session.
func TestHeartbeat_HardWaitFailureReconnects(t *testing.T) {
	fs1 := &fakeSession{setLabelErr: syscall.ECONNRESET}
	fs2 := &fakeSession{}
	dialed := 0
	c := newTestClient(t, func(cfg *Config) {
		cfg.HeartbeatHardWaitRemaining = time.Hour
		cfg.HeartbeatErrorMode = HeartbeatReconnect
	})
	c.dial = func(ctx context.Context, connString, label string) (session.Session, error) {
		dialed++
		if dialed == 1 {
			return fs1, nil
		}
		return fs2, nil
	}

	require.NoError(t, c.Connect(context.Background()))

	c.mu.Lock()
	c.leaseExpiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	require.NoError(t, c.heartbeatIfNeeded(context.Background()))

	stats := c.Stats()
	assert.Equal(t, "dead", stats.State)

	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()
	assert.Nil(t, underlying)

	_, err := c.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Same(t, fs2, c.underlying)
}

// TestHeartbeat_Timeout is spec.md §8 end-to-end scenario 5: the
// heartbeat's SetSessionLabel call hangs well past heartbeatTimeoutMs; it
// must resolve as a failure close to the timeout, not the hang duration.
func TestHeartbeat_Timeout(t *testing.T) {
	fs := &fakeSession{setLabelDelay: 200 * time.Millisecond}
	c := newTestClient(t, func(cfg *Config) {
		cfg.HeartbeatTimeout = 5 * time.Millisecond
		cfg.HeartbeatHardWaitRemaining = time.Hour
	})
	c.dial = dialer(fs)
	require.NoError(t, c.Connect(context.Background()))

	c.mu.Lock()
	c.leaseExpiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	start := time.Now()
	require.NoError(t, c.heartbeatIfNeeded(context.Background()))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, "dead", c.Stats().State)
}

// TestHeartbeat_SwallowModeLeavesSessionAlive checks that heartbeatErrorMode
// "swallow" logs the failure but does not dispose the session.
func TestHeartbeat_SwallowModeLeavesSessionAlive(t *testing.T) {
	fs := &fakeSession{setLabelErr: syscall.ECONNRESET}
	c := newTestClient(t, func(cfg *Config) {
		cfg.HeartbeatHardWaitRemaining = time.Hour
		cfg.HeartbeatErrorMode = HeartbeatSwallow
	})
	c.dial = dialer(fs)
	require.NoError(t, c.Connect(context.Background()))

	c.mu.Lock()
	c.leaseExpiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	require.NoError(t, c.heartbeatIfNeeded(context.Background()))
	assert.Equal(t, "connected", c.Stats().State)
}
