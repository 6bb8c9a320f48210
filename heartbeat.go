package pgleaseguard

import (
	"context"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/session"
)

// heartbeatIfNeeded implements spec.md §4.4's heartbeat scheduling: a
// no-op when leasing is disabled or the lease is not yet near expiry;
// otherwise it ensures exactly one heartbeat attempt is in flight
// (de-duplicated via heartbeatInFlight) and, under the hard-wait
// threshold, blocks the caller on it.
func (c *Client) heartbeatIfNeeded(ctx context.Context) error {
	if c.leaseMgr == nil {
		return nil
	}

	c.mu.Lock()
	remaining := time.Until(c.leaseExpiresAt)
	if remaining > c.cfg.HeartbeatSoftRemaining {
		c.mu.Unlock()
		return nil
	}

	hardWait := remaining < c.cfg.HeartbeatHardWaitRemaining
	ch := c.heartbeatInFlight
	if ch == nil {
		ch = make(chan struct{})
		c.heartbeatInFlight = ch
		gen := c.generation
		sess := c.underlying
		c.mu.Unlock()
		go c.runHeartbeat(gen, sess, ch)
	} else {
		c.mu.Unlock()
	}

	if !hardWait {
		return nil
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	err := c.heartbeatErr
	c.mu.Unlock()
	if err != nil && c.cfg.HeartbeatErrorMode == HeartbeatThrow {
		return err
	}
	return nil
}

func (c *Client) runHeartbeat(gen uint64, sess session.Session, ch chan struct{}) {
	err := c.doHeartbeat(gen, sess)

	c.mu.Lock()
	c.heartbeatErr = err
	c.heartbeatInFlight = nil
	c.mu.Unlock()
	close(ch)
}

// doHeartbeat mints a new label and races SetSessionLabel against
// cfg.HeartbeatTimeout. It updates leaseExpiresAt only if, on completion,
// the captured generation and session still match the current ones —
// otherwise a stale heartbeat cannot clobber state a newer reconnect
// already moved past.
func (c *Client) doHeartbeat(gen uint64, sess session.Session) error {
	if sess == nil {
		return ErrClosed
	}

	newExpiry := time.Now().Add(c.cfg.LeaseTTL)
	label, err := c.leaseMgr.Mint(c.cfg.ServiceName, c.cfg.InstanceName, newExpiry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatTimeout)
	defer cancel()

	if err := sess.SetSessionLabel(ctx, label); err != nil {
		c.emitHeartbeatFail(HeartbeatFailEvent{Gen: gen, Err: err})
		c.applyHeartbeatErrorMode(err)
		return err
	}

	c.mu.Lock()
	stillCurrent := c.generation == gen && c.underlying == sess
	if stillCurrent {
		c.leaseExpiresAt = newExpiry
	}
	c.mu.Unlock()

	if stillCurrent {
		c.emitHeartbeat(HeartbeatEvent{Gen: gen})
	}
	return nil
}

func (c *Client) applyHeartbeatErrorMode(err error) {
	switch c.cfg.HeartbeatErrorMode {
	case HeartbeatReconnect:
		c.dispose("heartbeat failure", true)
	case HeartbeatSwallow:
		c.log.Warn().Err(err).Msg("heartbeat failed; swallowed per heartbeatErrorMode")
	case HeartbeatThrow:
		// Propagated to the hard-waiting caller via heartbeatErr; a
		// background (soft) heartbeat has no caller to throw to and is
		// only logged.
		c.log.Warn().Err(err).Msg("heartbeat failed; throw mode has no waiting caller for a background attempt")
	}
}
