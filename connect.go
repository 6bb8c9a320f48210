package pgleaseguard

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/retry"
	"github.com/pgleaseguard/pgleaseguard/internal/session"
)

// keepaliveInterval drives PGSession's background fatal-event watch. It is
// independent of the heartbeat interval: the keepalive only needs to
// notice a dead socket before the next query would, not track the lease.
const keepaliveInterval = 30 * time.Second

// Connect establishes the underlying session if one is not already
// connected. It is idempotent and single-flight: a caller that arrives
// while a connect is already in progress waits on and receives the result
// of that same attempt rather than starting a second one (spec.md §4.4).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.st == stateConnected && c.underlying != nil {
		c.mu.Unlock()
		return nil
	}
	if ch := c.connectInFlight; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}

	ch := make(chan struct{})
	c.connectInFlight = ch
	c.generation++
	gen := c.generation
	c.st = stateConnecting
	c.mu.Unlock()

	err := c.doConnect(ctx, gen)

	c.mu.Lock()
	c.connectErr = err
	c.connectInFlight = nil
	c.mu.Unlock()
	close(ch)

	return err
}

// doConnect runs the retry loop described in spec.md §4.4 under gen. It
// never mutates c.generation itself; that already happened in Connect
// before this goroutine-local attempt number was captured.
func (c *Client) doConnect(ctx context.Context, gen uint64) error {
	c.dispose("reconnect", false)

	deadline := time.Now().Add(c.cfg.MaxConnectRetryTime)
	var prevDelay time.Duration
	var lastErr error

	for attempt := 1; ; attempt++ {
		sess, expiresAt, err := c.attemptConnect(ctx, gen)
		if err == nil {
			return c.installSession(gen, sess, expiresAt)
		}

		lastErr = err
		if !retry.IsRetryable(err) {
			c.markDead()
			return err
		}
		if time.Now().After(deadline) {
			c.markDead()
			return lastErr
		}

		delay := retry.NextDelay(c.cfg.MinBackoff, c.cfg.MaxBackoff, prevDelay)
		prevDelay = delay
		c.emitReconnect(ReconnectEvent{Gen: gen, Retries: attempt, Delay: delay, Err: err})

		select {
		case <-ctx.Done():
			c.markDead()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// attemptConnect mints a fresh label, opens one new session with it
// installed as the startup application_name, and returns it unconnected
// to client state — installSession decides whether it survives the
// generation guard.
func (c *Client) attemptConnect(ctx context.Context, gen uint64) (session.Session, time.Time, error) {
	label, expiresAt, err := c.mintLabel()
	if err != nil {
		return nil, time.Time{}, err
	}

	sess, err := c.dial(ctx, c.cfg.DSN, label)
	if err != nil {
		return nil, time.Time{}, err
	}

	if watcher, ok := sess.(session.FatalWatcher); ok {
		watcher.OnFatal(func(source string, ferr error) {
			c.handleFatal(gen, sess, source, ferr)
		})
		watcher.StartWatch(keepaliveInterval)
	}

	return sess, expiresAt, nil
}

func (c *Client) mintLabel() (string, time.Time, error) {
	if c.leaseMgr == nil {
		return plainLabel(c.cfg.ServiceName, c.cfg.InstanceName), time.Time{}, nil
	}
	expiresAt := time.Now().Add(c.cfg.LeaseTTL)
	label, err := c.leaseMgr.Mint(c.cfg.ServiceName, c.cfg.InstanceName, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return label, expiresAt, nil
}

// plainLabel is used when leasing is disabled (LeaseModeOptional with no
// secret configured): a human-readable, truncated identifier with none of
// the signature or expiry machinery.
func plainLabel(service, instance string) string {
	label := fmt.Sprintf("%s:%s", service, instance)
	if len(label) > 63 {
		label = label[:63]
	}
	return label
}

// installSession applies the generation guard (spec.md §4.4 step 4): if
// another generation has started since gen was captured — typically
// because a concurrent fatal event fired mid-handshake — the freshly
// connected session is discarded rather than installed.
func (c *Client) installSession(gen uint64, sess session.Session, expiresAt time.Time) error {
	c.mu.Lock()
	if c.generation != gen || c.st == stateClosed {
		closed := c.st == stateClosed
		c.mu.Unlock()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sess.Close(ctx)
		}()
		if closed {
			return ErrClosed
		}
		return nil
	}

	c.underlying = sess
	c.st = stateConnected
	c.leaseExpiresAt = expiresAt
	c.connectPrevDelay = 0
	c.mu.Unlock()

	c.emitConnect(ConnectEvent{Gen: gen})

	if c.cfg.Reaper && c.rpr != nil {
		go c.maybeReap(gen)
	}
	return nil
}

func (c *Client) markDead() {
	c.mu.Lock()
	if c.st != stateClosed {
		c.st = stateDead
	}
	c.mu.Unlock()
}

// maybeReap runs one reaper pass on the connection just installed under
// gen, honoring reaperRunProbability before the cooldown check — the
// resolved reading of spec.md §9's open question, kept as a dedicated
// config knob rather than guessed silently.
func (c *Client) maybeReap(gen uint64) {
	if c.cfg.ReaperRunProbability < 1 && rand.Float64() >= c.cfg.ReaperRunProbability {
		return
	}

	c.mu.Lock()
	due := c.schedule.Due(time.Now())
	sess := c.underlying
	curGen := c.generation
	c.mu.Unlock()
	if !due || sess == nil || curGen != gen {
		return
	}

	start := time.Now()
	result := c.rpr.Run(context.Background(), sess)

	c.mu.Lock()
	c.schedule.RecordResult(time.Now(), result)
	c.lastReapResult = result
	c.mu.Unlock()

	c.emitReap(ReapEvent{Gen: gen, Locked: result.Locked, Killed: result.Killed, Duration: time.Since(start)})
}
