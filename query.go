package pgleaseguard

import (
	"context"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/retry"
	"github.com/pgleaseguard/pgleaseguard/internal/session"
)

// Query runs sql, reconnecting first if disconnected or dead, and
// renewing the lease first if it is nearing expiry.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	start := time.Now()
	c.emitQueryStart(QueryStartEvent{Args: args, StartedAt: start})

	var rows Rows
	err := c.runWithRetry(ctx, func(sess session.Session) error {
		r, err := sess.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})

	if err != nil {
		c.emitQueryError(QueryErrorEvent{Args: args, Err: err, Duration: time.Since(start)})
		return nil, err
	}
	c.emitQueryEnd(QueryEndEvent{Args: args, Duration: time.Since(start)})
	return rows, nil
}

// Exec runs sql and returns the number of rows it affected. Semantics
// mirror Query.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	start := time.Now()
	c.emitQueryStart(QueryStartEvent{Args: args, StartedAt: start})

	var tag CommandTag
	err := c.runWithRetry(ctx, func(sess session.Session) error {
		t, err := sess.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		tag = t
		return nil
	})

	if err != nil {
		c.emitQueryError(QueryErrorEvent{Args: args, Err: err, Duration: time.Since(start)})
		return CommandTag{}, err
	}
	c.emitQueryEnd(QueryEndEvent{Args: args, RowCount: int(tag.RowsAffected), Duration: time.Since(start)})
	return tag, nil
}

// runWithRetry implements spec.md §4.4's query retry loop: connect if
// needed, heartbeat if needed, attempt fn, and on a transient failure
// mark the session dead, dispose it (bumping generation), back off, and
// retry — bounded by both attempt count and cfg.MaxQueryRetryTime.
func (c *Client) runWithRetry(ctx context.Context, fn func(sess session.Session) error) error {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.MaxQueryRetryTime)
	var prevDelay time.Duration
	var lastErr error

	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		c.mu.Lock()
		needsConnect := c.st != stateConnected || c.underlying == nil
		c.mu.Unlock()

		if needsConnect {
			if err := c.Connect(ctx); err != nil {
				return err
			}
		} else if err := c.heartbeatIfNeeded(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		sess := c.underlying
		c.mu.Unlock()
		if sess == nil {
			lastErr = ErrClosed
			continue
		}

		err := fn(sess)
		if err == nil {
			c.queryPrevDelay = 0
			return nil
		}
		lastErr = err

		if !retry.IsRetryable(err) {
			return err
		}
		if attempt >= c.cfg.Retries || time.Now().After(deadline) {
			return err
		}

		c.mu.Lock()
		if c.st != stateClosed {
			c.st = stateDead
		}
		c.mu.Unlock()
		c.dispose("query failure", true)

		delay := retry.NextDelay(c.cfg.MinBackoff, c.cfg.MaxBackoff, prevDelay)
		prevDelay = delay
		c.queryPrevDelay = delay
		c.emitQueryRetry(QueryRetryEvent{Retries: attempt, Delay: delay, Err: err})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
