package pgleaseguard

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgleaseguard/pgleaseguard/internal/session"
)

// disposeTimeout bounds how long a graceful session close is allowed to
// take; dispose never awaits it indefinitely.
const disposeTimeout = 5 * time.Second

// dispose detaches the current underlying session (if any) and closes it,
// swallowing close errors. bumpGeneration controls whether this counts as
// the kind of state transition that must invalidate in-flight
// reconciliation (a reconnect or a fatal event) as opposed to the
// pre-retry cleanup step inside doConnect, which must not double-bump.
func (c *Client) dispose(reason string, bumpGeneration bool) {
	c.mu.Lock()
	sess := c.underlying
	c.underlying = nil
	if bumpGeneration {
		c.generation++
	}
	if c.st != stateClosed {
		c.st = stateDead
	}
	c.mu.Unlock()

	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		c.log.Warn().Err(err).Str("reason", reason).Msg("dispose: session close failed")
	}
}

// handleFatal is the fatal-event handler attached to every underlying
// session (spec.md §4.4 "Dispose & fatal-event handler"). It must never
// throw: it marks the client dead, bumps generation, detaches the session
// only if it is still the current one, emits onClientDead, and
// best-effort closes the session without the caller awaiting it.
func (c *Client) handleFatal(gen uint64, sess session.Session, source string, err error) {
	c.mu.Lock()
	current := c.underlying == sess
	c.generation++
	if c.st != stateClosed {
		c.st = stateDead
	}
	if current {
		c.underlying = nil
	}
	c.mu.Unlock()

	c.emitClientDead(ClientDeadEvent{Source: source, Err: err, Meta: extractDeadMeta(err)})

	if current {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
			defer cancel()
			_ = sess.Close(ctx)
		}()
	}
}

// extractDeadMeta pulls the triage-useful fields spec.md §4.4 names out of
// a fatal error without assuming which concrete error type produced it.
func extractDeadMeta(err error) ClientDeadMeta {
	var meta ClientDeadMeta

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		meta.Code = pgErr.Code
		meta.SQLState = pgErr.Code
		meta.Severity = pgErr.Severity
		meta.Routine = pgErr.Routine
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		meta.Errno = errno.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		meta.Syscall = opErr.Op
		if opErr.Addr != nil {
			meta.Address = opErr.Addr.String()
		}
	}

	return meta
}

// Close ends the client permanently: any in-flight session is closed and
// no further Connect/Query/Exec call succeeds. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.st = stateClosed
	sess := c.underlying
	c.underlying = nil
	c.mu.Unlock()

	var closeErr error
	if sess != nil {
		closeErr = sess.Close(ctx)
	}
	if c.eventBus != nil {
		if err := c.eventBus.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}
