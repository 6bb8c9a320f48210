// Package retry classifies database errors as transient or permanent and
// computes decorrelated-jitter backoff delays for the connect and query
// retry loops in the client package.
package retry

import (
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for retry purposes.
type Kind int

const (
	// Permanent errors must never be retried.
	Permanent Kind = iota
	// TransientTransport is a socket-level failure (reset, refused, timeout, ...).
	TransientTransport
	// TransientDatabase is a database-reported connection-exception class error.
	TransientDatabase
)

func (k Kind) String() string {
	switch k {
	case TransientTransport:
		return "transient_transport"
	case TransientDatabase:
		return "transient_database"
	default:
		return "permanent"
	}
}

// transientErrnos mirrors spec.md's transport-code set.
var transientErrnos = map[syscall.Errno]bool{
	syscall.ECONNRESET:   true,
	syscall.EPIPE:        true,
	syscall.ETIMEDOUT:    true,
	syscall.ECONNREFUSED: true,
	syscall.ENETUNREACH:  true,
	syscall.EHOSTUNREACH: true,
	syscall.ECONNABORTED: true,
	syscall.EADDRINUSE:   true,
}

// transientSQLStates are the SQLSTATE codes that indicate the connection
// itself is unusable rather than the statement being wrong.
var transientSQLStates = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

const transientMessageA = "Connection terminated unexpectedly"
const transientMessageB = "sorry, too many clients already"

// IsRetryable reports whether err should be retried by the connect or
// query loop. Serialization failures (40001, 40P01) are deliberately
// classified as permanent to avoid duplicating non-idempotent writes.
func IsRetryable(err error) bool {
	return Classify(err) != Permanent
}

// Classify returns the retry Kind for err.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}

	if msg := err.Error(); strings.Contains(msg, transientMessageA) || strings.Contains(msg, transientMessageB) {
		return TransientTransport
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if transientErrnos[errno] {
			return TransientTransport
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var nestedErrno syscall.Errno
		if errors.As(opErr.Err, &nestedErrno) && transientErrnos[nestedErrno] {
			return TransientTransport
		}
		// DNS resolution and other plain dial/read/write failures without a
		// concrete errno (e.g. EAI_AGAIN-class resolver errors) still mean
		// the socket never came up, which is transient.
		if opErr.Op == "dial" || opErr.Timeout() {
			return TransientTransport
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return TransientTransport
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return TransientDatabase
		}
		if transientSQLStates[pgErr.Code] {
			return TransientDatabase
		}
		// 23xxx (integrity), 42xxx (syntax), 40001/40P01 (serialization) all
		// fall through to Permanent on purpose.
		return Permanent
	}

	if errors.Is(err, net.ErrClosed) {
		return TransientTransport
	}

	return Permanent
}

// NextDelay computes the decorrelated-jitter backoff delay:
//
//	delay = min(cap, uniform(base, prev*3))
//
// prev should be 0 on the first retry (seeded internally to base).
func NextDelay(base, cap, prev time.Duration) time.Duration {
	if prev <= 0 {
		prev = base
	}
	upper := prev * 3
	if upper <= base {
		return clampDuration(base, base, cap)
	}
	span := upper - base
	delay := base + time.Duration(rand.Int64N(int64(span)+1))
	return clampDuration(delay, base, cap)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
