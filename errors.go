package pgleaseguard

import "errors"

// ErrConfiguration wraps invalid or missing configuration detected at
// construction time. It is never retried.
var ErrConfiguration = errors.New("pgleaseguard: configuration error")

// ErrInvariantViolation marks a condition the package's own invariants
// guarantee cannot happen in correct code. It indicates a bug, not a
// transient or permanent runtime failure, and is never retried. No code path
// in this module returns it at present: a label that would exceed the
// 63-byte budget makes lease.Manager.Mint panic instead.
var ErrInvariantViolation = errors.New("pgleaseguard: invariant violation")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("pgleaseguard: client closed")
