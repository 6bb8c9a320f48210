// Package session defines the narrow contract the client core needs from a
// database-visible connection. Everything below this interface — the wire
// protocol, authentication, TLS — is the external collaborator spec.md §1
// assumes ("a session that supports parameterized SQL execution,
// asynchronous termination events, and graceful shutdown"); this package's
// job is only to state that contract and provide the one production
// implementation (backed by pgx). Test fakes live in the test files of the
// packages that use them.
package session

import (
	"context"
	"time"
)

// CommandTag reports how many rows a non-SELECT statement affected.
type CommandTag struct {
	RowsAffected int64
}

// Row is a single-row query result, as returned by Session.QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result, as returned by Session.Query.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Session is the live database connection the client core owns exactly one
// of at any time. Implementations must be safe for the call patterns the
// client core uses: sequential query/exec calls plus, concurrently, a
// background fatal-event dispatch (see FatalWatcher).
type Session interface {
	// Exec runs a statement that does not return rows.
	Exec(ctx context.Context, sql string, args ...any) (CommandTag, error)
	// Query runs a statement that returns rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	// QueryRow runs a statement expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row
	// SetSessionLabel installs label as this session's database-visible
	// identifier (e.g. via set_config('application_name', $1, false)).
	SetSessionLabel(ctx context.Context, label string) error
	// PID returns the backend process id. The reaper does not call it: its
	// scan excludes the caller's own session server-side with
	// pg_backend_pid().
	PID() uint32
	// Close gracefully shuts down the session.
	Close(ctx context.Context) error
}

// FatalHandler is invoked when a session observes a fatal, connection-level
// event. source is "error" for an observed transport/protocol failure and
// "end" for an observed unexpected close. It must never be called from
// inside a caller's own Exec/Query invocation's goroutine in a way that
// could deadlock the client core's mutex — implementations dispatch it from
// a dedicated background goroutine.
type FatalHandler func(source string, err error)

// FatalWatcher is implemented by sessions that can push asynchronous
// termination events, the way the teacher's RabbitMQ transport pushes
// connection-close notifications over amqp.Connection.NotifyClose. pgx's
// synchronous API has no equivalent push channel, so the production
// implementation (PGSession) approximates it with a lightweight background
// keepalive that surfaces the same failure through the same handler.
type FatalWatcher interface {
	OnFatal(h FatalHandler)
	StartWatch(interval time.Duration)
	StopWatch()
}
