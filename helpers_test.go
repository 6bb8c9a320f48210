package pgleaseguard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/session"
	"github.com/stretchr/testify/require"
)

// fakeSession is an in-memory stand-in for session.Session (and
// session.FatalWatcher) used to drive the client core through connect,
// query, and heartbeat paths without a real Postgres.
type fakeSession struct {
	mu            sync.Mutex
	closed        bool
	labels        []string
	setLabelErr   error
	setLabelDelay time.Duration
	fatal         session.FatalHandler
}

func (f *fakeSession) Exec(ctx context.Context, sql string, args ...any) (session.CommandTag, error) {
	return session.CommandTag{RowsAffected: 1}, nil
}

func (f *fakeSession) Query(ctx context.Context, sql string, args ...any) (session.Rows, error) {
	return &fakeRows{}, nil
}

func (f *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) session.Row {
	return fakeRow{}
}

func (f *fakeSession) SetSessionLabel(ctx context.Context, label string) error {
	f.mu.Lock()
	f.labels = append(f.labels, label)
	delay := f.setLabelDelay
	err := f.setLabelErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (f *fakeSession) PID() uint32 { return 4242 }

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) OnFatal(h session.FatalHandler) {
	f.mu.Lock()
	f.fatal = h
	f.mu.Unlock()
}

func (f *fakeSession) StartWatch(interval time.Duration) {}
func (f *fakeSession) StopWatch()                        {}

type fakeRows struct{ done bool }

func (r *fakeRows) Next() bool          { ok := !r.done; r.done = true; return ok }
func (r *fakeRows) Scan(d ...any) error { return nil }
func (r *fakeRows) Err() error          { return nil }
func (r *fakeRows) Close()              {}

type fakeRow struct{}

func (fakeRow) Scan(dest ...any) error { return nil }

const testSecret = "0123456789abcdef-test-secret-value"

// dialer builds a Client.dial-compatible func that always returns sess.
func dialer(sess session.Session) func(ctx context.Context, connString, label string) (session.Session, error) {
	return func(ctx context.Context, connString, label string) (session.Session, error) {
		return sess, nil
	}
}

func newTestClient(t *testing.T, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		DSN:                 "postgres://fake/db",
		ServiceName:         "testsvc",
		InstanceName:        "inst-1",
		CoordinationSecret:  []byte(testSecret),
		Reaper:              false,
		LeaseTTL:            time.Minute,
		MaxConnectRetryTime: time.Second,
		MaxQueryRetryTime:   time.Second,
		Retries:             3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}
