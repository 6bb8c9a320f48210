package session

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// PGSession is the production Session, backed by a single *pgx.Conn.
type PGSession struct {
	conn *pgx.Conn

	mu           sync.Mutex
	fatal        FatalHandler
	watchCancel  context.CancelFunc
	watchStopped chan struct{}
}

// Dial opens a new connection whose startup application_name is label.
// label is installed up front (rather than via a follow-up SET) so the
// lease is visible to the reaper from the moment the backend appears in
// pg_stat_activity.
func Dial(ctx context.Context, connString, label string) (*PGSession, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["application_name"] = label

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PGSession{conn: conn}, nil
}

func (s *PGSession) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return CommandTag{}, err
	}
	return CommandTag{RowsAffected: tag.RowsAffected()}, nil
}

func (s *PGSession) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (s *PGSession) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

// SetSessionLabel rotates the session's application_name over the live
// connection via a parameterized set_config call — never string-interpolated,
// so a label (however derived) can never be used for SQL injection.
func (s *PGSession) SetSessionLabel(ctx context.Context, label string) error {
	_, err := s.conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", label)
	return err
}

func (s *PGSession) PID() uint32 {
	return s.conn.PgConn().PID()
}

func (s *PGSession) Close(ctx context.Context) error {
	s.StopWatch()
	return s.conn.Close(ctx)
}

// OnFatal registers the callback invoked when the background watch detects
// the connection has died. Only one handler is kept: a later registration
// overwrites an earlier one.
func (s *PGSession) OnFatal(h FatalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = h
}

// StartWatch begins a background keepalive loop that pings the connection
// every interval and, on the first failure, dispatches the fatal handler
// with source "error" and stops itself. This is the closest equivalent pgx
// offers to node-postgres's asynchronous 'error'/'end' events: pgx's API is
// purely synchronous (errors surface only as the return value of the call
// that triggered them), so a session sitting idle between heartbeats would
// otherwise never notice it has gone stale until the next query is
// attempted. The keepalive closes that gap.
func (s *PGSession) StartWatch(interval time.Duration) {
	s.mu.Lock()
	if s.watchCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	s.watchStopped = make(chan struct{})
	stopped := s.watchStopped
	s.mu.Unlock()

	go s.watchLoop(ctx, interval, stopped)
}

func (s *PGSession) watchLoop(ctx context.Context, interval time.Duration, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval/2)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.mu.Lock()
				h := s.fatal
				s.mu.Unlock()
				if h != nil {
					h("error", err)
				}
				return
			}
		}
	}
}

// StopWatch stops the background keepalive, if running, and waits for it to
// exit so Close never races a final dispatch.
func (s *PGSession) StopWatch() {
	s.mu.Lock()
	cancel := s.watchCancel
	stopped := s.watchStopped
	s.watchCancel = nil
	s.watchStopped = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool          { return r.rows.Next() }
func (r *pgxRows) Scan(d ...any) error { return r.rows.Scan(d...) }
func (r *pgxRows) Err() error          { return r.rows.Err() }
func (r *pgxRows) Close()              { r.rows.Close() }
