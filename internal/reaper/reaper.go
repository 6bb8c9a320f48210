// Package reaper implements the distributed, self-executing garbage
// collector for zombie connections: a best-effort pass, run over the
// caller's own live session under a database-scoped advisory lock, that
// finds and terminates same-service idle sessions whose lease has expired.
package reaper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/lease"
	"github.com/pgleaseguard/pgleaseguard/internal/session"
	"github.com/rs/zerolog"
)

// LockNamespace is the fixed 32-bit advisory-lock namespace constant shared
// by every instance of every service using this package. If an unrelated
// system happens to collide on (LockNamespace, hashtext(serviceName)) the
// two will serialize unnecessarily against each other; this is considered
// low-probability and benign, and is intentionally left unresolved rather
// than, say, namespaced per-deployment (see spec's open questions).
const LockNamespace int32 = 0x50474151

// ErrorMode controls what Run does with an error encountered during the
// scan/terminate steps. The advisory lock is always released regardless.
type ErrorMode int

const (
	// ErrorModeSwallow confines the error to the returned Result (default).
	ErrorModeSwallow ErrorMode = iota
	// ErrorModeThrow is accepted, but Run behaves exactly as under
	// ErrorModeSwallow: the error is returned in Result.Error and is not
	// raised any further by Run.
	ErrorModeThrow
)

// Config configures a Reaper.
type Config struct {
	Service                  string
	MinIdleSeconds           float64
	MaxIdleConnectionsToKill int
	ErrorMode                ErrorMode
}

// Result reports the outcome of one reaper pass.
type Result struct {
	Locked bool
	Killed int
	Error  error
}

// Reaper runs one GC pass at a time over a caller-supplied session.
type Reaper struct {
	cfg      Config
	leaseMgr *lease.Manager
	log      zerolog.Logger
}

// New constructs a Reaper. leaseMgr is used to verify candidate sessions'
// leases client-side; the database itself never validates them.
func New(cfg Config, leaseMgr *lease.Manager, log zerolog.Logger) *Reaper {
	if cfg.MaxIdleConnectionsToKill <= 0 {
		cfg.MaxIdleConnectionsToKill = 1
	}
	return &Reaper{cfg: cfg, leaseMgr: leaseMgr, log: log}
}

type candidateRow struct {
	pid     int32
	appName string
	idleSec float64
}

type candidate struct {
	pid     int32
	lease   *lease.Lease
	idleSec float64
}

// Run executes the six-step reaper protocol (spec.md §4.3) over sess:
// acquire the namespaced advisory lock, scan same-service idle sessions,
// classify them by verifying their lease client-side, terminate the
// staleest expired ones up to the configured cap, and release the lock.
func (r *Reaper) Run(ctx context.Context, sess session.Session) Result {
	locked, err := r.tryLock(ctx, sess)
	if err != nil {
		return r.errorResult(err)
	}
	if !locked {
		return Result{Locked: false, Killed: 0}
	}
	defer r.unlock(ctx, sess)

	rows, err := r.scan(ctx, sess)
	if err != nil {
		return r.errorResult(err)
	}

	candidates := r.classify(rows)
	toKill := selectVictims(candidates, r.cfg.MaxIdleConnectionsToKill)

	if len(toKill) == 0 {
		return Result{Locked: true, Killed: 0}
	}

	killed, err := r.terminate(ctx, sess, toKill)
	if err != nil {
		return Result{Locked: true, Killed: killed, Error: r.wrapForMode(err)}
	}
	return Result{Locked: true, Killed: killed}
}

func (r *Reaper) errorResult(err error) Result {
	return Result{Locked: false, Killed: 0, Error: r.wrapForMode(err)}
}

// wrapForMode logs err and returns it unchanged for Result.Error, under
// either ErrorMode.
func (r *Reaper) wrapForMode(err error) error {
	if err == nil {
		return nil
	}
	r.log.Warn().Err(err).Str("service", r.cfg.Service).Msg("reaper pass failed")
	if r.cfg.ErrorMode == ErrorModeThrow {
		return err
	}
	return err // always carried in Result.Error; ErrorMode governs whether callers re-raise it
}

func (r *Reaper) tryLock(ctx context.Context, sess session.Session) (bool, error) {
	var acquired bool
	row := sess.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, hashtext($2))", LockNamespace, r.cfg.Service)
	if err := row.Scan(&acquired); err != nil {
		return false, fmt.Errorf("reaper: advisory lock acquire: %w", err)
	}
	return acquired, nil
}

func (r *Reaper) unlock(ctx context.Context, sess session.Session) {
	_, err := sess.Exec(ctx, "SELECT pg_advisory_unlock($1, hashtext($2))", LockNamespace, r.cfg.Service)
	if err != nil {
		// Unlock failures are swallowed unconditionally: the lock is
		// session-scoped and will release itself when the underlying
		// connection closes, so a failed explicit unlock is not fatal.
		r.log.Warn().Err(err).Str("service", r.cfg.Service).Msg("reaper: advisory unlock failed")
	}
}

func (r *Reaper) scan(ctx context.Context, sess session.Session) ([]candidateRow, error) {
	likePattern := fmt.Sprintf("s=%s;%%", r.cfg.Service)
	rows, err := sess.Query(ctx,
		`SELECT pid, application_name, extract(epoch from (now() - state_change)) AS idle_time
		   FROM pg_stat_activity
		  WHERE datname = current_database()
		    AND state = 'idle'
		    AND pid <> pg_backend_pid()
		    AND application_name LIKE $1`,
		likePattern,
	)
	if err != nil {
		return nil, fmt.Errorf("reaper: scan: %w", err)
	}
	defer rows.Close()

	var out []candidateRow
	for rows.Next() {
		var cr candidateRow
		if err := rows.Scan(&cr.pid, &cr.appName, &cr.idleSec); err != nil {
			return nil, fmt.Errorf("reaper: scan row: %w", err)
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reaper: scan iteration: %w", err)
	}
	return out, nil
}

// classify verifies each row's lease client-side and keeps only expired,
// validly-signed candidates. Rows whose label fails verification (bad
// format, or signed under a different secret — a neighbor service sharing
// the prefix filter by coincidence) are skipped, never killed: the
// session-label prefix filter in the scan query is an optimization only,
// full verification is always client-side.
func (r *Reaper) classify(rows []candidateRow) []candidate {
	now := time.Now()
	var out []candidate
	for _, row := range rows {
		if row.idleSec < r.cfg.MinIdleSeconds {
			continue
		}
		l, ok := r.leaseMgr.ParseAndVerify(row.appName)
		if !ok {
			continue
		}
		if !l.IsExpired(now) {
			continue
		}
		out = append(out, candidate{pid: row.pid, lease: l, idleSec: row.idleSec})
	}
	return out
}

// selectVictims orders candidates by (exp ascending, idle_time descending,
// pid ascending) — the staleest lease first, deterministic tie-break — and
// returns the pids of the first max of them.
func selectVictims(candidates []candidate, max int) []int32 {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.lease.ExpiresAt.Equal(b.lease.ExpiresAt) {
			return a.lease.ExpiresAt.Before(b.lease.ExpiresAt)
		}
		if a.idleSec != b.idleSec {
			return a.idleSec > b.idleSec
		}
		return a.pid < b.pid
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	pids := make([]int32, len(candidates))
	for i, c := range candidates {
		pids[i] = c.pid
	}
	return pids
}

func (r *Reaper) terminate(ctx context.Context, sess session.Session, pids []int32) (int, error) {
	rows, err := sess.Query(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE pid = ANY($1::int[])`,
		pids,
	)
	if err != nil {
		return 0, fmt.Errorf("reaper: terminate: %w", err)
	}
	defer rows.Close()

	killed := 0
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return killed, fmt.Errorf("reaper: terminate row: %w", err)
		}
		if ok {
			killed++
		}
	}
	if err := rows.Err(); err != nil {
		return killed, fmt.Errorf("reaper: terminate iteration: %w", err)
	}
	return killed, nil
}
