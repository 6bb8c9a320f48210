// Package pgleaseguard wraps a single PostgreSQL connection for serverless
// execution environments, where a frozen worker can otherwise leave its
// connection established at the database forever. It layers four
// subsystems over the connection: a signed, self-expiring lease stamped
// into the session label; a heartbeat that renews the lease on a
// schedule; a distributed reaper that terminates same-service zombie
// sessions under an advisory lock; and a generation-counted lifecycle
// state machine that reconciles retries, reconnects, and concurrent
// fatal events.
package pgleaseguard

import (
	"context"
	"sync"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/eventbus"
	"github.com/pgleaseguard/pgleaseguard/internal/lease"
	"github.com/pgleaseguard/pgleaseguard/internal/reaper"
	"github.com/pgleaseguard/pgleaseguard/internal/session"
	"github.com/rs/zerolog"
)

// state is the client's lifecycle state (spec.md §4.4 state machine).
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateDead
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDead:
		return "dead"
	case stateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// ClientStats is a read-only snapshot of the client's internal state,
// useful for health checks and debugging without reaching into internals.
type ClientStats struct {
	State             string
	Generation        uint64
	Dead              bool
	LeaseExpiresAt    time.Time
	ConnectInFlight   bool
	HeartbeatInFlight bool
	LastReapLocked    bool
	LastReapKilled    int
	LastReapError     error
}

// Client owns exactly one underlying database session at a time and
// drives it through connect/query/heartbeat/reap according to Config.
type Client struct {
	cfg      Config
	log      zerolog.Logger
	hooks    Hooks
	eventBus *eventbus.Bus

	leaseMgr *lease.Manager
	rpr      *reaper.Reaper
	schedule *reaper.Schedule

	dial func(ctx context.Context, connString, label string) (session.Session, error)

	mu sync.Mutex

	st             state
	underlying     session.Session
	generation     uint64
	leaseExpiresAt time.Time

	connectInFlight   chan struct{}
	connectErr        error
	heartbeatInFlight chan struct{}
	heartbeatErr      error

	connectPrevDelay time.Duration
	queryPrevDelay   time.Duration

	lastReapResult reaper.Result
}

// New validates cfg, applies documented defaults, and constructs a Client.
// The returned client owns no connection yet; call Connect or any of
// Query/Exec (which connect lazily) to establish one.
func New(cfg Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		log:   cfg.Logger,
		hooks: cfg.Hooks,
		dial: func(ctx context.Context, connString, label string) (session.Session, error) {
			return session.Dial(ctx, connString, label)
		},
		schedule: reaper.NewSchedule(cfg.ReaperCooldown),
	}

	if cfg.leasingEnabled() {
		mgr, err := lease.NewManager(cfg.CoordinationSecret)
		if err != nil {
			return nil, err
		}
		c.leaseMgr = mgr
		c.rpr = reaper.New(reaper.Config{
			Service:                  cfg.ServiceName,
			MinIdleSeconds:           cfg.MinConnectionIdleTimeSec,
			MaxIdleConnectionsToKill: cfg.MaxIdleConnectionsToKill,
			ErrorMode:                cfg.ReaperErrorMode,
		}, mgr, cfg.Logger)
	}

	if cfg.EventBus != nil {
		bus, err := eventbus.Dial(context.Background(), *cfg.EventBus, cfg.Logger)
		if err != nil {
			return nil, err
		}
		c.eventBus = bus
	}

	return c, nil
}

// Stats returns a snapshot of the client's current internal state.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClientStats{
		State:             c.st.String(),
		Generation:        c.generation,
		Dead:              c.st == stateDead,
		LeaseExpiresAt:    c.leaseExpiresAt,
		ConnectInFlight:   c.connectInFlight != nil,
		HeartbeatInFlight: c.heartbeatInFlight != nil,
		LastReapLocked:    c.lastReapResult.Locked,
		LastReapKilled:    c.lastReapResult.Killed,
		LastReapError:     c.lastReapResult.Error,
	}
}
