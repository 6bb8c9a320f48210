package pgleaseguard

import (
	"fmt"
	"os"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/eventbus"
	"github.com/pgleaseguard/pgleaseguard/internal/lease"
	"github.com/pgleaseguard/pgleaseguard/internal/reaper"
	"github.com/rs/zerolog"
)

// LeaseMode controls whether a coordination secret is mandatory.
type LeaseMode string

const (
	// LeaseModeRequired rejects construction unless CoordinationSecret is
	// at least lease.MinSecretBytes long.
	LeaseModeRequired LeaseMode = "required"
	// LeaseModeOptional allows running with leasing (and therefore the
	// heartbeat and reaper) disabled entirely.
	LeaseModeOptional LeaseMode = "optional"
)

// HeartbeatErrorMode controls what happens when a heartbeat attempt fails.
type HeartbeatErrorMode string

const (
	// HeartbeatReconnect marks the client dead and disposes the session;
	// the next query reconnects. This is the default.
	HeartbeatReconnect HeartbeatErrorMode = "reconnect"
	// HeartbeatSwallow only logs the failure.
	HeartbeatSwallow HeartbeatErrorMode = "swallow"
	// HeartbeatThrow re-raises the failure at the call site.
	HeartbeatThrow HeartbeatErrorMode = "throw"
)

// Config is the full configuration surface (spec.md §6).
type Config struct {
	// DSN is a pgx-compatible connection string for the underlying
	// PostgreSQL connection.
	DSN string

	// CoordinationSecret signs and verifies leases. Required (>= 16 bytes)
	// unless LeaseMode is LeaseModeOptional.
	CoordinationSecret []byte
	ServiceName        string
	// InstanceName identifies this particular client instance within
	// ServiceName. Defaults to hostname + process id if empty.
	InstanceName string
	LeaseMode    LeaseMode

	Reaper                   bool
	ReaperRunProbability     float64
	ReaperCooldown           time.Duration
	ReaperErrorMode          reaper.ErrorMode
	MinConnectionIdleTimeSec float64
	MaxIdleConnectionsToKill int

	LeaseTTL                   time.Duration
	HeartbeatSoftRemaining     time.Duration
	HeartbeatHardWaitRemaining time.Duration
	HeartbeatTimeout           time.Duration
	HeartbeatErrorMode         HeartbeatErrorMode

	Retries             int
	MinBackoff          time.Duration
	MaxBackoff          time.Duration
	MaxConnectRetryTime time.Duration
	MaxQueryRetryTime   time.Duration
	DefaultQueryTimeout time.Duration

	Hooks    Hooks
	Logger   zerolog.Logger
	EventBus *eventbus.Config // nil disables cross-instance hook mirroring
}

// Option mutates a Config being built by New.
type Option func(*Config)

// WithHooks attaches the named callback set.
func WithHooks(h Hooks) Option { return func(c *Config) { c.Hooks = h } }

// WithLogger overrides the default disabled logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithEventBus enables mirroring hook events onto an AMQP topic exchange.
func WithEventBus(cfg eventbus.Config) Option { return func(c *Config) { c.EventBus = &cfg } }

func defaults() Config {
	return Config{
		LeaseMode:                  LeaseModeRequired,
		Reaper:                     true,
		ReaperRunProbability:       1.0,
		ReaperCooldown:             30 * time.Second,
		ReaperErrorMode:            reaper.ErrorModeSwallow,
		MinConnectionIdleTimeSec:   60,
		MaxIdleConnectionsToKill:   5,
		LeaseTTL:                   2 * time.Minute,
		HeartbeatSoftRemaining:     30 * time.Second,
		HeartbeatHardWaitRemaining: 5 * time.Second,
		HeartbeatTimeout:           2 * time.Second,
		HeartbeatErrorMode:         HeartbeatReconnect,
		Retries:                    3,
		MinBackoff:                 100 * time.Millisecond,
		MaxBackoff:                 2 * time.Second,
		MaxConnectRetryTime:        30 * time.Second,
		MaxQueryRetryTime:          10 * time.Second,
		DefaultQueryTimeout:        30 * time.Second,
		Logger:                     zerolog.Nop(),
	}
}

// withDefaults returns a copy of cfg with every zero-valued field that has
// a documented default filled in, except Reaper and Logger, which are kept
// as given. Reaper's zero value false is therefore not replaced by the true
// listed in defaults(): the reaper runs only when Config.Reaper is set.
func withDefaults(cfg Config) Config {
	d := defaults()

	if cfg.LeaseMode == "" {
		cfg.LeaseMode = d.LeaseMode
	}
	if cfg.ReaperRunProbability == 0 {
		cfg.ReaperRunProbability = d.ReaperRunProbability
	}
	if cfg.ReaperCooldown == 0 {
		cfg.ReaperCooldown = d.ReaperCooldown
	}
	if cfg.ReaperErrorMode == 0 && cfg.ReaperErrorMode != reaper.ErrorModeThrow {
		cfg.ReaperErrorMode = d.ReaperErrorMode
	}
	if cfg.MinConnectionIdleTimeSec == 0 {
		cfg.MinConnectionIdleTimeSec = d.MinConnectionIdleTimeSec
	}
	if cfg.MaxIdleConnectionsToKill == 0 {
		cfg.MaxIdleConnectionsToKill = d.MaxIdleConnectionsToKill
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = d.LeaseTTL
	}
	if cfg.HeartbeatSoftRemaining == 0 {
		cfg.HeartbeatSoftRemaining = d.HeartbeatSoftRemaining
	}
	if cfg.HeartbeatHardWaitRemaining == 0 {
		cfg.HeartbeatHardWaitRemaining = d.HeartbeatHardWaitRemaining
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.HeartbeatErrorMode == "" {
		cfg.HeartbeatErrorMode = d.HeartbeatErrorMode
	}
	if cfg.Retries == 0 {
		cfg.Retries = d.Retries
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = d.MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.MaxConnectRetryTime == 0 {
		cfg.MaxConnectRetryTime = d.MaxConnectRetryTime
	}
	if cfg.MaxQueryRetryTime == 0 {
		cfg.MaxQueryRetryTime = d.MaxQueryRetryTime
	}
	if cfg.DefaultQueryTimeout == 0 {
		cfg.DefaultQueryTimeout = d.DefaultQueryTimeout
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = defaultInstanceName()
	}

	return cfg
}

func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// validate checks cfg for the configuration errors that must raise at
// construction time rather than be deferred to the first call.
func validate(cfg Config) error {
	if cfg.DSN == "" {
		return fmt.Errorf("%w: DSN is required", ErrConfiguration)
	}
	if cfg.ServiceName == "" {
		return fmt.Errorf("%w: ServiceName is required", ErrConfiguration)
	}
	if cfg.LeaseMode != LeaseModeOptional && len(cfg.CoordinationSecret) < lease.MinSecretBytes {
		return fmt.Errorf("%w: CoordinationSecret must be >= %d bytes unless LeaseMode is optional", ErrConfiguration, lease.MinSecretBytes)
	}
	if cfg.ReaperRunProbability < 0 || cfg.ReaperRunProbability > 1 {
		return fmt.Errorf("%w: ReaperRunProbability must be in [0,1]", ErrConfiguration)
	}
	if cfg.MinBackoff > cfg.MaxBackoff {
		return fmt.Errorf("%w: MinBackoff must be <= MaxBackoff", ErrConfiguration)
	}
	if cfg.Retries < 1 {
		return fmt.Errorf("%w: Retries must be >= 1", ErrConfiguration)
	}
	switch cfg.HeartbeatErrorMode {
	case HeartbeatReconnect, HeartbeatSwallow, HeartbeatThrow:
	default:
		return fmt.Errorf("%w: invalid HeartbeatErrorMode %q", ErrConfiguration, cfg.HeartbeatErrorMode)
	}
	return nil
}

// leasingEnabled reports whether this configuration has a usable
// coordination secret installed.
func (c Config) leasingEnabled() bool {
	return len(c.CoordinationSecret) >= lease.MinSecretBytes
}
