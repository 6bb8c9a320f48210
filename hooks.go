package pgleaseguard

import (
	"time"

	"github.com/rs/zerolog"
)

// ConnectEvent is dispatched after a successful connect.
type ConnectEvent struct {
	Gen uint64
}

// ReconnectEvent is dispatched after each transient connect failure that
// will be retried, before the backoff sleep. It is not dispatched for a
// successful attempt or for the final failed one.
type ReconnectEvent struct {
	Gen     uint64
	Retries int
	Delay   time.Duration
	Err     error
}

// QueryStartEvent is dispatched before a query is attempted.
type QueryStartEvent struct {
	Args      []any
	StartedAt time.Time
}

// QueryEndEvent is dispatched after a query succeeds.
type QueryEndEvent struct {
	Args     []any
	RowCount int
	Duration time.Duration
}

// QueryErrorEvent is dispatched when a query ultimately fails (non-transient,
// retries exhausted, or budget exceeded).
type QueryErrorEvent struct {
	Args     []any
	Err      error
	Duration time.Duration
}

// QueryRetryEvent is dispatched for each transient query retry.
type QueryRetryEvent struct {
	Retries int
	Delay   time.Duration
	Err     error
}

// HeartbeatEvent is dispatched after a successful heartbeat.
type HeartbeatEvent struct {
	Gen uint64
}

// HeartbeatFailEvent is dispatched after a failed heartbeat attempt.
type HeartbeatFailEvent struct {
	Gen uint64
	Err error
}

// ReapEvent is dispatched after every reaper pass, successful or not.
type ReapEvent struct {
	Gen      uint64
	Locked   bool
	Killed   int
	Duration time.Duration
}

// ClientDeadMeta extracts the subset of a fatal error's fields that are
// useful for triage without leaking the whole error value's internals.
type ClientDeadMeta struct {
	Code     string
	SQLState string
	Errno    string
	Syscall  string
	Address  string
	Port     string
	Severity string
	Routine  string
}

// ClientDeadEvent is dispatched whenever the fatal-event handler marks the
// client dead, whether from an observed transport/protocol failure ("error")
// or an observed unexpected close ("end").
type ClientDeadEvent struct {
	Source string
	Err    error
	Meta   ClientDeadMeta
}

// Hooks are named callbacks invoked outside the hot path. Every hook is
// optional; every hook is called in a way that swallows panics, matching
// the "must not throw" contract — a misbehaving hook can never take down
// the client core.
type Hooks struct {
	OnConnect       func(ConnectEvent)
	OnReconnect     func(ReconnectEvent)
	OnQueryStart    func(QueryStartEvent)
	OnQueryEnd      func(QueryEndEvent)
	OnQueryError    func(QueryErrorEvent)
	OnQueryRetry    func(QueryRetryEvent)
	OnHeartbeat     func(HeartbeatEvent)
	OnHeartbeatFail func(HeartbeatFailEvent)
	OnReap          func(ReapEvent)
	OnClientDead    func(ClientDeadEvent)
}

// safeCall invokes fn, recovering and logging any panic rather than letting
// it escape into the caller's call stack.
func safeCall(log zerolog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("hook", name).Interface("panic", r).Msg("hook panicked; swallowed")
		}
	}()
	fn()
}

func (c *Client) emitConnect(ev ConnectEvent) {
	if c.hooks.OnConnect != nil {
		safeCall(c.log, "onConnect", func() { c.hooks.OnConnect(ev) })
	}
	c.publish("onConnect", ev)
}

func (c *Client) emitReconnect(ev ReconnectEvent) {
	if c.hooks.OnReconnect != nil {
		safeCall(c.log, "onReconnect", func() { c.hooks.OnReconnect(ev) })
	}
	c.publish("onReconnect", ev)
}

func (c *Client) emitQueryStart(ev QueryStartEvent) {
	if c.hooks.OnQueryStart != nil {
		safeCall(c.log, "onQueryStart", func() { c.hooks.OnQueryStart(ev) })
	}
	c.publish("onQueryStart", ev)
}

func (c *Client) emitQueryEnd(ev QueryEndEvent) {
	if c.hooks.OnQueryEnd != nil {
		safeCall(c.log, "onQueryEnd", func() { c.hooks.OnQueryEnd(ev) })
	}
	c.publish("onQueryEnd", ev)
}

func (c *Client) emitQueryError(ev QueryErrorEvent) {
	if c.hooks.OnQueryError != nil {
		safeCall(c.log, "onQueryError", func() { c.hooks.OnQueryError(ev) })
	}
	c.publish("onQueryError", ev)
}

func (c *Client) emitQueryRetry(ev QueryRetryEvent) {
	if c.hooks.OnQueryRetry != nil {
		safeCall(c.log, "onQueryRetry", func() { c.hooks.OnQueryRetry(ev) })
	}
	c.publish("onQueryRetry", ev)
}

func (c *Client) emitHeartbeat(ev HeartbeatEvent) {
	if c.hooks.OnHeartbeat != nil {
		safeCall(c.log, "onHeartbeat", func() { c.hooks.OnHeartbeat(ev) })
	}
	c.publish("onHeartbeat", ev)
}

func (c *Client) emitHeartbeatFail(ev HeartbeatFailEvent) {
	if c.hooks.OnHeartbeatFail != nil {
		safeCall(c.log, "onHeartbeatFail", func() { c.hooks.OnHeartbeatFail(ev) })
	}
	c.publish("onHeartbeatFail", ev)
}

func (c *Client) emitReap(ev ReapEvent) {
	if c.hooks.OnReap != nil {
		safeCall(c.log, "onReap", func() { c.hooks.OnReap(ev) })
	}
	c.publish("onReap", ev)
}

func (c *Client) emitClientDead(ev ClientDeadEvent) {
	if c.hooks.OnClientDead != nil {
		safeCall(c.log, "onClientDead", func() { c.hooks.OnClientDead(ev) })
	}
	c.publish("onClientDead", ev)
}

func (c *Client) publish(name string, payload any) {
	if c.eventBus != nil {
		c.eventBus.Publish(name, payload)
	}
}
