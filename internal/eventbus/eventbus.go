// Package eventbus optionally mirrors the client's hook events onto an AMQP
// topic exchange, so a fleet of serverless instances can aggregate
// connect/reap/heartbeat activity in one place without each instance
// needing its own observability sink wired in-process. This is the
// teacher's core transport dependency (RabbitMQ), repurposed from carrying
// SQL-over-AMQP RPC traffic to carrying out-of-band event fan-out — the
// spec scopes "observability hook dispatch beyond the contract shape" out,
// and a pluggable sink like this one lives entirely beyond that shape.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event is the JSON envelope published for every mirrored hook invocation.
type Event struct {
	Service   string    `json:"service"`
	Instance  string    `json:"instance"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes Events to a topic exchange. The zero value is not usable;
// construct with Dial.
type Bus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	service  string
	instance string
	log      zerolog.Logger

	mu sync.Mutex
}

// Config configures a Bus.
type Config struct {
	AMQPURL  string
	Exchange string // topic exchange name; declared if missing
	Service  string
	Instance string
}

// Dial connects to the broker and declares the topic exchange.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*Bus, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: exchange declare: %w", err)
	}

	return &Bus{
		conn:     conn,
		ch:       ch,
		exchange: cfg.Exchange,
		service:  cfg.Service,
		instance: cfg.Instance,
		log:      log,
	}, nil
}

// Publish mirrors one hook event. Publish never blocks the caller's hot
// path for long: it applies a short internal timeout and swallows errors,
// matching the hook contract's "must not throw" rule (spec.md §6) — a
// broker outage must never turn into a client-core failure.
func (b *Bus) Publish(name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{
		Service:   b.service,
		Instance:  b.instance,
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn().Err(err).Str("event", name).Msg("eventbus: marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	routingKey := b.service + "." + name
	err = b.ch.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.Timestamp,
		Body:        body,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("event", name).Msg("eventbus: publish failed")
	}
}

// Close shuts down the channel and connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			errs = err
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && errs == nil {
			errs = err
		}
	}
	return errs
}
