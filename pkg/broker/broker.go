// Package broker is the transport layer between the coordinator and the
// agents: durable per-stage work queues on NATS JetStream and ephemeral
// event channels on Redis pub/sub. Queues survive restarts and reject
// publishes when full; events are fire-and-forget signals.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned by PublishTask when the target queue has reached
// its configured maximum length. Callers surface this as 503.
var ErrQueueFull = errors.New("queue full")

// ErrWaitTimeout is returned by WaitForEvent when no matching event arrives
// within the wait window.
var ErrWaitTimeout = errors.New("timed out waiting for event")

// Config holds broker connection and queue tuning options.
type Config struct {
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Prefetch is the number of messages a consumer fetches per request.
	Prefetch int

	// QueueMaxLength caps each work queue; publishes beyond it fail.
	QueueMaxLength int64

	// MessageTTL expires undelivered queue messages.
	MessageTTL time.Duration

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// FetchMaxWait bounds a single fetch request. Shorter values make
	// consumer shutdown snappier at the cost of more polling.
	FetchMaxWait time.Duration

	// OnDeadLetter, when set, is invoked after a message lands on the dead
	// letter queue. kind is "deserialize", "validate", or "handler".
	OnDeadLetter func(queue, kind string)
}

func (c *Config) applyDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.QueueMaxLength <= 0 {
		c.QueueMaxLength = 1000
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 10 * time.Minute
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 5 * time.Second
	}
}

// Broker owns the NATS and Redis connections. Safe for concurrent use.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger

	// ownsConns is false when the connections were handed in by the caller,
	// e.g. test harnesses that share one embedded server.
	ownsConns bool
}

// New connects to NATS and Redis and returns a ready broker.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	cfg.applyDefaults()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("mcp"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("connect to Redis at %s: %w", cfg.RedisAddr, err)
	}

	b, err := NewFromConns(nc, rdb, cfg)
	if err != nil {
		nc.Close()
		_ = rdb.Close()
		return nil, err
	}
	b.ownsConns = true
	return b, nil
}

// NewFromConns wraps existing connections. The caller keeps ownership and
// closes them itself.
func NewFromConns(nc *nats.Conn, rdb *redis.Client, cfg Config) (*Broker, error) {
	cfg.applyDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}
	return &Broker{
		nc:     nc,
		js:     js,
		rdb:    rdb,
		cfg:    cfg,
		logger: slog.With("component", "broker"),
	}, nil
}

// Close releases the connections New opened. No-op for NewFromConns brokers.
func (b *Broker) Close() {
	if !b.ownsConns {
		return
	}
	b.nc.Close()
	if err := b.rdb.Close(); err != nil {
		b.logger.Warn("Failed to close Redis client", "error", err)
	}
}

// Ping verifies both transports are reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", status)
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
