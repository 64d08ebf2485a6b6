package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/master-control/mcp/pkg/models"
)

// EventMessage is one delivery from a pattern subscription.
type EventMessage struct {
	Channel string
	Pattern string
	Payload string
}

// PublishEvent marshals payload and publishes it on a Redis channel.
// Events are fire-and-forget: nothing is retained for late subscribers.
func (b *Broker) PublishEvent(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", channel, err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish event to %s: %w", channel, err)
	}
	return nil
}

// WaitForEvent blocks until a completion event for taskID arrives on the
// channel, the timeout expires (ErrWaitTimeout), or ctx is cancelled.
// Events for other tasks and malformed payloads are skipped; waiting
// continues.
func (b *Broker) WaitForEvent(ctx context.Context, channel, taskID string, timeout time.Duration) (*models.CompletionEvent, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ps := b.rdb.Subscribe(ctx, channel)
	defer func() { _ = ps.Close() }()

	// Confirm the subscription before the caller's publish can race us.
	if _, err := ps.Receive(waitCtx); err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrWaitTimeout
		}
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	events := ps.Channel()
	logger := b.logger.With("channel", channel, "task_id", taskID)

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrWaitTimeout

		case msg, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("subscription to %s closed", channel)
			}
			var event models.CompletionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Skipping malformed completion event", "error", err)
				continue
			}
			if event.TaskID != taskID {
				continue
			}
			return &event, nil
		}
	}
}

// PatternSubscribe subscribes to a channel pattern and returns a delivery
// channel plus a stop function. The delivery channel closes after stop is
// called or the connection drops.
func (b *Broker) PatternSubscribe(ctx context.Context, pattern string) (<-chan EventMessage, func(), error) {
	ps := b.rdb.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("pattern subscribe %s: %w", pattern, err)
	}

	out := make(chan EventMessage, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- EventMessage{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Payload: msg.Payload,
			}
		}
	}()

	stop := func() { _ = ps.Close() }
	return out, stop, nil
}
