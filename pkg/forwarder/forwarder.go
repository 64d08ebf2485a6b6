// Package forwarder relays agent ReAct steps from the broker's ephemeral
// pub/sub channels into each task's durable thinking trail and onto the
// frontend stream. One forwarder instance runs per deployment so trail
// append order stays authoritative.
package forwarder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Subscriber is the pattern-subscription side of the broker. Satisfied by
// *broker.Broker.
type Subscriber interface {
	PatternSubscribe(ctx context.Context, pattern string) (<-chan broker.EventMessage, func(), error)
}

// Sink persists a ReAct step and relays it to the frontend channel.
// Satisfied by *taskstore.Store.
type Sink interface {
	EmitReact(ctx context.Context, step *models.ReActStep) error
}

// Forwarder pumps the ai:react:* pattern subscription into the Sink. A
// dropped subscription is reestablished with exponential backoff; the
// backoff resets once a subscription proves healthy by delivering a step.
type Forwarder struct {
	bus    Subscriber
	store  Sink
	logger *slog.Logger

	backoff    time.Duration
	maxBackoff time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(bus Subscriber, store Sink) *Forwarder {
	return &Forwarder{
		bus:        bus,
		store:      store,
		logger:     slog.With("component", "react_forwarder"),
		backoff:    initialBackoff,
		maxBackoff: maxBackoff,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the forwarding loop. It returns immediately.
func (f *Forwarder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-f.stopCh:
		case <-runCtx.Done():
		}
	}()

	f.wg.Add(1)
	go f.run(runCtx)
}

// Stop shuts the forwarder down and waits for the loop to exit. Safe to
// call multiple times.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	backoff := f.backoff
	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		events, stop, err := f.bus.PatternSubscribe(ctx, models.ReactChannelPattern)
		if err != nil {
			f.logger.Error("Pattern subscribe failed, retrying", "error", err, "backoff", backoff)
			if !f.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, f.maxBackoff)
			continue
		}
		f.logger.Info("Forwarding ReAct steps", "pattern", models.ReactChannelPattern)

		delivered := f.pump(ctx, events)
		stop()

		if delivered {
			backoff = f.backoff
		}
		f.logger.Warn("ReAct subscription ended, restarting", "backoff", backoff)
		if !f.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, f.maxBackoff)
	}
}

// pump drains one subscription until it closes or shutdown begins. It
// reports whether any step was delivered.
func (f *Forwarder) pump(ctx context.Context, events <-chan broker.EventMessage) bool {
	delivered := false
	for {
		select {
		case <-f.stopCh:
			return delivered
		case <-ctx.Done():
			return delivered
		case msg, ok := <-events:
			if !ok {
				return delivered
			}
			delivered = true
			f.forward(ctx, msg)
		}
	}
}

// forward validates one delivery and hands it to the sink. Malformed or
// misaddressed steps are logged and dropped; a sink failure drops the step
// but keeps the pump alive.
func (f *Forwarder) forward(ctx context.Context, msg broker.EventMessage) {
	var step models.ReActStep
	if err := json.Unmarshal([]byte(msg.Payload), &step); err != nil {
		f.logger.Warn("Skipping malformed ReAct step", "channel", msg.Channel, "error", err)
		return
	}

	channelTask := models.TaskIDFromReactChannel(msg.Channel)
	if step.TaskID == "" {
		step.TaskID = channelTask
	}
	if step.TaskID == "" {
		f.logger.Warn("Skipping ReAct step without task id", "channel", msg.Channel)
		return
	}
	if step.TaskID != channelTask {
		f.logger.Warn("Skipping ReAct step with mismatched task id",
			"channel", msg.Channel, "task_id", step.TaskID)
		return
	}

	if err := f.store.EmitReact(ctx, &step); err != nil {
		f.logger.Warn("Failed to persist ReAct step", "task_id", step.TaskID, "error", err)
	}
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
