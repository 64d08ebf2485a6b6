package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/models"
)

const (
	// terminalWriteTimeout bounds writes that run after the delivery context
	// has already expired: result persistence, completion events, trail ends.
	terminalWriteTimeout = 10 * time.Second

	// consumeBackoff spaces retries when the consume loop itself fails.
	consumeBackoff = time.Second
)

// Harness runs one Processor against its stage queue. One message is in
// flight at a time per instance (broker prefetch is one); horizontal scale
// comes from running more instances, which compete on the shared durable
// consumer.
type Harness struct {
	processor      Processor
	store          ResultStore
	bus            Transport
	state          StateSink
	queue          string
	processTimeout time.Duration
	heartbeatEvery time.Duration
	backoff        time.Duration
	logger         *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	currentTaskID string
	processed     int64
	failed        int64
}

// New wires a harness around one processor. The per-message budget comes
// from settings, overridable through the agent registry. stateSink may be
// nil (performance samples and heartbeats disabled).
func New(p Processor, store ResultStore, bus Transport, stateSink StateSink, cfg *config.Config) (*Harness, error) {
	queue, ok := broker.QueueForStage(p.Stage())
	if !ok {
		return nil, fmt.Errorf("no work queue for stage %q", p.Stage())
	}

	timeout := cfg.Settings.ProcessTimeout()
	if cfg.AgentRegistry != nil {
		if ac, err := cfg.AgentRegistry.Get(p.Name()); err == nil {
			if ac.Stage != p.Stage() {
				return nil, fmt.Errorf("agent %s is configured for stage %s, processor serves %s",
					p.Name(), ac.Stage, p.Stage())
			}
			if ac.ProcessTimeoutSeconds > 0 {
				timeout = time.Duration(ac.ProcessTimeoutSeconds) * time.Second
			}
		}
	}

	return &Harness{
		processor:      p,
		store:          store,
		bus:            bus,
		state:          stateSink,
		queue:          queue,
		processTimeout: timeout,
		heartbeatEvery: cfg.Settings.HeartbeatInterval(),
		backoff:        consumeBackoff,
		logger:         slog.With("agent", p.Name(), "stage", p.Stage()),
		stopCh:         make(chan struct{}),
	}, nil
}

// Start launches the consume loop and the heartbeat reporter in background
// goroutines.
func (h *Harness) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-h.stopCh:
		case <-ctx.Done():
		}
	}()

	h.wg.Add(2)
	go h.run(ctx)
	go h.runHeartbeat(ctx)
}

// Stop signals the harness to stop and waits for in-flight work to finish.
// It is safe to call Stop multiple times.
func (h *Harness) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// run owns the consume loop. Consume returns nil when the context ends and
// an error when the queue itself is unavailable, which is retried.
func (h *Harness) run(ctx context.Context) {
	defer h.wg.Done()

	h.logger.Info("Agent consuming", "queue", h.queue, "process_timeout", h.processTimeout)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Agent shutting down")
			return
		default:
		}

		if err := h.bus.Consume(ctx, h.queue, h.handle); err != nil {
			h.logger.Error("Consume failed, retrying", "error", err)
			h.sleep(ctx, h.backoff)
		}
	}
}

// sleep waits for d or until the context ends.
func (h *Harness) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// handle processes one delivery. A nil return acknowledges the message; an
// error hands it to the broker's redelivery policy.
func (h *Harness) handle(ctx context.Context, msg *models.TaskMessage) error {
	log := h.logger.With("task_id", msg.TaskID)

	// Misrouted messages fail fast without running the processor.
	if msg.Stage != h.processor.Stage() {
		err := fmt.Errorf("message for stage %q on queue %s", msg.Stage, h.queue)
		h.publishFailure(ctx, msg, err)
		log.Error("Rejecting misrouted message", "message_stage", msg.Stage)
		return err
	}

	h.setWorking(msg.TaskID)
	defer h.setIdle()

	react := NewReactEmitter(h.bus, msg.TaskID, h.processor.Name())

	// 1. Announce the stage on the reasoning trail.
	react.Action(ctx, "stage_start: "+msg.Stage)

	// 2. Run the processor under the per-message budget.
	procCtx, cancelProc := context.WithTimeout(ctx, h.processTimeout)
	defer cancelProc()
	started := time.Now()
	result, summary, err := h.processor.Process(procCtx, msg, react)
	duration := time.Since(started)

	// Writes from here on get a fresh context: the delivery context may be
	// expired or cancelled by shutdown, and the outcome must still land.
	termCtx, cancelTerm := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancelTerm()

	if err == nil {
		// 3. Persist the structured result where the coordinator reads it.
		if storeErr := h.store.PutStageResult(termCtx, msg.TaskID, msg.Stage, result); storeErr != nil {
			err = fmt.Errorf("store stage result: %w", storeErr)
		}
	}
	if err == nil {
		// 4. Signal completion. A completion the coordinator never hears
		// still counts as a failed delivery.
		ev := &models.CompletionEvent{
			TaskID:    msg.TaskID,
			Stage:     msg.Stage,
			Success:   true,
			Summary:   summary,
			Timestamp: time.Now().UTC(),
		}
		if pubErr := h.bus.PublishEvent(termCtx, models.CompletionChannelForStage(msg.Stage), ev); pubErr != nil {
			err = fmt.Errorf("publish completion: %w", pubErr)
		}
	}

	if err != nil {
		h.publishFailure(termCtx, msg, err)
		react.Error(termCtx, err.Error())
		h.recordSample(termCtx, msg, duration, err)
		h.noteOutcome(true)
		log.Warn("Stage processing failed", "duration", duration, "error", err)
		return err
	}

	// 5. Close the trail, record the sample, acknowledge.
	react.FinalAnswer(termCtx, summary)
	h.recordSample(termCtx, msg, duration, nil)
	h.noteOutcome(false)
	log.Info("Stage processed", "duration", duration)
	return nil
}

// publishFailure announces a failed stage on its completion channel. Best
// effort: when the event bus itself is down, the coordinator's stage timeout
// covers the silence.
func (h *Harness) publishFailure(ctx context.Context, msg *models.TaskMessage, cause error) {
	ev := &models.CompletionEvent{
		TaskID:    msg.TaskID,
		Stage:     msg.Stage,
		Success:   false,
		Error:     cause.Error(),
		Transient: retryable(cause),
		Timestamp: time.Now().UTC(),
	}
	if err := h.bus.PublishEvent(ctx, models.CompletionChannelForStage(msg.Stage), ev); err != nil {
		h.logger.Warn("Failed to publish failure completion", "task_id", msg.TaskID, "error", err)
	}
}

// retryable classifies a processing failure for the completion event. Budget
// expiry and shutdown cancellation are retryable on top of explicit marks.
func retryable(err error) bool {
	return IsTransient(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// recordSample appends one performance row. Sink failures are logged, never
// fatal.
func (h *Harness) recordSample(ctx context.Context, msg *models.TaskMessage, d time.Duration, procErr error) {
	if h.state == nil {
		return
	}
	sample := &models.AgentPerformanceSample{
		AgentName:  h.processor.Name(),
		TaskID:     msg.TaskID,
		Stage:      msg.Stage,
		DurationMS: d.Milliseconds(),
		Success:    procErr == nil,
	}
	if procErr != nil {
		sample.ErrorMessage = procErr.Error()
	}
	if err := h.state.RecordAgentPerformance(ctx, sample); err != nil {
		h.logger.Warn("Failed to record performance sample", "task_id", msg.TaskID, "error", err)
	}
}

// runHeartbeat reports agent health on a fixed cadence until the harness
// stops, then writes one final stopping beat.
func (h *Harness) runHeartbeat(ctx context.Context) {
	defer h.wg.Done()

	if h.state == nil {
		return
	}

	h.beat(ctx, models.AgentStarting)

	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The loop context is gone by now; the goodbye beat gets its own.
			termCtx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
			h.beat(termCtx, models.AgentStopping)
			cancel()
			return
		case <-ticker.C:
			h.beat(ctx, models.AgentHealthy)
		}
	}
}

// beat upserts one health row keyed by agent name.
func (h *Harness) beat(ctx context.Context, status models.AgentHealthStatus) {
	h.mu.RLock()
	health := &models.AgentHealth{
		AgentName:      h.processor.Name(),
		Status:         status,
		LastHeartbeat:  time.Now().UTC(),
		ProcessedTasks: h.processed,
		FailedTasks:    h.failed,
		Metadata:       map[string]any{"stage": h.processor.Stage(), "queue": h.queue},
	}
	if h.currentTaskID != "" {
		health.Metadata["current_task"] = h.currentTaskID
	}
	h.mu.RUnlock()

	if err := h.state.UpdateAgentHealth(ctx, health); err != nil {
		h.logger.Warn("Heartbeat update failed", "error", err)
	}
}

func (h *Harness) setWorking(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentTaskID = taskID
}

func (h *Harness) setIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentTaskID = ""
}

func (h *Harness) noteOutcome(failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed++
	if failed {
		h.failed++
	}
}
