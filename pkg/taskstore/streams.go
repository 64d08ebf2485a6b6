package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/master-control/mcp/pkg/models"
)

// payloadField is the single stream-entry field carrying the JSON payload.
// Redis stream ids give us the time order; the payload stays opaque.
const payloadField = "payload"

// EmitProgress appends a progress event to the task's durable stream and
// fans it out on the task's progress channel. Stream append and channel
// publish ride one pipeline so subscribers never observe an event that is
// not also replayable from the stream.
func (s *Store) EmitProgress(ctx context.Context, event *models.ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	key := progressStreamKey(event.TaskID)
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: data},
	})
	pipe.Expire(ctx, key, s.ttl)
	pipe.Publish(ctx, models.ProgressChannel(event.TaskID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("emit progress %s: %w", event.TaskID, err)
	}
	return nil
}

// EmitReact appends a ReAct step to the task's stream and relays the
// normalized payload on the frontend channel. The forwarder is the single
// caller, which keeps stream append order authoritative.
func (s *Store) EmitReact(ctx context.Context, step *models.ReActStep) error {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal react step: %w", err)
	}

	frontend, err := json.Marshal(map[string]any{
		"type":      "react",
		"step":      step.StepKind,
		"content":   step.Message,
		"agent":     step.AgentName,
		"timestamp": step.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal frontend payload: %w", err)
	}

	key := reactStreamKey(step.TaskID)
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: data},
	})
	pipe.Expire(ctx, key, s.ttl)
	pipe.Publish(ctx, models.FrontendStreamChannel(step.TaskID), frontend)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("emit react %s: %w", step.TaskID, err)
	}
	return nil
}

// GetProgressHistory replays the task's progress stream in append order.
func (s *Store) GetProgressHistory(ctx context.Context, taskID string) ([]models.ProgressEvent, error) {
	msgs, err := s.rdb.XRange(ctx, progressStreamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read progress stream %s: %w", taskID, err)
	}
	events := make([]models.ProgressEvent, 0, len(msgs))
	for _, msg := range msgs {
		var event models.ProgressEvent
		if !decodeStreamPayload(msg, &event) {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// GetReactHistory replays the task's ReAct stream in append order.
func (s *Store) GetReactHistory(ctx context.Context, taskID string) ([]models.ReActStep, error) {
	msgs, err := s.rdb.XRange(ctx, reactStreamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read react stream %s: %w", taskID, err)
	}
	steps := make([]models.ReActStep, 0, len(msgs))
	for _, msg := range msgs {
		var step models.ReActStep
		if !decodeStreamPayload(msg, &step) {
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// decodeStreamPayload unmarshals the payload field of one stream entry.
// Malformed entries are logged and skipped rather than failing the replay.
func decodeStreamPayload(msg redis.XMessage, out any) bool {
	raw, ok := msg.Values[payloadField]
	if !ok {
		slog.Warn("Stream entry missing payload field", "entry_id", msg.ID)
		return false
	}
	str, ok := raw.(string)
	if !ok {
		slog.Warn("Stream entry payload has unexpected type", "entry_id", msg.ID)
		return false
	}
	if err := json.Unmarshal([]byte(str), out); err != nil {
		slog.Warn("Stream entry payload is not valid JSON", "entry_id", msg.ID, "error", err)
		return false
	}
	return true
}
