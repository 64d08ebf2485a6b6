package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/master-control/mcp/pkg/models"
)

// Queue names. These are the wire subjects agents consume from.
const (
	QueueIntent    = "intent.task"
	QueueEmbedding = "embedding.task"
	QueueExecutor  = "executor.task"
	QueueModerator = "moderator.task"
	QueueWebSearch = "websearch.task"
	QueueResponses = "responses"

	// QueueDeadLetter receives messages that exhausted redelivery or could
	// not be decoded. They stay for inspection, not for reprocessing.
	QueueDeadLetter = "mcp.dead_letter"
)

var stageQueues = map[string]string{
	models.StageIntentAnalysis:    QueueIntent,
	models.StageEmbeddingLookup:   QueueEmbedding,
	models.StageExecutorReasoning: QueueExecutor,
	models.StageModeration:        QueueModerator,
	models.StageWebSearch:         QueueWebSearch,
}

// QueueForStage maps a dispatchable stage to its work queue.
func QueueForStage(stage string) (string, bool) {
	q, ok := stageQueues[stage]
	return q, ok
}

// WorkQueues lists every queue EnsureTopology provisions, dead letter last.
func WorkQueues() []string {
	return []string{
		QueueIntent,
		QueueEmbedding,
		QueueExecutor,
		QueueModerator,
		QueueWebSearch,
		QueueResponses,
		QueueDeadLetter,
	}
}

// Stream names cannot contain dots, so the queue subject is flattened.
// intent.task lives on stream mcp_tasks_intent_task.
func streamName(queue string) string {
	if queue == QueueDeadLetter {
		return "mcp_dlx"
	}
	return "mcp_tasks_" + strings.ReplaceAll(queue, ".", "_")
}

func consumerName(queue string) string {
	return "mcp_workers_" + strings.ReplaceAll(queue, ".", "_")
}

// EnsureTopology creates or updates every queue stream. Idempotent; both
// binaries call it on startup so either may come up first.
func (b *Broker) EnsureTopology(ctx context.Context) error {
	for _, queue := range WorkQueues() {
		if queue == QueueDeadLetter {
			continue
		}
		_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName(queue),
			Subjects:  []string{queue},
			Retention: jetstream.WorkQueuePolicy,
			MaxMsgs:   b.cfg.QueueMaxLength,
			Discard:   jetstream.DiscardNew,
			MaxAge:    b.cfg.MessageTTL,
			Storage:   jetstream.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("ensure stream for queue %s: %w", queue, err)
		}
	}

	// Dead letters keep limits retention so inspection does not consume them.
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(QueueDeadLetter),
		Subjects: []string{QueueDeadLetter},
		MaxAge:   24 * time.Hour,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure dead letter stream: %w", err)
	}

	b.logger.Info("Broker topology ensured",
		"queues", len(WorkQueues()),
		"max_length", b.cfg.QueueMaxLength,
		"message_ttl", b.cfg.MessageTTL)
	return nil
}

// PublishTask enqueues a task message. A full queue returns ErrQueueFull.
func (b *Broker) PublishTask(ctx context.Context, queue string, msg *models.TaskMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	if _, err := b.js.Publish(ctx, queue, data); err != nil {
		if isStreamFull(err) {
			return fmt.Errorf("publish to %s: %w", queue, ErrQueueFull)
		}
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// With DiscardNew the server reports a full stream as a store failure.
func isStreamFull(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.ErrorCode(server.JSStreamStoreFailedF)
}

// TaskHandler processes one dequeued task message. A nil return acks the
// message; an error triggers the redelivery policy.
type TaskHandler func(ctx context.Context, msg *models.TaskMessage) error

// Consume runs the fetch-one/process/ack loop for a queue until ctx ends.
// All replicas share one durable consumer, so instances compete for work.
//
// Redelivery policy: the first handler failure naks the message back onto
// the queue; a second failure, or a message that cannot be decoded at all,
// goes to the dead letter queue and the delivery is terminated.
func (b *Broker) Consume(ctx context.Context, queue string, handler TaskHandler) error {
	stream, err := b.js.Stream(ctx, streamName(queue))
	if err != nil {
		return fmt.Errorf("get stream for queue %s: %w", queue, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName(queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    2,
	})
	if err != nil {
		return fmt.Errorf("create consumer for queue %s: %w", queue, err)
	}

	logger := b.logger.With("queue", queue)
	logger.Info("Consuming", "consumer", consumerName(queue), "prefetch", b.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(b.cfg.Prefetch, jetstream.FetchMaxWait(b.cfg.FetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.dispatch(ctx, queue, msg, handler)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Message fetch error", "error", err)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, queue string, msg jetstream.Msg, handler TaskHandler) {
	logger := b.logger.With("queue", queue)

	var task models.TaskMessage
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		logger.Error("Dead-lettering undecodable message", "error", err)
		b.deadLetter(ctx, queue, msg.Data(), "deserialize", err)
		b.terminate(msg, logger)
		return
	}
	if err := task.Validate(); err != nil {
		logger.Error("Dead-lettering invalid message", "error", err)
		b.deadLetter(ctx, queue, msg.Data(), "validate", err)
		b.terminate(msg, logger)
		return
	}

	if err := handler(ctx, &task); err != nil {
		deliveries := uint64(1)
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			deliveries = meta.NumDelivered
		}
		if deliveries >= 2 {
			logger.Error("Dead-lettering after redelivery failure",
				"task_id", task.TaskID, "deliveries", deliveries, "error", err)
			b.deadLetter(ctx, queue, msg.Data(), "handler", err)
			b.terminate(msg, logger)
			return
		}
		logger.Warn("Handler failed, requeueing", "task_id", task.TaskID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("Failed to NAK message", "error", nakErr)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		logger.Warn("Failed to ACK message", "task_id", task.TaskID, "error", err)
	}
}

func (b *Broker) terminate(msg jetstream.Msg, logger *slog.Logger) {
	if err := msg.Term(); err != nil {
		logger.Warn("Failed to terminate delivery", "error", err)
	}
}

// DeadLetter wraps a failed message with enough context to diagnose it.
type DeadLetter struct {
	Queue    string    `json:"queue"`
	Reason   string    `json:"reason"`
	Payload  []byte    `json:"payload"`
	FailedAt time.Time `json:"failed_at"`
}

// kind is one of "deserialize", "validate", or "handler".
func (b *Broker) deadLetter(ctx context.Context, queue string, payload []byte, kind string, cause error) {
	data, err := json.Marshal(DeadLetter{
		Queue:    queue,
		Reason:   kind + ": " + cause.Error(),
		Payload:  payload,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("Failed to marshal dead letter", "queue", queue, "error", err)
		return
	}
	if _, err := b.js.Publish(ctx, QueueDeadLetter, data); err != nil {
		b.logger.Error("Failed to publish dead letter", "queue", queue, "error", err)
		return
	}
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(queue, kind)
	}
}

// QueueInfo is a point-in-time snapshot of one queue.
type QueueInfo struct {
	Queue     string    `json:"queue"`
	Pending   uint64    `json:"pending"`
	Consumers int       `json:"consumers"`
	Bytes     uint64    `json:"bytes"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}

// QueueStatus reports the depth and consumer count of one queue.
func (b *Broker) QueueStatus(ctx context.Context, queue string) (*QueueInfo, error) {
	stream, err := b.js.Stream(ctx, streamName(queue))
	if err != nil {
		return nil, fmt.Errorf("get stream for queue %s: %w", queue, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stream info for queue %s: %w", queue, err)
	}
	qi := &QueueInfo{
		Queue:     queue,
		Pending:   info.State.Msgs,
		Consumers: info.State.Consumers,
		Bytes:     info.State.Bytes,
	}
	if info.State.Msgs > 0 {
		qi.OldestAt = info.State.FirstTime
	}
	return qi, nil
}

// AllQueueStatuses snapshots every queue, dead letter included.
func (b *Broker) AllQueueStatuses(ctx context.Context) ([]QueueInfo, error) {
	statuses := make([]QueueInfo, 0, len(WorkQueues()))
	for _, queue := range WorkQueues() {
		qi, err := b.QueueStatus(ctx, queue)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *qi)
	}
	return statuses, nil
}
