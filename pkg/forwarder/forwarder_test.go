package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/models"
)

type fakeSink struct {
	mu       sync.Mutex
	steps    []*models.ReActStep
	attempts int
	failNext error
}

func (s *fakeSink) EmitReact(_ context.Context, step *models.ReActStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.steps = append(s.steps, step)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

func (s *fakeSink) last() *models.ReActStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return nil
	}
	return s.steps[len(s.steps)-1]
}

func (s *fakeSink) tried() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type fakeBus struct {
	mu       sync.Mutex
	subErrs  []error
	current  chan broker.EventMessage
	stops    []func()
	subCalls int
}

func (b *fakeBus) PatternSubscribe(_ context.Context, _ string) (<-chan broker.EventMessage, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCalls++
	if len(b.subErrs) > 0 {
		err := b.subErrs[0]
		b.subErrs = b.subErrs[1:]
		return nil, nil, err
	}
	ch := make(chan broker.EventMessage, 16)
	b.current = ch
	var once sync.Once
	stop := func() { once.Do(func() { close(ch) }) }
	b.stops = append(b.stops, stop)
	return ch, stop, nil
}

func (b *fakeBus) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subCalls
}

func (b *fakeBus) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

func (b *fakeBus) publish(t *testing.T, taskID string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	ch := b.current
	b.mu.Unlock()
	require.NotNil(t, ch, "no active subscription")
	ch <- broker.EventMessage{
		Channel: models.ReactChannel(taskID),
		Pattern: models.ReactChannelPattern,
		Payload: string(payload),
	}
}

func (b *fakeBus) dropSubscription() {
	b.mu.Lock()
	stop := b.stops[len(b.stops)-1]
	b.mu.Unlock()
	stop()
}

func stepPayload(t *testing.T, step models.ReActStep) []byte {
	t.Helper()
	data, err := json.Marshal(step)
	require.NoError(t, err)
	return data
}

func startForwarder(t *testing.T, bus Subscriber, sink Sink) *Forwarder {
	t.Helper()
	f := New(bus, sink)
	f.backoff = 5 * time.Millisecond
	f.maxBackoff = 20 * time.Millisecond
	f.Start(context.Background())
	t.Cleanup(f.Stop)
	return f
}

func waitForSubscription(t *testing.T, bus *fakeBus) {
	t.Helper()
	require.Eventually(t, bus.subscribed, 2*time.Second, 5*time.Millisecond)
}

func TestForwarderPersistsSteps(t *testing.T) {
	bus := &fakeBus{}
	sink := &fakeSink{}
	startForwarder(t, bus, sink)
	waitForSubscription(t, bus)

	bus.publish(t, "task-7", stepPayload(t, models.ReActStep{
		TaskID:    "task-7",
		AgentName: "executor_agent",
		StepKind:  models.StepThought,
		Message:   "reasoning over 2 sources",
	}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	step := sink.last()
	assert.Equal(t, "task-7", step.TaskID)
	assert.Equal(t, "executor_agent", step.AgentName)
	assert.Equal(t, models.StepThought, step.StepKind)
}

func TestForwarderSkipsMalformedPayload(t *testing.T) {
	bus := &fakeBus{}
	sink := &fakeSink{}
	startForwarder(t, bus, sink)
	waitForSubscription(t, bus)

	bus.publish(t, "task-1", []byte("not json at all"))
	bus.publish(t, "task-1", stepPayload(t, models.ReActStep{
		TaskID:   "task-1",
		StepKind: models.StepAction,
		Message:  "stage_start: intent_analysis",
	}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StepAction, sink.last().StepKind)
}

func TestForwarderFillsTaskIDFromChannel(t *testing.T) {
	bus := &fakeBus{}
	sink := &fakeSink{}
	startForwarder(t, bus, sink)
	waitForSubscription(t, bus)

	bus.publish(t, "task-9", stepPayload(t, models.ReActStep{
		StepKind: models.StepObservation,
		Message:  "found 3 documents",
	}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task-9", sink.last().TaskID)
}

func TestForwarderSkipsMismatchedTaskID(t *testing.T) {
	bus := &fakeBus{}
	sink := &fakeSink{}
	startForwarder(t, bus, sink)
	waitForSubscription(t, bus)

	// Addressed to task-2's channel but claiming task-1.
	bus.publish(t, "task-2", stepPayload(t, models.ReActStep{
		TaskID:   "task-1",
		StepKind: models.StepThought,
		Message:  "wrong mailbox",
	}))
	bus.publish(t, "task-2", stepPayload(t, models.ReActStep{
		TaskID:   "task-2",
		StepKind: models.StepThought,
		Message:  "right mailbox",
	}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task-2", sink.last().TaskID)
	assert.Equal(t, "right mailbox", sink.last().Message)
}

func TestForwarderSinkFailureDoesNotStallPump(t *testing.T) {
	bus := &fakeBus{}
	sink := &fakeSink{failNext: errors.New("redis down")}
	startForwarder(t, bus, sink)
	waitForSubscription(t, bus)

	bus.publish(t, "task-1", stepPayload(t, models.ReActStep{TaskID: "task-1", StepKind: models.StepThought, Message: "first"}))
	bus.publish(t, "task-1", stepPayload(t, models.ReActStep{TaskID: "task-1", StepKind: models.StepThought, Message: "second"}))

	require.Eventually(t, func() bool { return sink.tried() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "second", sink.last().Message)
}

func TestForwarderResubscribes(t *testing.T) {
	bus := &fakeBus{subErrs: []error{errors.New("redis unavailable")}}
	sink := &fakeSink{}
	startForwarder(t, bus, sink)

	// First attempt fails, second succeeds.
	require.Eventually(t, func() bool { return bus.calls() >= 2 && bus.subscribed() }, 2*time.Second, 5*time.Millisecond)

	// A dropped subscription is reestablished too.
	before := bus.calls()
	bus.dropSubscription()
	require.Eventually(t, func() bool { return bus.calls() > before }, 2*time.Second, 5*time.Millisecond)

	bus.publish(t, "task-1", stepPayload(t, models.ReActStep{TaskID: "task-1", StepKind: models.StepThought, Message: "still alive"}))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestForwarderStopIsIdempotent(t *testing.T) {
	bus := &fakeBus{}
	sink := &fakeSink{}
	f := New(bus, sink)
	f.backoff = 5 * time.Millisecond
	f.Start(context.Background())

	f.Stop()
	f.Stop()
}
