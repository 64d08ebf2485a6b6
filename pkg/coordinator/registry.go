package coordinator

import (
	"context"
	"sync"
)

// execution tracks one running task goroutine so it can be aborted
// individually or drained during shutdown.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// executionRegistry manages the lifecycle of per-task goroutines. Entries are
// registered before the goroutine starts and unregistered when it returns, so
// the registry only ever holds live executions.
type executionRegistry struct {
	mu     sync.Mutex
	active map[string]*execution
}

func newExecutionRegistry() *executionRegistry {
	return &executionRegistry{active: make(map[string]*execution)}
}

// register derives a cancellable context for the task and records it.
// The parent must outlive individual requests; executions are detached from
// the caller's context and stopped only via cancel or the parent.
func (r *executionRegistry) register(parent context.Context, taskID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	exec := &execution{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.active[taskID] = exec
	r.mu.Unlock()

	return ctx
}

// unregister removes the entry and signals waiters. Called from the execution
// goroutine's defer, also releasing the derived context.
func (r *executionRegistry) unregister(taskID string) {
	r.mu.Lock()
	exec, ok := r.active[taskID]
	if ok {
		delete(r.active, taskID)
	}
	r.mu.Unlock()

	if ok {
		exec.cancel()
		close(exec.done)
	}
}

// cancel requests cancellation of a specific task's execution. Returns false
// if no execution is live for the ID.
func (r *executionRegistry) cancel(taskID string) bool {
	r.mu.Lock()
	exec, ok := r.active[taskID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	exec.cancel()
	return true
}

// count returns the number of live executions.
func (r *executionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// waitAll blocks until every live execution has finished or the context
// expires.
func (r *executionRegistry) waitAll(ctx context.Context) {
	r.mu.Lock()
	execs := make([]*execution, 0, len(r.active))
	for _, exec := range r.active {
		execs = append(execs, exec)
	}
	r.mu.Unlock()

	for _, exec := range execs {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return
		}
	}
}
