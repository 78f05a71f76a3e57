// Package inmem provides an in-memory implementation of memory.Memory for
// tests and local development, composing session/inmem.Store with
// subtask.InMemStore and managedtask.NewInMemStore.
package inmem

import (
	"context"
	"sync"

	"github.com/flowloom/agentcore/runtime/agent/managedtask"
	sessioninmem "github.com/flowloom/agentcore/runtime/agent/session/inmem"
	"github.com/flowloom/agentcore/runtime/agent/subtask"
)

// Memory is an in-memory memory.Memory implementation. It is safe for
// concurrent use. Close is a no-op; Initialize closes a ready signal once
// (repeated calls are harmless), and WaitForInitialization blocks until that
// has happened or ctx is done.
type Memory struct {
	*sessioninmem.Store

	mu     sync.Mutex
	ready  chan struct{}
	closed bool

	subtasks *subtask.InMemStore
	tasks    managedtask.Store
}

// New returns a ready-to-use Memory backed entirely by process memory.
func New() *Memory {
	return &Memory{
		Store:    sessioninmem.New(),
		ready:    make(chan struct{}),
		subtasks: subtask.NewInMemStore(),
		tasks:    managedtask.NewInMemStore(),
	}
}

// Initialize marks the backend ready. Safe to call multiple times; only the
// first call closes the ready signal.
func (m *Memory) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	return nil
}

// Close releases backend resources. No-op for the in-memory backend.
func (m *Memory) Close(_ context.Context) error {
	return nil
}

// WaitForInitialization blocks until a concurrent Initialize call (if any)
// has completed.
func (m *Memory) WaitForInitialization(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubTaskRuns implements memory.Memory.
func (m *Memory) SubTaskRuns() subtask.Store { return m.subtasks }

// ManagedTasks implements memory.Memory.
func (m *Memory) ManagedTasks() managedtask.Store { return m.tasks }
