// Package memory defines the storage-agnostic aggregate the Loop Engine,
// Sub-Task Runtime, and Managed Task Store are built against. Concrete
// backends (inmem, redisstore) implement Memory by composing
// session.Store with sub-task-run and managed-task persistence.
package memory

import (
	"context"

	"github.com/flowloom/agentcore/runtime/agent/managedtask"
	"github.com/flowloom/agentcore/runtime/agent/session"
	"github.com/flowloom/agentcore/runtime/agent/subtask"
)

type (
	// Memory is the single storage dependency injected into a Loop Engine
	// instance. It composes session lifecycle/message persistence with
	// sub-task run and managed task CRUD so call sites never need to wire
	// three separate stores.
	Memory interface {
		// Initialize prepares the backend for use (connection pools,
		// schema checks). It is safe to call multiple times.
		Initialize(ctx context.Context) error
		// Close releases backend resources. Safe to call multiple times.
		Close(ctx context.Context) error
		// WaitForInitialization blocks until a concurrent Initialize call
		// (if any) has completed.
		WaitForInitialization(ctx context.Context) error

		session.Store

		// SubTaskRuns exposes the sub-task run store backing this memory
		// instance.
		SubTaskRuns() subtask.Store
		// ManagedTasks exposes the managed task store backing this memory
		// instance.
		ManagedTasks() managedtask.Store
	}
)
