// Package subtaskruntime wires the Sub-Task Runtime's data layer
// (subtask.Store) to a live Loop Engine, exposing the task/task_output/
// task_stop/task_create/task_get/task_list/task_update tool surface and
// owning background-task lifecycle (heartbeat, crash recovery).
//
// This lives in its own package rather than inside runtime/agent/subtask
// because it must import runtime/agent/loop, and loop already imports
// runtime/agent/memory, which in turn embeds subtask.Store in the Memory
// aggregate — importing loop from subtask itself would close that cycle.
package subtaskruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flowloom/agentcore/runtime/agent/loop"
	"github.com/flowloom/agentcore/runtime/agent/managedtask"
	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/subtask"
	"github.com/flowloom/agentcore/runtime/agent/tools"
)

const (
	// ToolTask runs a child agent, foreground or background.
	ToolTask = tools.Ident("task")
	// ToolTaskOutput polls or blocks for a background task's progress/result.
	ToolTaskOutput = tools.Ident("task_output")
	// ToolTaskStop requests cooperative cancellation of a running task.
	ToolTaskStop = tools.Ident("task_stop")
	// ToolTaskCreate, ToolTaskGet, ToolTaskList, ToolTaskUpdate expose CRUD
	// over the Managed Task Store to the model.
	ToolTaskCreate = tools.Ident("task_create")
	ToolTaskGet    = tools.Ident("task_get")
	ToolTaskList   = tools.Ident("task_list")
	ToolTaskUpdate = tools.Ident("task_update")

	// errCodeTaskNotFound is returned in tool results when a runId is unknown.
	errCodeTaskNotFound = "TASK_NOT_FOUND"

	// modelEnvPrefix prefixes the environment variable consulted when
	// resolving a task's model-routing hint, e.g. TASK_SUBAGENT_MODEL_SONNET.
	modelEnvPrefix = "TASK_SUBAGENT_MODEL_"
)

type (
	// RuntimeConfig tunes the background-task lifecycle.
	RuntimeConfig struct {
		// HeartbeatInterval is how often a running background task's
		// liveness is checked and a snapshot considered for persistence.
		// Defaults to 1s.
		HeartbeatInterval time.Duration
		// SnapshotMinInterval bounds how often a snapshot is actually
		// persisted absent a status change. Defaults to 1.5s.
		SnapshotMinInterval time.Duration
		// StopGracePeriod bounds how long task_stop waits for cooperative
		// cancellation before forcing status=cancelled. Defaults to 2s.
		StopGracePeriod time.Duration
	}

	// EngineFactory builds a Loop Engine bound to a child session, ready to
	// run a sub-task's conversation. The returned Engine already has its
	// provider client, tool registry, memory backend, and emitter wired by
	// the caller (they are shared with the parent's runtime environment).
	EngineFactory func(childSessionID string) *loop.Engine

	// EnsureSession creates (or resumes) the child session a sub-task run
	// will execute against.
	EnsureSession func(ctx context.Context, childSessionID string) error

	// Runtime implements the Sub-Task Runtime: it exposes the task/
	// task_output/task_stop/task_create/task_get/task_list/task_update
	// tool surface on top of a subtask.Store and a managedtask.Store, and
	// owns background-task lifecycle (heartbeat, crash recovery).
	Runtime struct {
		store         subtask.Store
		managedTasks  managedtask.Store
		newEngine     EngineFactory
		ensureSession EnsureSession
		cfg           RuntimeConfig

		mu      sync.Mutex
		cancels map[string]context.CancelFunc
	}

	// taskPayload is the payload schema for the "task" tool.
	taskPayload struct {
		Mode         string `json:"mode"`
		Prompt       string `json:"prompt"`
		Description  string `json:"description"`
		SubagentType string `json:"subagent_type"`
		Model        string `json:"model"`
	}

	taskOutputPayload struct {
		RunID     string `json:"run_id"`
		Block     bool   `json:"block"`
		TimeoutMs int    `json:"timeout_ms"`
	}

	taskStopPayload struct {
		RunID string `json:"run_id"`
	}

	taskCreatePayload struct {
		Subject     string         `json:"subject"`
		Description string         `json:"description"`
		ActiveForm  string         `json:"active_form"`
		Metadata    map[string]any `json:"metadata"`
	}

	taskGetPayload struct {
		ID string `json:"id"`
	}

	taskUpdatePayload struct {
		ID          string         `json:"id"`
		Status      string         `json:"status"`
		Subject     string         `json:"subject"`
		Description string         `json:"description"`
		ActiveForm  string         `json:"active_form"`
		Owner       string         `json:"owner"`
		AddBlocks   []string       `json:"add_blocks"`
		AddBlocked  []string       `json:"add_blocked_by"`
		Metadata    map[string]any `json:"metadata"`
	}
)

// NewRuntime builds a Runtime. parentSessionID-scoped calls derive child
// session ids as "<parentSessionID>::subtask::<runId>".
func NewRuntime(store subtask.Store, managedTasks managedtask.Store, newEngine EngineFactory, ensureSession EnsureSession, cfg RuntimeConfig) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.SnapshotMinInterval <= 0 {
		cfg.SnapshotMinInterval = 1500 * time.Millisecond
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 2 * time.Second
	}
	return &Runtime{
		store:         store,
		managedTasks:  managedTasks,
		newEngine:     newEngine,
		ensureSession: ensureSession,
		cfg:           cfg,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// RegisterTools registers the full task/task_output/task_stop/task_*
// tool surface against registry, bound to parentSessionID so the model's
// tool calls within that session operate on that session's runs and
// managed tasks.
func (rt *Runtime) RegisterTools(registry *tools.Registry, parentSessionID string) error {
	handlers := []tools.Registration{
		{Spec: toolSpec(ToolTask, "spawn a child agent to perform a sub-task, foreground or background"),
			Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
				return rt.handleTask(ctx, parentSessionID, payload)
			}},
		{Spec: toolSpec(ToolTaskOutput, "fetch progress or the final result of a background task"),
			Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
				return rt.handleTaskOutput(ctx, payload)
			}},
		{Spec: toolSpec(ToolTaskStop, "request cancellation of a running task"),
			Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
				return rt.handleTaskStop(ctx, payload)
			}},
		{Spec: toolSpec(ToolTaskCreate, "create a managed task in the session's todo list"),
			Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
				return rt.handleTaskCreate(ctx, parentSessionID, payload)
			}},
		{Spec: toolSpec(ToolTaskGet, "get a managed task by id"),
			Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
				return rt.handleTaskGet(ctx, parentSessionID, payload)
			}},
		{Spec: toolSpec(ToolTaskList, "list managed tasks for the session"),
			Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return rt.managedTasks.List(ctx, parentSessionID)
			}},
		{Spec: toolSpec(ToolTaskUpdate, "update a managed task's status or fields"),
			Handler: func(ctx context.Context, payload json.RawMessage) (any, error) {
				return rt.handleTaskUpdate(ctx, parentSessionID, payload)
			}},
	}
	for _, reg := range handlers {
		if err := registry.Register(reg.Spec, reg.Handler); err != nil {
			return fmt.Errorf("subtaskruntime: register %s: %w", reg.Spec.Name, err)
		}
	}
	return nil
}

func toolSpec(name tools.Ident, description string) tools.ToolSpec {
	return tools.ToolSpec{
		Name:        name,
		Description: description,
		Payload:     tools.TypeSpec{Name: string(name) + "_payload", Codec: tools.AnyJSONCodec},
		Result:      tools.TypeSpec{Name: string(name) + "_result", Codec: tools.AnyJSONCodec},
	}
}

// resolveModelHint looks up TASK_SUBAGENT_MODEL_<UPPER(hint)>. It returns
// the resolved provider model id and whether a mapping was found.
func resolveModelHint(hint string) (string, bool) {
	if hint == "" {
		return "", false
	}
	v := os.Getenv(modelEnvPrefix + strings.ToUpper(hint))
	if v == "" {
		return "", false
	}
	return v, true
}

func childSessionID(parentSessionID, runID string) string {
	return fmt.Sprintf("%s::subtask::%s", parentSessionID, runID)
}

func (rt *Runtime) handleTask(ctx context.Context, parentSessionID string, payload json.RawMessage) (any, error) {
	var in taskPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("subtaskruntime: decode task payload: %w", err)
		}
	}
	mode := subtask.Mode(in.Mode)
	if mode != subtask.ModeBackground {
		mode = subtask.ModeForeground
	}

	run, err := rt.store.Create(ctx, subtask.CreateInput{
		ParentSessionID: parentSessionID,
		Mode:            mode,
		Description:     in.Description,
		Prompt:          in.Prompt,
		SubagentType:    in.SubagentType,
		ModelHint:       in.Model,
	})
	if err != nil {
		return nil, err
	}
	childID := childSessionID(parentSessionID, run.RunID)
	if _, err := rt.store.Update(ctx, run.RunID, func(r *subtask.Run) { r.ChildSessionID = childID }); err != nil {
		return nil, err
	}

	resolvedModel, applied := resolveModelHint(in.Model)

	if mode == subtask.ModeForeground {
		result := rt.runForeground(ctx, run.RunID, childID, in.Prompt, resolvedModel)
		result["model_applied"] = applied
		return result, nil
	}

	rt.runBackground(run.RunID, childID, in.Prompt, resolvedModel)
	return map[string]any{
		"run_id":        run.RunID,
		"status":        string(subtask.StatusQueued),
		"model_applied": applied,
	}, nil
}

func (rt *Runtime) runForeground(ctx context.Context, runID, childID, prompt, modelOverride string) map[string]any {
	if err := rt.ensureSession(ctx, childID); err != nil {
		return map[string]any{"run_id": runID, "status": string(subtask.StatusFailed), "error": err.Error()}
	}
	now := time.Now().UTC()
	if _, err := rt.store.Update(ctx, runID, func(r *subtask.Run) { r.Status = subtask.StatusRunning; r.StartedAt = &now }); err != nil {
		return map[string]any{"run_id": runID, "status": string(subtask.StatusFailed), "error": err.Error()}
	}

	eng := rt.newEngine(childID)
	res, err := eng.Execute(ctx, loop.Input{SessionID: childID, Messages: promptMessages(prompt), Model: modelOverride})

	finishedAt := time.Now().UTC()
	if err != nil {
		errMsg := err.Error()
		_, _ = rt.store.Update(ctx, runID, func(r *subtask.Run) { r.Status = subtask.StatusFailed; r.FinishedAt = &finishedAt; r.Error = &errMsg })
		return map[string]any{"run_id": runID, "status": string(subtask.StatusFailed), "error": errMsg}
	}
	if res.Failure != nil {
		errMsg := res.Failure.UserMessage
		_, _ = rt.store.Update(ctx, runID, func(r *subtask.Run) { r.Status = subtask.StatusFailed; r.FinishedAt = &finishedAt; r.Error = &errMsg })
		return map[string]any{"run_id": runID, "status": string(subtask.StatusFailed), "error": errMsg}
	}
	output := res.FinalMessage
	_, _ = rt.store.Update(ctx, runID, func(r *subtask.Run) {
		r.Status = subtask.StatusCompleted
		r.FinishedAt = &finishedAt
		r.Output = &output
		r.Turns = res.LoopCount
	})
	return map[string]any{"run_id": runID, "status": string(subtask.StatusCompleted), "output": output}
}

func (rt *Runtime) runBackground(runID, childID, prompt, modelOverride string) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.cancels[runID] = cancel
	rt.mu.Unlock()

	go func() {
		defer func() {
			rt.mu.Lock()
			delete(rt.cancels, runID)
			rt.mu.Unlock()
			cancel()
		}()

		if err := rt.ensureSession(ctx, childID); err != nil {
			errMsg := err.Error()
			_, _ = rt.store.Update(context.Background(), runID, func(r *subtask.Run) { r.Status = subtask.StatusFailed; r.Error = &errMsg })
			return
		}
		now := time.Now().UTC()
		if _, err := rt.store.Update(ctx, runID, func(r *subtask.Run) { r.Status = subtask.StatusRunning; r.StartedAt = &now }); err != nil {
			return
		}

		stopHeartbeat := rt.startHeartbeat(ctx, runID)
		eng := rt.newEngine(childID)
		res, err := eng.Execute(ctx, loop.Input{SessionID: childID, Messages: promptMessages(prompt), Model: modelOverride})
		stopHeartbeat()

		finishedAt := time.Now().UTC()
		switch {
		case err != nil:
			errMsg := err.Error()
			_, _ = rt.store.Update(context.Background(), runID, func(r *subtask.Run) {
				r.Status = resolveCancelledOr(r.Status, subtask.StatusFailed)
				r.FinishedAt = &finishedAt
				r.Error = &errMsg
			})
		case res.Failure != nil:
			errMsg := res.Failure.UserMessage
			_, _ = rt.store.Update(context.Background(), runID, func(r *subtask.Run) {
				r.Status = resolveCancelledOr(r.Status, subtask.StatusFailed)
				r.FinishedAt = &finishedAt
				r.Error = &errMsg
			})
		default:
			output := res.FinalMessage
			_, _ = rt.store.Update(context.Background(), runID, func(r *subtask.Run) {
				r.Status = resolveCancelledOr(r.Status, subtask.StatusCompleted)
				r.FinishedAt = &finishedAt
				r.Output = &output
				r.Turns = res.LoopCount
			})
		}
	}()
}

// resolveCancelledOr preserves a cancelling->cancelled transition instead
// of overwriting it with the loop's own terminal status, since a
// concurrent task_stop call may have already requested cancellation.
func resolveCancelledOr(current subtask.Status, fallback subtask.Status) subtask.Status {
	if current == subtask.StatusCancelling {
		return subtask.StatusCancelled
	}
	return fallback
}

// startHeartbeat ticks at cfg.HeartbeatInterval but only persists a
// snapshot every cfg.SnapshotMinInterval, matching the "persist at most
// every 1.5s, or on change" contract: the ticker drives liveness checks
// more often than it drives writes.
func (rt *Runtime) startHeartbeat(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
		defer ticker.Stop()
		var lastPersisted time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if time.Since(lastPersisted) < rt.cfg.SnapshotMinInterval {
					continue
				}
				_ = rt.store.Heartbeat(context.Background(), runID, "", 0, 0)
				lastPersisted = time.Now()
			}
		}
	}()
	return func() { close(done) }
}

func promptMessages(prompt string) []*model.Message {
	if prompt == "" {
		return nil
	}
	return []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}}}
}

func (rt *Runtime) handleTaskOutput(ctx context.Context, payload json.RawMessage) (any, error) {
	var in taskOutputPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("subtaskruntime: decode task_output payload: %w", err)
	}

	run, err := rt.store.Get(ctx, in.RunID)
	if err != nil {
		if err == subtask.ErrNotFound {
			return map[string]any{"error": errCodeTaskNotFound}, nil
		}
		return nil, err
	}

	if in.Block && !subtask.Terminal(run.Status) {
		timeout := time.Duration(in.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
			run, err = rt.store.Get(ctx, in.RunID)
			if err != nil {
				return nil, err
			}
			if subtask.Terminal(run.Status) {
				break
			}
		}
	}

	return map[string]any{
		"run_id":           run.RunID,
		"status":           string(run.Status),
		"turns":            run.Turns,
		"message_count":    run.MessageCount,
		"last_tool_name":   run.LastToolName,
		"last_activity_at": run.LastActivityAt,
		"output":           run.Output,
		"error":            run.Error,
	}, nil
}

func (rt *Runtime) handleTaskStop(ctx context.Context, payload json.RawMessage) (any, error) {
	var in taskStopPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("subtaskruntime: decode task_stop payload: %w", err)
	}

	run, err := rt.store.Get(ctx, in.RunID)
	if err != nil {
		if err == subtask.ErrNotFound {
			return map[string]any{"error": errCodeTaskNotFound}, nil
		}
		return nil, err
	}
	if subtask.Terminal(run.Status) {
		return map[string]any{"run_id": run.RunID, "status": string(run.Status)}, nil
	}

	if _, err := rt.store.Update(ctx, in.RunID, func(r *subtask.Run) { r.Status = subtask.StatusCancelling }); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	cancel, ok := rt.cancels[in.RunID]
	rt.mu.Unlock()
	if ok {
		cancel()
	}

	deadline := time.Now().Add(rt.cfg.StopGracePeriod)
	for time.Now().Before(deadline) {
		run, err = rt.store.Get(ctx, in.RunID)
		if err != nil {
			return nil, err
		}
		if subtask.Terminal(run.Status) {
			return map[string]any{"run_id": run.RunID, "status": string(run.Status)}, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	final, err := rt.store.Update(ctx, in.RunID, func(r *subtask.Run) {
		if !subtask.Terminal(r.Status) {
			r.Status = subtask.StatusCancelled
			now := time.Now().UTC()
			r.FinishedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": final.RunID, "status": string(final.Status)}, nil
}

func (rt *Runtime) handleTaskCreate(ctx context.Context, sessionID string, payload json.RawMessage) (any, error) {
	var in taskCreatePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("subtaskruntime: decode task_create payload: %w", err)
	}
	return rt.managedTasks.Create(ctx, sessionID, managedtask.CreateInput{
		Subject:     in.Subject,
		Description: in.Description,
		ActiveForm:  in.ActiveForm,
		Metadata:    in.Metadata,
	})
}

func (rt *Runtime) handleTaskGet(ctx context.Context, sessionID string, payload json.RawMessage) (any, error) {
	var in taskGetPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("subtaskruntime: decode task_get payload: %w", err)
	}
	return rt.managedTasks.Get(ctx, sessionID, in.ID)
}

func (rt *Runtime) handleTaskUpdate(ctx context.Context, sessionID string, payload json.RawMessage) (any, error) {
	var in taskUpdatePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("subtaskruntime: decode task_update payload: %w", err)
	}
	upd := managedtask.UpdateInput{AddBlocks: in.AddBlocks, AddBlockedBy: in.AddBlocked, Metadata: in.Metadata}
	if in.Status != "" {
		st := managedtask.Status(in.Status)
		upd.Status = &st
	}
	if in.Subject != "" {
		upd.Subject = &in.Subject
	}
	if in.Description != "" {
		upd.Description = &in.Description
	}
	if in.ActiveForm != "" {
		upd.ActiveForm = &in.ActiveForm
	}
	if in.Owner != "" {
		upd.Owner = &in.Owner
	}
	return rt.managedTasks.Update(ctx, sessionID, in.ID, upd)
}

// RecoverOnStartup scans persisted runs left in {queued, running,
// cancelling} and marks each failed with a standard interrupted-by-exit
// reason. Sequential by default; pass parallel=true to process concurrently
// (opt-in, since the default favors avoiding a provider rate-limiting storm
// on restart).
func (rt *Runtime) RecoverOnStartup(ctx context.Context, parallel bool) error {
	stale, err := rt.store.ListByStatus(ctx, subtask.StatusQueued, subtask.StatusRunning, subtask.StatusCancelling)
	if err != nil {
		return fmt.Errorf("subtaskruntime: list stale runs: %w", err)
	}

	markFailed := func(runID string) error {
		reason := "Task interrupted by program exit"
		now := time.Now().UTC()
		_, err := rt.store.Update(ctx, runID, func(r *subtask.Run) {
			r.Status = subtask.StatusFailed
			r.FinishedAt = &now
			r.Error = &reason
		})
		return err
	}

	if !parallel {
		for _, r := range stale {
			if err := markFailed(r.RunID); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(stale))
	for _, r := range stale {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			if err := markFailed(runID); err != nil {
				errCh <- err
			}
		}(r.RunID)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
