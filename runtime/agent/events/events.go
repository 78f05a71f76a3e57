// Package events implements the agent runtime's single client-facing event
// pipeline (the Emitter). It replaces the split between an internal hook bus
// and a separate client-facing stream that earlier runtimes carried: every
// event the loop engine produces flows through one closed vocabulary here,
// consumed either directly or through a streamadapter.Adapter.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowloom/agentcore/runtime/agent/telemetry"
)

// Kind identifies the category of an Event. The set is closed: runtimes must
// not introduce new kinds without updating every consumer (Emitter,
// streamadapter.Adapter, sinks).
type Kind string

const (
	KindTextStart         Kind = "text-start"
	KindTextDelta         Kind = "text-delta"
	KindTextComplete      Kind = "text-complete"
	KindReasoningStart    Kind = "reasoning-start"
	KindReasoningDelta    Kind = "reasoning-delta"
	KindReasoningComplete Kind = "reasoning-complete"
	KindToolCallCreated   Kind = "tool_call_created"
	KindToolCallStream    Kind = "tool_call_stream"
	KindToolCallResult    Kind = "tool_call_result"
	KindCodePatch         Kind = "code_patch"
	KindUsageUpdate       Kind = "usage_update"
	KindStatus            Kind = "status"
	KindError             Kind = "error"
	KindSubagentEvent     Kind = "subagent_event"
)

type (
	// Event is a single immutable event delivered to a Sink. Payload is
	// always JSON-serializable; concrete payload shapes live below and are
	// carried in Data.
	Event struct {
		Kind      Kind
		RunID     string
		SessionID string
		MsgID     string
		Timestamp time.Time
		Data      any
	}

	// TextPayload carries text-start/delta/complete and reasoning-*
	// payloads. Delta carries the incremental fragment; Text carries the
	// full accumulated text on *-complete events.
	TextPayload struct {
		Delta string `json:"delta,omitempty"`
		Text  string `json:"text,omitempty"`
	}

	// ToolCallCreatedPayload announces a new tool invocation the loop is
	// about to execute.
	ToolCallCreatedPayload struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Input      any    `json:"input,omitempty"`
	}

	// ToolCallStreamPayload carries an incremental tool-call argument or
	// output fragment. Consumers may ignore it; it is a best-effort UX
	// signal only.
	ToolCallStreamPayload struct {
		ToolCallID string `json:"toolCallId"`
		Delta      string `json:"delta"`
	}

	// ToolCallResultPayload reports the terminal outcome of a tool
	// invocation.
	ToolCallResultPayload struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Success    bool   `json:"success"`
		Output     any    `json:"output,omitempty"`
		Error      string `json:"error,omitempty"`
		DurationMS int64  `json:"durationMs"`
	}

	// CodePatchPayload carries a unified-diff style code change surfaced by
	// a tool (e.g. an edit/apply_patch tool).
	CodePatchPayload struct {
		Path  string `json:"path"`
		Patch string `json:"patch"`
	}

	// UsageUpdatePayload reports accumulated token usage for the run so
	// far.
	UsageUpdatePayload struct {
		InputTokens      int `json:"inputTokens"`
		OutputTokens     int `json:"outputTokens"`
		TotalTokens      int `json:"totalTokens"`
		CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
		CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
	}

	// StatusPayload reports a coarse lifecycle transition for the run.
	StatusPayload struct {
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}

	// ErrorPayload reports a terminal or recoverable error surfaced to the
	// client. Code is one of the runtime's closed failure codes.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// SubagentEventPayload wraps an event produced by a nested sub-task
	// run so parents can relay child activity without flattening it into
	// the parent's own event kinds.
	SubagentEventPayload struct {
		ChildRunID string          `json:"childRunId"`
		Event      json.RawMessage `json:"event"`
	}

	// Sink delivers events to a transport (SSE, WebSocket, log). Send must
	// be safe for concurrent use; the Emitter may call it from multiple
	// goroutines when tool batches stream in parallel.
	Sink interface {
		Send(ctx context.Context, e Event) error
		Close(ctx context.Context) error
	}

	// Emitter is the sole producer of client-facing events for a run. It
	// never blocks the caller and never panics: Sink errors are logged and
	// dropped so a slow or failed consumer cannot stall the loop engine.
	Emitter struct {
		sink      Sink
		runID     string
		sessionID string
		logger    telemetry.Logger

		mu    sync.Mutex
		usage UsageUpdatePayload
	}
)

// NewEmitter constructs an Emitter bound to a single run and session,
// publishing to sink. logger may be nil, in which case a no-op logger is
// used.
func NewEmitter(sink Sink, runID, sessionID string, logger telemetry.Logger) *Emitter {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Emitter{sink: sink, runID: runID, sessionID: sessionID, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, kind Kind, msgID string, data any) {
	if e == nil || e.sink == nil {
		return
	}
	ev := Event{
		Kind:      kind,
		RunID:     e.runID,
		SessionID: e.sessionID,
		MsgID:     msgID,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := e.sink.Send(ctx, ev); err != nil {
		e.logger.Warn(ctx, "events: sink send failed", "kind", string(kind), "run_id", e.runID, "error", err.Error())
	}
}

// TextStart announces the beginning of a streamed assistant text block.
func (e *Emitter) TextStart(ctx context.Context, msgID string) {
	e.emit(ctx, KindTextStart, msgID, TextPayload{})
}

// TextDelta streams an incremental text fragment for msgID.
func (e *Emitter) TextDelta(ctx context.Context, msgID, delta string) {
	e.emit(ctx, KindTextDelta, msgID, TextPayload{Delta: delta})
}

// TextComplete closes a text block, carrying the full accumulated text.
func (e *Emitter) TextComplete(ctx context.Context, msgID, text string) {
	e.emit(ctx, KindTextComplete, msgID, TextPayload{Text: text})
}

// ReasoningStart announces the beginning of a streamed reasoning block.
func (e *Emitter) ReasoningStart(ctx context.Context, msgID string) {
	e.emit(ctx, KindReasoningStart, msgID, TextPayload{})
}

// ReasoningDelta streams an incremental reasoning fragment for msgID.
func (e *Emitter) ReasoningDelta(ctx context.Context, msgID, delta string) {
	e.emit(ctx, KindReasoningDelta, msgID, TextPayload{Delta: delta})
}

// ReasoningComplete closes a reasoning block.
func (e *Emitter) ReasoningComplete(ctx context.Context, msgID, text string) {
	e.emit(ctx, KindReasoningComplete, msgID, TextPayload{Text: text})
}

// ToolCallCreated announces a new tool invocation.
func (e *Emitter) ToolCallCreated(ctx context.Context, toolCallID, toolName string, input any) {
	e.emit(ctx, KindToolCallCreated, toolCallID, ToolCallCreatedPayload{ToolCallID: toolCallID, ToolName: toolName, Input: input})
}

// ToolCallStream streams an incremental argument/output fragment for an
// in-flight tool call.
func (e *Emitter) ToolCallStream(ctx context.Context, toolCallID, delta string) {
	e.emit(ctx, KindToolCallStream, toolCallID, ToolCallStreamPayload{ToolCallID: toolCallID, Delta: delta})
}

// ToolCallResult reports the terminal outcome of a tool call.
func (e *Emitter) ToolCallResult(ctx context.Context, p ToolCallResultPayload) {
	e.emit(ctx, KindToolCallResult, p.ToolCallID, p)
}

// CodePatch surfaces a unified diff produced by a tool.
func (e *Emitter) CodePatch(ctx context.Context, path, patch string) {
	e.emit(ctx, KindCodePatch, "", CodePatchPayload{Path: path, Patch: patch})
}

// UsageUpdate accumulates and republishes token usage totals for the run.
// Accumulation is guarded by a mutex so concurrent tool execution cannot
// race on the running totals.
func (e *Emitter) UsageUpdate(ctx context.Context, delta UsageUpdatePayload) {
	e.mu.Lock()
	e.usage.InputTokens += delta.InputTokens
	e.usage.OutputTokens += delta.OutputTokens
	e.usage.TotalTokens += delta.TotalTokens
	e.usage.CacheReadTokens += delta.CacheReadTokens
	e.usage.CacheWriteTokens += delta.CacheWriteTokens
	snapshot := e.usage
	e.mu.Unlock()
	e.emit(ctx, KindUsageUpdate, "", snapshot)
}

// Status reports a coarse lifecycle transition (e.g. "running", "retrying",
// "completed", "aborted").
func (e *Emitter) Status(ctx context.Context, status, detail string) {
	e.emit(ctx, KindStatus, "", StatusPayload{Status: status, Detail: detail})
}

// Error reports a terminal or recoverable error using one of the runtime's
// closed failure codes.
func (e *Emitter) Error(ctx context.Context, code, message string) {
	e.emit(ctx, KindError, "", ErrorPayload{Code: code, Message: message})
}

// SubagentEvent relays a raw event produced by a nested sub-task run.
func (e *Emitter) SubagentEvent(ctx context.Context, childRunID string, raw json.RawMessage) {
	e.emit(ctx, KindSubagentEvent, "", SubagentEventPayload{ChildRunID: childRunID, Event: raw})
}

// Close releases the underlying sink.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil || e.sink == nil {
		return nil
	}
	return e.sink.Close(ctx)
}
