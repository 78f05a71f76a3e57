// Package session defines durable session lifecycle and run metadata primitives.
//
// A Session is the first-class conversational container. Runs must always belong
// to a session. Session lifecycle is explicit: sessions are created and ended
// independently of run/workflow lifecycle.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/flowloom/agentcore/runtime/agent/model"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	// - Session IDs are stable and caller-provided (typically owned by an application).
	// - Sessions are created explicitly (CreateSession) and ended explicitly (EndSession).
	// - Ended sessions are terminal: new runs must not start under an ended session.
	// - Session exclusively owns its Messages; all mutation goes through
	//   AppendMessage/ExcludeMessage on the Store.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// Status is the current session lifecycle state.
		Status SessionStatus
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// EndedAt is set when the session is ended.
		EndedAt *time.Time
		// SystemPrompt is the system prompt in effect for the session.
		SystemPrompt string
		// Usage is the cumulative token usage across every run in this
		// session.
		Usage model.TokenUsage
	}

	// ToolCallRef references a single tool invocation requested by an
	// assistant message.
	ToolCallRef struct {
		CallID   string
		ToolName string
		ArgsJSON string
	}

	// FinishReason enumerates why a provider stopped generating a message.
	FinishReason string

	// Message is one entry in a session's append-only conversation
	// history.
	//
	// Messages are append-only except for the ExcludedFromContext /
	// ExcludedReason pair, which is the sole mutable field: invalid
	// responses are preserved in history for audit but hidden from future
	// provider calls.
	Message struct {
		// ID is a unique identifier for the message within the session.
		ID string
		// SessionID is the owning session.
		SessionID string
		// Seq is a strictly increasing arrival-order sequence number
		// within the session.
		Seq int64
		// Role is one of system, user, assistant, tool.
		Role model.ConversationRole
		// Parts are the ordered typed content blocks (text/image/file/
		// audio/video).
		Parts []model.Part
		// ToolCalls is populated on assistant messages that requested
		// tool invocations.
		ToolCalls []ToolCallRef
		// ToolCallID references the assistant tool_calls entry this
		// tool-role message answers.
		ToolCallID string
		// FinishReason records why the provider stopped, when known.
		FinishReason FinishReason
		// ExcludedFromContext hides the message from future provider
		// calls while keeping it in the durable history.
		ExcludedFromContext bool
		// ExcludedReason explains why the message was excluded (e.g.
		// "invalid_response").
		ExcludedReason string
		// CreatedAt records arrival time.
		CreatedAt time.Time
	}

	// ToolInvocationStatus enumerates the lifecycle of a tool invocation.
	ToolInvocationStatus string

	// ToolInvocation tracks one in-flight or completed tool call, created
	// on tool_call_created and mutated by stream/result events.
	ToolInvocation struct {
		CallID       string
		SessionID    string
		ToolName     string
		Args         map[string]any
		Status       ToolInvocationStatus
		StartedAt    time.Time
		FinishedAt   *time.Time
		StreamChunks []string
		Result       *string
		ExitCode     *int
	}

	// RunMeta captures persistent metadata associated with a run execution.
	RunMeta struct {
		// AgentID identifies which agent processed the run.
		AgentID string
		// RunID is the durable workflow run identifier.
		RunID string
		// SessionID associates related runs (e.g., chat sessions).
		SessionID string
		// Status indicates the current lifecycle state.
		Status RunStatus
		// StartedAt records when the run began.
		StartedAt time.Time
		// UpdatedAt records when the run metadata was last updated.
		UpdatedAt time.Time
		// Labels stores caller- or policy-provided labels.
		Labels map[string]string
		// Metadata stores implementation-specific metadata (e.g., error codes).
		Metadata map[string]any
	}

	// Store persists session lifecycle state and run metadata.
	//
	// Store implementations must be durable: failures are surfaced to callers so
	// workflows can fail fast when session/run metadata is unavailable.
	Store interface {
		// CreateSession creates (or returns) an active session.
		//
		// Contract:
		// - Idempotent for active sessions: returns the existing session.
		// - Returns ErrSessionEnded when the session exists but is terminal.
		CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (Session, error)
		// LoadSession loads an existing session.
		// Returns ErrSessionNotFound when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent: ending an already-ended session returns the stored session.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

		// UpsertRun inserts or updates run metadata.
		UpsertRun(ctx context.Context, run RunMeta) error
		// LoadRun loads run metadata. Returns ErrRunNotFound when missing.
		LoadRun(ctx context.Context, runID string) (RunMeta, error)
		// ListRunsBySession lists runs for the given session. When statuses is
		// non-empty, only runs whose status matches one of the provided values
		// are returned.
		ListRunsBySession(ctx context.Context, sessionID string, statuses []RunStatus) ([]RunMeta, error)

		// AppendMessage appends a message to the session's history and
		// assigns it a strictly increasing Seq. Implementations must
		// serialize appends per session so ordering is deterministic
		// under concurrent writers.
		AppendMessage(ctx context.Context, msg Message) (Message, error)
		// ExcludeMessage flags a previously appended message as excluded
		// from future provider context. This is the only permitted
		// mutation of an already-appended message.
		ExcludeMessage(ctx context.Context, sessionID, messageID, reason string) error
		// ActiveContext returns every non-excluded message for the
		// session, in arrival order, suitable for passing to a provider.
		ActiveContext(ctx context.Context, sessionID string) ([]Message, error)
		// FullHistory returns every message for the session, including
		// excluded ones, in arrival order.
		FullHistory(ctx context.Context, sessionID string) ([]Message, error)
	}

	// SessionStatus represents the lifecycle state of a session.
	SessionStatus string

	// RunStatus represents the lifecycle state of a run.
	RunStatus string
)

const (
	// StatusActive indicates the session is open for new runs.
	StatusActive SessionStatus = "active"
	// StatusEnded indicates the session is terminal and must not accept new runs.
	StatusEnded SessionStatus = "ended"

	// RunStatusPending indicates the run has been accepted but not started yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the run is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused indicates the run is waiting for external input (pause/await).
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the run was canceled externally.
	RunStatusCanceled RunStatus = "canceled"

	// FinishReasonStop indicates the model reached a natural stopping point.
	FinishReasonStop FinishReason = "stop"
	// FinishReasonLength indicates the model was cut off by a token limit.
	FinishReasonLength FinishReason = "length"
	// FinishReasonToolCalls indicates the model stopped to request tool calls.
	FinishReasonToolCalls FinishReason = "tool_calls"
	// FinishReasonContentFilter indicates a content filter truncated generation.
	FinishReasonContentFilter FinishReason = "content_filter"

	// ToolInvocationRunning indicates the tool call is in flight.
	ToolInvocationRunning ToolInvocationStatus = "running"
	// ToolInvocationSucceeded indicates the tool call completed successfully.
	ToolInvocationSucceeded ToolInvocationStatus = "succeeded"
	// ToolInvocationFailed indicates the tool call completed with an error.
	ToolInvocationFailed ToolInvocationStatus = "failed"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates a session exists but is ended.
	ErrSessionEnded = errors.New("session ended")
	// ErrRunNotFound indicates run metadata does not exist in the store.
	ErrRunNotFound = errors.New("run not found")
)
