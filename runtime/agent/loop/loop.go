// Package loop implements the agent's think/act execution core: the state
// machine that drives one conversation turn through repeated model calls,
// tool batches, and retries until it reaches a terminal outcome.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloom/agentcore/runtime/agent/events"
	"github.com/flowloom/agentcore/runtime/agent/memory"
	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/session"
	"github.com/flowloom/agentcore/runtime/agent/tools"
)

type (
	// Status is the coarse lifecycle state of an Engine's execution.
	Status string

	// CompactionConfig configures automatic history compaction.
	CompactionConfig struct {
		// TriggerTokens is the cumulative token count at which compaction runs.
		TriggerTokens int
		// KeepRecentMessages is the number of most recent messages preserved
		// verbatim when compaction runs.
		KeepRecentMessages int
	}

	// Config is the configuration surface for one Engine.
	Config struct {
		MaxLoops               int
		MaxRetries             int
		MaxCompensationRetries int
		RetryDelay             time.Duration
		RequestTimeout         time.Duration
		IdleTimeout            time.Duration
		MaxBufferSize          int

		// MaxToolStreamChunks bounds the number of streamed chunks kept for
		// a single tool invocation.
		MaxToolStreamChunks int
		// MaxToolStreamChars bounds the total characters kept across a
		// tool's streamed chunks.
		MaxToolStreamChars int
		// MaxToolResultChars truncates a tool's final result text.
		MaxToolResultChars int

		Stream           bool
		Thinking         bool
		EnableCompaction bool
		Compaction       CompactionConfig

		// Sanitize, when non-nil, is applied to a tool result's Output
		// before it is persisted to session history or emitted, letting
		// callers redact sensitive tool output.
		Sanitize func(toolName string, output any) any
	}

	// Input carries the arguments for one Execute call.
	Input struct {
		SessionID    string
		SystemPrompt string
		// Messages seeds the conversation for this invocation, appended to
		// whatever context already exists in the session.
		Messages []*model.Message
		// Model, when non-empty, overrides the provider's default model
		// selection for every request made during this Execute call (e.g.
		// a sub-task's resolved model-routing hint).
		Model string
	}

	// Failure describes a non-nil terminal failure.
	Failure struct {
		Code            string
		UserMessage     string
		InternalMessage string
	}

	// ExecutionResult is the always-populated outcome of executing the loop.
	ExecutionResult struct {
		Status       Status
		FinalMessage string
		Failure      *Failure
		LoopCount    int
		RetryCount   int
		SessionID    string
	}

	// Engine drives one or more conversation turns to completion.
	Engine struct {
		cfg       Config
		client    model.Client
		registry  *tools.Registry
		memory    memory.Memory
		emitter   *events.Emitter
		runID     string

		mu                     sync.Mutex
		loopCount              int
		retryCount             int
		totalRetryCount        int
		compensationRetryCount int
	}
)

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusThinking  Status = "thinking"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Failure codes. These are the closed vocabulary surfaced in
// ExecutionResult.Failure.Code and in STATUS/ERROR events.
const (
	CodeLoopExceeded       = "AGENT_LOOP_EXCEEDED"
	CodeMaxRetriesExceeded = "AGENT_MAX_RETRIES_EXCEEDED"
	CodeEmptyResponse      = "EMPTY_RESPONSE"
	CodeTimeout            = "TIMEOUT"
	CodeRequestFailed      = "LLM_REQUEST_FAILED"
	CodeResponseInvalid    = "LLM_RESPONSE_INVALID"
	CodeAborted            = "AGENT_ABORTED"

	// reasonInvalidParameter and reasonProviderError are not terminal failure
	// codes; they classify *why* a non-retryable call failed and travel in
	// Failure.InternalMessage, since the closed code vocabulary only allows
	// CodeRequestFailed on this path.
	reasonInvalidParameter = "INVALID_PARAMETER"
	reasonProviderError    = "PROVIDER_ERROR"
	reasonBufferOverflow   = "BUFFER_OVERFLOW"
	reasonStreamError      = "STREAM_ERROR"
)

// errStreamIdleTimeout marks a streaming Recv() call that was aborted
// because no chunk arrived within Config.IdleTimeout.
var errStreamIdleTimeout = errors.New("loop: stream idle timeout exceeded")

// DefaultConfig returns the configuration defaults named in the runtime
// contract: maxLoops=3000, maxRetries=10, maxCompensationRetries=1,
// retryDelay=5s, maxBufferSize=100000.
func DefaultConfig() Config {
	return Config{
		MaxLoops:               3000,
		MaxRetries:             10,
		MaxCompensationRetries: 1,
		RetryDelay:             5 * time.Second,
		MaxBufferSize:          100000,
		MaxToolStreamChunks:    400,
		MaxToolStreamChars:     120000,
		MaxToolResultChars:     80000,
	}
}

// New constructs an Engine. client performs model calls, registry resolves
// and executes tool calls, mem persists session state, emitter (optional)
// publishes client-facing events.
func New(cfg Config, client model.Client, registry *tools.Registry, mem memory.Memory, emitter *events.Emitter, runID string) *Engine {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultConfig().MaxLoops
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}
	if cfg.MaxToolStreamChunks <= 0 {
		cfg.MaxToolStreamChunks = DefaultConfig().MaxToolStreamChunks
	}
	if cfg.MaxToolStreamChars <= 0 {
		cfg.MaxToolStreamChars = DefaultConfig().MaxToolStreamChars
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = DefaultConfig().MaxToolResultChars
	}
	return &Engine{cfg: cfg, client: client, registry: registry, memory: mem, emitter: emitter, runID: runID}
}

// Execute runs the think/act loop to completion, returning the terminal
// result. It never panics on expected failures: provider errors, retry
// exhaustion, and loop-count exhaustion are all reported via
// ExecutionResult.Failure rather than a returned error. The returned error
// is reserved for programming errors in the caller (e.g. an unknown
// session id) that should not be retried.
func (e *Engine) Execute(ctx context.Context, in Input) (ExecutionResult, error) {
	if in.SessionID == "" {
		return ExecutionResult{}, errors.New("loop: session id is required")
	}

	sess, err := e.memory.LoadSession(ctx, in.SessionID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("loop: load session: %w", err)
	}
	_ = sess

	for _, msg := range in.Messages {
		if err := e.appendModelMessage(ctx, in.SessionID, msg); err != nil {
			return ExecutionResult{}, fmt.Errorf("loop: seed message: %w", err)
		}
	}

	e.statusEvent(ctx, StatusRunning, "")

	for {
		select {
		case <-ctx.Done():
			return e.finish(ctx, in.SessionID, StatusAborted, nil, &Failure{Code: CodeAborted, UserMessage: "execution was cancelled"}), nil
		default:
		}

		e.mu.Lock()
		e.loopCount++
		loopCount := e.loopCount
		e.mu.Unlock()
		if loopCount > e.cfg.MaxLoops {
			return e.finish(ctx, in.SessionID, StatusFailed, nil, &Failure{
				Code:        CodeLoopExceeded,
				UserMessage: "the agent exceeded its maximum number of iterations",
			}), nil
		}

		outcome, err := e.iterate(ctx, in.SessionID, in.SystemPrompt, in.Model)
		if err != nil {
			return ExecutionResult{}, err
		}

		switch outcome.kind {
		case outcomeDone:
			return e.finish(ctx, in.SessionID, StatusCompleted, &outcome.finalText, nil), nil
		case outcomeContinue:
			e.mu.Lock()
			e.retryCount = 0
			e.mu.Unlock()
			continue
		case outcomeRetry:
			if !e.awaitRetryBackoff(ctx) {
				return e.finish(ctx, in.SessionID, StatusAborted, nil, &Failure{Code: CodeAborted, UserMessage: "execution was cancelled"}), nil
			}
			continue
		case outcomeFatal:
			return e.finish(ctx, in.SessionID, StatusFailed, nil, outcome.failure), nil
		}
	}
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeContinue
	outcomeRetry
	outcomeFatal
)

type iterOutcome struct {
	kind      outcomeKind
	finalText string
	failure   *Failure
}

// iterate performs one provider call, classifies the response, and either
// executes a tool batch, accumulates a retry, or completes/fails the run.
func (e *Engine) iterate(ctx context.Context, sessionID, systemPrompt, modelOverride string) (iterOutcome, error) {
	history, err := e.memory.ActiveContext(ctx, sessionID)
	if err != nil {
		return iterOutcome{}, fmt.Errorf("loop: load active context: %w", err)
	}

	req := &model.Request{
		Model:      modelOverride,
		Messages:   toModelMessages(systemPrompt, history),
		Tools:      e.registry.ToLLMTools(),
		Stream:     e.cfg.Stream,
		ToolChoice: &model.ToolChoice{Mode: model.ToolChoiceModeAuto},
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	msgID := newMessageID(sessionID, "asst")
	resp, streamed, classified := e.call(reqCtx, req, msgID)
	if classified != nil {
		return e.handleClassified(*classified), nil
	}

	if len(resp.ToolCalls) > 0 {
		if hasInvalidToolCallIDs(resp.ToolCalls) {
			return e.rejectInvalidToolCalls(ctx, sessionID, msgID, resp), nil
		}
		if err := e.executeToolBatch(ctx, sessionID, msgID, resp); err != nil {
			return iterOutcome{}, err
		}
		return iterOutcome{kind: outcomeContinue}, nil
	}

	text := flattenText(resp.Content)
	if text == "" {
		return e.handleEmptyResponse(), nil
	}
	if len(text) > e.cfg.MaxBufferSize {
		return iterOutcome{kind: outcomeFatal, failure: &Failure{
			Code:            CodeRequestFailed,
			UserMessage:     "the agent's response exceeded the maximum buffer size",
			InternalMessage: fmt.Sprintf("response length %d exceeds max buffer size %d", len(text), e.cfg.MaxBufferSize),
		}}, nil
	}

	if !streamed {
		e.emitter.TextStart(ctx, msgID)
	}
	if err := e.appendAssistantText(ctx, sessionID, msgID, text); err != nil {
		return iterOutcome{}, err
	}
	if !streamed {
		e.emitter.TextComplete(ctx, msgID, text)
	}
	e.emitter.UsageUpdate(ctx, events.UsageUpdatePayload{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	})
	return iterOutcome{kind: outcomeDone, finalText: text}, nil
}

// hasInvalidToolCallIDs reports whether any requested tool call is missing
// its callId, the decision-table condition that fatally invalidates an
// entire tool_calls response.
func hasInvalidToolCallIDs(calls []model.ToolCall) bool {
	for _, tc := range calls {
		if strings.TrimSpace(tc.ID) == "" {
			return true
		}
	}
	return false
}

// rejectInvalidToolCalls persists the malformed assistant message (so the
// transcript stays complete), flags it excluded from future context, and
// fails the run with LLM_RESPONSE_INVALID.
func (e *Engine) rejectInvalidToolCalls(ctx context.Context, sessionID, msgID string, resp *model.Response) iterOutcome {
	msg, err := e.appendAssistantToolCallMessage(ctx, sessionID, msgID, resp)
	if err == nil {
		_ = e.memory.ExcludeMessage(ctx, sessionID, msg.ID, "invalid_response")
	}
	return iterOutcome{kind: outcomeFatal, failure: &Failure{
		Code:            CodeResponseInvalid,
		UserMessage:     "the model returned an invalid tool call",
		InternalMessage: "one or more tool calls in the response were missing a callId",
	}}
}

type classifiedError struct {
	retryable bool
	code      string
	message   string
}

// call performs the model request, preferring a streaming call when the
// engine is configured for it and falling back to Complete when the
// provider declines streaming (model.ErrStreamingUnsupported). It returns
// whether the assistant text was already emitted incrementally via the
// emitter during streaming, so callers don't double-emit textStart/Complete.
func (e *Engine) call(ctx context.Context, req *model.Request, msgID string) (*model.Response, bool, *classifiedError) {
	if e.cfg.Stream {
		resp, streamed, classified, handled := e.callStream(ctx, req, msgID)
		if handled {
			return resp, streamed, classified
		}
	}
	resp, classified := e.callComplete(ctx, req)
	return resp, false, classified
}

// callComplete performs a single non-streaming model request, distinguishing
// retryable transient provider failures from fatal ones. A nil
// classifiedError with a non-nil response means success.
func (e *Engine) callComplete(ctx context.Context, req *model.Request) (*model.Response, *classifiedError) {
	resp, err := e.client.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	return nil, e.classifyProviderError(err)
}

// classifyProviderError splits a provider error into retryable and fatal
// buckets. Heuristic fatal/retryable split grounded on provider error text:
// a provider validation rejection (bad request, invalid parameter) is never
// worth retrying unchanged.
func (e *Engine) classifyProviderError(err error) *classifiedError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &classifiedError{retryable: true, code: CodeTimeout, message: err.Error()}
	}
	if errors.Is(err, model.ErrRateLimited) {
		return &classifiedError{retryable: true, code: "RATE_LIMITED", message: err.Error()}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request") {
		return &classifiedError{retryable: false, code: reasonInvalidParameter, message: err.Error()}
	}
	return &classifiedError{retryable: true, code: reasonProviderError, message: err.Error()}
}

// callStream drains a streaming model response, emitting incremental text
// as it arrives. The final bool reports whether this call handled the
// request at all: false means the provider declined streaming
// (model.ErrStreamingUnsupported) and the caller should fall back to
// callComplete.
func (e *Engine) callStream(ctx context.Context, req *model.Request, msgID string) (*model.Response, bool, *classifiedError, bool) {
	streamer, err := e.client.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return nil, false, nil, false
		}
		return nil, false, e.classifyProviderError(err), true
	}
	defer streamer.Close()

	var text strings.Builder
	var toolCalls []model.ToolCall
	var usage model.TokenUsage
	var stopReason string
	started := false

	for {
		chunk, recvErr := e.recvChunk(ctx, streamer)
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if errors.Is(recvErr, errStreamIdleTimeout) || errors.Is(recvErr, context.DeadlineExceeded) {
				return nil, started, &classifiedError{retryable: true, code: CodeTimeout, message: recvErr.Error()}, true
			}
			return nil, started, &classifiedError{retryable: true, code: reasonProviderError, message: recvErr.Error()}, true
		}

		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Message == nil {
				continue
			}
			delta := flattenText([]model.Message{*chunk.Message})
			if delta == "" {
				continue
			}
			if !started {
				e.emitter.TextStart(ctx, msgID)
				started = true
			}
			if text.Len()+len(delta) > e.cfg.MaxBufferSize {
				return nil, started, &classifiedError{
					retryable: false,
					code:      reasonBufferOverflow,
					message:   fmt.Sprintf("stream exceeded max buffer size %d", e.cfg.MaxBufferSize),
				}, true
			}
			text.WriteString(delta)
			e.emitter.TextDelta(ctx, msgID, delta)
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usage = *chunk.UsageDelta
			}
		case model.ChunkTypeStop:
			stopReason = chunk.StopReason
			if stopReason == "error" {
				return nil, started, &classifiedError{
					retryable: true,
					code:      reasonStreamError,
					message:   "provider stream reported an error chunk",
				}, true
			}
		}
	}

	if started {
		e.emitter.TextComplete(ctx, msgID, text.String())
	}
	return &model.Response{
		Content:    textMessages(text.String()),
		ToolCalls:  toolCalls,
		Usage:      usage,
		StopReason: stopReason,
	}, started, nil, true
}

// recvChunk reads the next chunk from streamer, aborting with
// errStreamIdleTimeout if none arrives within Config.IdleTimeout. Recv has
// no context parameter, so a slow/stuck provider is raced against the timer
// in a goroutine; on timeout or cancellation the stream is closed to try to
// unblock the in-flight Recv.
func (e *Engine) recvChunk(ctx context.Context, streamer model.Streamer) (model.Chunk, error) {
	type result struct {
		chunk model.Chunk
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := streamer.Recv()
		ch <- result{c, err}
	}()

	if e.cfg.IdleTimeout <= 0 {
		select {
		case r := <-ch:
			return r.chunk, r.err
		case <-ctx.Done():
			streamer.Close()
			return model.Chunk{}, ctx.Err()
		}
	}

	timer := time.NewTimer(e.cfg.IdleTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-timer.C:
		streamer.Close()
		return model.Chunk{}, errStreamIdleTimeout
	case <-ctx.Done():
		streamer.Close()
		return model.Chunk{}, ctx.Err()
	}
}

func (e *Engine) handleClassified(c classifiedError) iterOutcome {
	if !c.retryable {
		return iterOutcome{kind: outcomeFatal, failure: &Failure{
			Code:            CodeRequestFailed,
			UserMessage:     "the provider rejected the request",
			InternalMessage: fmt.Sprintf("%s: %s", c.code, c.message),
		}}
	}
	e.mu.Lock()
	e.retryCount++
	e.totalRetryCount++
	retryCount := e.retryCount
	e.mu.Unlock()
	if retryCount > e.cfg.MaxRetries {
		return iterOutcome{kind: outcomeFatal, failure: &Failure{Code: CodeMaxRetriesExceeded, UserMessage: "the agent exceeded its maximum number of retries", InternalMessage: c.message}}
	}
	e.statusEventDetail(StatusRetrying, fmt.Sprintf("Retrying... [%s] %s", c.code, c.message))
	return iterOutcome{kind: outcomeRetry}
}

// handleEmptyResponse implements the compensation-retry path: a response
// with no tool calls and no text is treated as a transient provider glitch,
// retried up to MaxCompensationRetries times (a counter that is never reset
// by ordinary retry-success, only by a full restart of the Engine).
func (e *Engine) handleEmptyResponse() iterOutcome {
	e.mu.Lock()
	e.compensationRetryCount++
	count := e.compensationRetryCount
	e.mu.Unlock()
	if count > e.cfg.MaxCompensationRetries {
		return iterOutcome{kind: outcomeFatal, failure: &Failure{
			Code:        CodeMaxRetriesExceeded,
			UserMessage: "the agent received empty responses and exhausted its compensation retries",
			InternalMessage: fmt.Sprintf("%s: exceeded %d compensation retries", CodeEmptyResponse, e.cfg.MaxCompensationRetries),
		}}
	}
	e.statusEventDetail(StatusRetrying, fmt.Sprintf("Compensating for empty response [%s], attempt %d/%d", CodeEmptyResponse, count, e.cfg.MaxCompensationRetries))
	return iterOutcome{kind: outcomeRetry}
}

// awaitRetryBackoff sleeps for cfg.RetryDelay, cancellable by ctx. Returns
// false if the context was cancelled during the sleep.
func (e *Engine) awaitRetryBackoff(ctx context.Context) bool {
	delay := e.cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultConfig().RetryDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// appendAssistantToolCallMessage persists the assistant's tool_calls
// message, returning the stored message (with its final ID) for later
// exclusion if the batch turns out to be invalid.
func (e *Engine) appendAssistantToolCallMessage(ctx context.Context, sessionID, msgID string, resp *model.Response) (session.Message, error) {
	assistantText := flattenText(resp.Content)
	refs := make([]session.ToolCallRef, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		refs = append(refs, session.ToolCallRef{CallID: tc.ID, ToolName: string(tc.Name), ArgsJSON: string(tc.Payload)})
	}
	return e.memory.AppendMessage(ctx, session.Message{
		ID:           msgID,
		SessionID:    sessionID,
		Role:         model.ConversationRoleAssistant,
		Parts:        textParts(assistantText),
		ToolCalls:    refs,
		FinishReason: session.FinishReasonToolCalls,
	})
}

// executeToolBatch dispatches every requested tool call concurrently via
// the registry, appends the assistant's tool-call message and each tool
// result to session history in the provider-requested order, and emits
// per-call lifecycle events.
func (e *Engine) executeToolBatch(ctx context.Context, sessionID, msgID string, resp *model.Response) error {
	if _, err := e.appendAssistantToolCallMessage(ctx, sessionID, msgID, resp); err != nil {
		return fmt.Errorf("loop: append assistant tool-call message: %w", err)
	}

	for _, tc := range resp.ToolCalls {
		e.emitter.ToolCallCreated(ctx, tc.ID, string(tc.Name), json.RawMessage(tc.Payload))
	}

	start := time.Now()
	results := e.registry.Execute(ctx, resp.ToolCalls)

	for _, r := range results {
		output := r.Output
		if e.cfg.Sanitize != nil {
			output = e.cfg.Sanitize(string(r.Name), output)
		}
		errMsg := ""
		if r.Error != nil {
			errMsg = r.Error.Error()
		}
		e.emitter.ToolCallResult(ctx, events.ToolCallResultPayload{
			ToolCallID: r.CallID,
			ToolName:   string(r.Name),
			Success:    r.Success,
			Output:     output,
			Error:      errMsg,
			DurationMS: time.Since(start).Milliseconds(),
		})

		resultJSON, _ := json.Marshal(output)
		if len(resultJSON) > e.cfg.MaxToolResultChars {
			resultJSON = append(resultJSON[:e.cfg.MaxToolResultChars], []byte("...[truncated]")...)
		}
		content := string(resultJSON)
		if !r.Success {
			content = errMsg
		}
		if _, err := e.memory.AppendMessage(ctx, session.Message{
			ID:         newMessageID(sessionID, "tool"),
			SessionID:  sessionID,
			Role:       model.ConversationRoleUser,
			Parts:      []model.Part{model.ToolResultPart{ToolUseID: r.CallID, Content: content, IsError: !r.Success}},
			ToolCallID: r.CallID,
		}); err != nil {
			return fmt.Errorf("loop: append tool result message: %w", err)
		}
	}
	return nil
}

func (e *Engine) appendAssistantText(ctx context.Context, sessionID, msgID, text string) error {
	_, err := e.memory.AppendMessage(ctx, session.Message{
		ID:           msgID,
		SessionID:    sessionID,
		Role:         model.ConversationRoleAssistant,
		Parts:        textParts(text),
		FinishReason: session.FinishReasonStop,
	})
	return err
}

func (e *Engine) appendModelMessage(ctx context.Context, sessionID string, msg *model.Message) error {
	_, err := e.memory.AppendMessage(ctx, session.Message{
		ID:        newMessageID(sessionID, "seed"),
		SessionID: sessionID,
		Role:      msg.Role,
		Parts:     msg.Parts,
	})
	return err
}

// finish emits exactly one terminal STATUS event and builds the
// ExecutionResult. It is the single exit point for Execute.
func (e *Engine) finish(ctx context.Context, sessionID string, status Status, finalText *string, failure *Failure) ExecutionResult {
	e.mu.Lock()
	loopCount, retryCount := e.loopCount, e.retryCount
	e.mu.Unlock()

	detail := ""
	if failure != nil {
		detail = failure.UserMessage
		e.emitter.Error(ctx, failure.Code, failure.UserMessage)
	}
	e.emitter.Status(ctx, string(status), detail)

	res := ExecutionResult{Status: status, Failure: failure, LoopCount: loopCount, RetryCount: retryCount, SessionID: sessionID}
	if finalText != nil {
		res.FinalMessage = *finalText
	}
	return res
}

func (e *Engine) statusEvent(ctx context.Context, status Status, detail string) {
	e.emitter.Status(ctx, string(status), detail)
}

func (e *Engine) statusEventDetail(status Status, detail string) {
	e.emitter.Status(context.Background(), string(status), detail)
}

func flattenText(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				b.WriteString(tp.Text)
			}
		}
	}
	return b.String()
}

func textParts(text string) []model.Part {
	if text == "" {
		return nil
	}
	return []model.Part{model.TextPart{Text: text}}
}

// textMessages wraps accumulated streamed text into the single-message
// shape model.Response.Content expects, mirroring what a non-streaming
// Complete call returns for a text-only response.
func textMessages(text string) []model.Message {
	if text == "" {
		return nil
	}
	return []model.Message{{Role: model.ConversationRoleAssistant, Parts: textParts(text)}}
}

func toModelMessages(systemPrompt string, history []session.Message) []*model.Message {
	out := make([]*model.Message, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, &model.Message{Role: model.ConversationRoleSystem, Parts: textParts(systemPrompt)})
	}
	for _, m := range history {
		out = append(out, &model.Message{Role: m.Role, Parts: m.Parts})
	}
	return out
}

var msgSeq int64

func newMessageID(sessionID, kind string) string {
	n := atomic.AddInt64(&msgSeq, 1)
	return fmt.Sprintf("%s-%s-%d", sessionID, kind, n)
}
