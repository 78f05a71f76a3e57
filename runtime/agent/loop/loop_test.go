package loop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/events"
	meminmem "github.com/flowloom/agentcore/runtime/agent/memory/inmem"
	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/tools"
)

type fakeSink struct {
	mu     chan struct{}
	events []events.Event
}

func newFakeSink() *fakeSink { return &fakeSink{mu: make(chan struct{}, 1)} }

func (s *fakeSink) Send(_ context.Context, e events.Event) error {
	s.events = append(s.events, e)
	return nil
}
func (s *fakeSink) Close(_ context.Context) error { return nil }

type scriptedClient struct {
	responses []*model.Response
	errs      []error
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	var resp *model.Response
	if i < len(c.responses) {
		resp = c.responses[i]
	}
	return resp, err
}

func (c *scriptedClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// scriptedStreamer replays a fixed chunk sequence, then io.EOF.
type scriptedStreamer struct {
	chunks []model.Chunk
	i      int
}

func (s *scriptedStreamer) Recv() (model.Chunk, error) {
	if s.i >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}
func (s *scriptedStreamer) Close() error             { return nil }
func (s *scriptedStreamer) Metadata() map[string]any { return nil }

// streamingClient always streams, replaying one scriptedStreamer per call.
type streamingClient struct {
	streams []*scriptedStreamer
	calls   int
}

func (c *streamingClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	return nil, errors.New("streamingClient: Complete should not be called")
}

func (c *streamingClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	i := c.calls
	c.calls++
	if i >= len(c.streams) {
		return nil, io.EOF
	}
	return c.streams[i], nil
}

func setupSession(t *testing.T, mem *meminmem.Memory, id string) {
	t.Helper()
	_, err := mem.CreateSession(context.Background(), id, time.Now())
	require.NoError(t, err)
}

func textResponse(text string) *model.Response {
	return &model.Response{Content: []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}}}
}

func TestExecuteHappyPathNonStreaming(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-1")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-1", "sess-1", nil)
	client := &scriptedClient{responses: []*model.Response{textResponse("final answer")}}
	registry := tools.NewRegistry()

	eng := New(DefaultConfig(), client, registry, mem, emitter, "run-1")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-1", SystemPrompt: "be helpful"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, "final answer", res.FinalMessage)
	require.Equal(t, 1, res.LoopCount)
	require.Nil(t, res.Failure)
}

func TestExecuteToolRoundTrip(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-2")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-2", "sess-2", nil)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.ToolSpec{Name: "lookup"}, func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{"result": "42"}, nil
	}))

	toolCallResp := &model.Response{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "lookup", Payload: json.RawMessage(`{}`)}}}
	client := &scriptedClient{responses: []*model.Response{toolCallResp, textResponse("done")}}

	eng := New(DefaultConfig(), client, registry, mem, emitter, "run-2")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-2"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 2, res.LoopCount)

	history, err := mem.FullHistory(context.Background(), "sess-2")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)
}

func TestExecuteMaxLoopsExceeded(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-3")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-3", "sess-3", nil)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.ToolSpec{Name: "noop"}, func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, nil
	}))

	// Every call requests a tool, so the loop never completes on its own.
	responses := make([]*model.Response, 0, 3)
	for i := 0; i < 3; i++ {
		responses = append(responses, &model.Response{ToolCalls: []model.ToolCall{{ID: "c", Name: "noop", Payload: json.RawMessage(`{}`)}}})
	}
	client := &scriptedClient{responses: responses}

	cfg := DefaultConfig()
	cfg.MaxLoops = 1
	eng := New(cfg, client, registry, mem, emitter, "run-3")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-3"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, CodeLoopExceeded, res.Failure.Code)
}

func TestExecuteRetryThenSucceed(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-4")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-4", "sess-4", nil)
	registry := tools.NewRegistry()

	client := &scriptedClient{
		errs:      []error{context.DeadlineExceeded, nil},
		responses: []*model.Response{nil, textResponse("recovered")},
	}

	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	eng := New(cfg, client, registry, mem, emitter, "run-4")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-4"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, "recovered", res.FinalMessage)
}

func TestExecuteResultCarriesSessionID(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-6")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-6", "sess-6", nil)
	client := &scriptedClient{responses: []*model.Response{textResponse("ok")}}

	eng := New(DefaultConfig(), client, tools.NewRegistry(), mem, emitter, "run-6")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-6"})
	require.NoError(t, err)
	require.Equal(t, "sess-6", res.SessionID)
}

func TestExecuteBufferOverflowIsFatal(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-7")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-7", "sess-7", nil)
	client := &scriptedClient{responses: []*model.Response{textResponse(strings.Repeat("x", 20))}}

	cfg := DefaultConfig()
	cfg.MaxBufferSize = 10
	eng := New(cfg, client, tools.NewRegistry(), mem, emitter, "run-7")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-7"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, CodeRequestFailed, res.Failure.Code)
	require.Equal(t, "sess-7", res.SessionID)
}

func TestExecuteUnknownSessionErrors(t *testing.T) {
	mem := meminmem.New()
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-5", "sess-5", nil)
	eng := New(DefaultConfig(), &scriptedClient{}, tools.NewRegistry(), mem, emitter, "run-5")
	_, err := eng.Execute(context.Background(), Input{SessionID: "sess-5"})
	require.Error(t, err)
}

// TestExecuteEmitsTextLifecycleOnCompletion covers the round-trip law: a
// completed text response must emit textStart/Complete before the terminal
// STATUS, so a streamadapter subscriber reconstructs the same text.
func TestExecuteEmitsTextLifecycleOnCompletion(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-8")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-8", "sess-8", nil)
	client := &scriptedClient{responses: []*model.Response{textResponse("done")}}

	eng := New(DefaultConfig(), client, tools.NewRegistry(), mem, emitter, "run-8")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-8"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	var kinds []events.Kind
	for _, e := range sink.events {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, events.KindTextStart)
	require.Contains(t, kinds, events.KindTextComplete)
	require.Equal(t, events.KindStatus, kinds[len(kinds)-1])

	for _, e := range sink.events {
		if e.Kind == events.KindTextComplete {
			p, ok := e.Data.(events.TextPayload)
			require.True(t, ok)
			require.Equal(t, "done", p.Text)
		}
	}
}

// TestExecuteNonRetryableProviderErrorIsRequestFailed covers the closed
// failure-code requirement: a fatal, non-retryable provider error must
// surface as LLM_REQUEST_FAILED, never the raw classification reason.
func TestExecuteNonRetryableProviderErrorIsRequestFailed(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-9")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-9", "sess-9", nil)
	client := &scriptedClient{errs: []error{errors.New("400 bad request: invalid parameter")}}

	eng := New(DefaultConfig(), client, tools.NewRegistry(), mem, emitter, "run-9")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-9"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, CodeRequestFailed, res.Failure.Code)
	require.Contains(t, res.Failure.InternalMessage, "invalid parameter")
	require.Equal(t, 1, client.calls)
}

// TestExecuteToolCallMissingCallIDIsFatal covers the decision-table row: a
// tool_calls response with any missing callId is fatally invalid and the
// offending message is excluded from future context.
func TestExecuteToolCallMissingCallIDIsFatal(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-10")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-10", "sess-10", nil)
	registry := tools.NewRegistry()

	toolCallResp := &model.Response{ToolCalls: []model.ToolCall{{ID: "", Name: "lookup", Payload: json.RawMessage(`{}`)}}}
	client := &scriptedClient{responses: []*model.Response{toolCallResp}}

	eng := New(DefaultConfig(), client, registry, mem, emitter, "run-10")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-10"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, CodeResponseInvalid, res.Failure.Code)

	full, err := mem.FullHistory(context.Background(), "sess-10")
	require.NoError(t, err)
	require.Len(t, full, 1)
	require.Equal(t, "invalid_response", full[0].ExcludedReason)

	active, err := mem.ActiveContext(context.Background(), "sess-10")
	require.NoError(t, err)
	require.Empty(t, active)
}

// TestExecuteStreamingEmitsDeltasAndCompletes covers the Stream-mode path:
// incremental text chunks are emitted as textDelta and the run completes
// using the accumulated text.
func TestExecuteStreamingEmitsDeltasAndCompletes(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-11")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-11", "sess-11", nil)

	streamer := &scriptedStreamer{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "hel"}}}},
		{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "lo"}}}},
		{Type: model.ChunkTypeStop, StopReason: "end_turn"},
	}}
	client := &streamingClient{streams: []*scriptedStreamer{streamer}}

	cfg := DefaultConfig()
	cfg.Stream = true
	eng := New(cfg, client, tools.NewRegistry(), mem, emitter, "run-11")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-11"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, "hello", res.FinalMessage)

	var deltas []string
	for _, e := range sink.events {
		if e.Kind == events.KindTextDelta {
			p := e.Data.(events.TextPayload)
			deltas = append(deltas, p.Delta)
		}
	}
	require.Equal(t, []string{"hel", "lo"}, deltas)
}

// TestExecuteStreamBufferOverflowIsFatal covers the concrete scenario: a
// stream whose accumulated text exceeds MaxBufferSize fails immediately
// with LLM_REQUEST_FAILED and no retries.
func TestExecuteStreamBufferOverflowIsFatal(t *testing.T) {
	mem := meminmem.New()
	setupSession(t, mem, "sess-12")
	sink := newFakeSink()
	emitter := events.NewEmitter(sink, "run-12", "sess-12", nil)

	streamer := &scriptedStreamer{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: strings.Repeat("x", 20)}}}},
	}}
	client := &streamingClient{streams: []*scriptedStreamer{streamer}}

	cfg := DefaultConfig()
	cfg.Stream = true
	cfg.MaxBufferSize = 5
	eng := New(cfg, client, tools.NewRegistry(), mem, emitter, "run-12")
	res, err := eng.Execute(context.Background(), Input{SessionID: "sess-12"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, CodeRequestFailed, res.Failure.Code)
	require.Contains(t, res.Failure.InternalMessage, "max buffer size")

	for _, e := range sink.events {
		require.NotEqual(t, string(StatusRetrying), stringStatus(e))
	}
}

func stringStatus(e events.Event) string {
	if p, ok := e.Data.(events.StatusPayload); ok {
		return p.Status
	}
	return ""
}
