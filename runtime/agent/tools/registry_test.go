package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/model"
)

func echoSpec(name Ident) ToolSpec {
	return ToolSpec{
		Name:        name,
		Description: "echoes its payload",
		Payload:     TypeSpec{Name: "EchoPayload", Codec: AnyJSONCodec},
		Result:      TypeSpec{Name: "EchoResult", Codec: AnyJSONCodec},
	}
}

func echoHandler(_ context.Context, payload json.RawMessage) (any, error) {
	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoSpec("demo.echo"), echoHandler))
	err := r.Register(echoSpec("demo.echo"), echoHandler)
	require.Error(t, err)
}

func TestRegisterRejectsMissingNameOrHandler(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(echoSpec(""), echoHandler))
	require.Error(t, r.Register(echoSpec("demo.echo"), nil))
}

func TestLookupReturnsRegisteredSpec(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("demo.echo")
	require.NoError(t, r.Register(spec, echoHandler))

	got, ok := r.Lookup("demo.echo")
	require.True(t, ok)
	require.Equal(t, spec.Description, got.Description)

	_, ok = r.Lookup("does.not.exist")
	require.False(t, ok)
}

func TestToLLMToolsRendersRegisteredTools(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("demo.echo")
	spec.Payload.Schema = []byte(`{"type":"object"}`)
	require.NoError(t, r.Register(spec, echoHandler))

	defs := r.ToLLMTools()
	require.Len(t, defs, 1)
	require.Equal(t, "demo.echo", defs[0].Name)
	require.NotNil(t, defs[0].InputSchema)
}

func TestExecuteRunsCallsConcurrentlyAndPreservesOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoSpec("demo.echo"), echoHandler))

	calls := []model.ToolCall{
		{ID: "c1", Name: "demo.echo", Payload: json.RawMessage(`{"n":1}`)},
		{ID: "c2", Name: "demo.echo", Payload: json.RawMessage(`{"n":2}`)},
		{ID: "c3", Name: "demo.echo", Payload: json.RawMessage(`{"n":3}`)},
	}
	results := r.Execute(context.Background(), calls)
	require.Len(t, results, 3)
	for i, res := range results {
		require.Equal(t, calls[i].ID, res.CallID)
		require.True(t, res.Success)
	}
}

func TestExecuteUnregisteredToolReturnsToolUnavailable(t *testing.T) {
	r := NewRegistry()
	calls := []model.ToolCall{{ID: "c1", Name: "ghost.tool", Payload: json.RawMessage(`{}`)}}

	results := r.Execute(context.Background(), calls)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Equal(t, ToolUnavailable, results[0].Name)
	require.Error(t, results[0].Error)
}

var errBoom = errors.New("boom")

func TestExecuteHandlerErrorIsReportedPerCall(t *testing.T) {
	r := NewRegistry()
	boom := func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errBoom
	}
	require.NoError(t, r.Register(echoSpec("demo.boom"), boom))

	results := r.Execute(context.Background(), []model.ToolCall{{ID: "c1", Name: "demo.boom"}})
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.ErrorIs(t, results[0].Error, errBoom)
}
