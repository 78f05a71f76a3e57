package streamadapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/events"
)

func TestApplyAccumulatesTextDeltasThenCompletes(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)

	a.Apply(events.Event{Kind: events.KindTextStart, MsgID: "m1"})
	a.Apply(events.Event{Kind: events.KindTextDelta, MsgID: "m1", Data: events.TextPayload{Delta: "hel"}})
	a.Apply(events.Event{Kind: events.KindTextDelta, MsgID: "m1", Data: events.TextPayload{Delta: "lo"}})
	a.Apply(events.Event{Kind: events.KindTextComplete, MsgID: "m1", Data: events.TextPayload{Text: "hello"}})

	snap := a.Snapshot()
	require.Len(t, snap.History, 1)
	require.Equal(t, "hello", snap.History[0].Text)
	require.Equal(t, events.KindTextComplete, snap.History[0].Kind)
}

func TestApplyTracksToolCallLifecycle(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)

	a.Apply(events.Event{Kind: events.KindToolCallCreated, Data: events.ToolCallCreatedPayload{
		ToolCallID: "call-1", ToolName: "demo.clock", Input: map[string]any{},
	}})
	a.Apply(events.Event{Kind: events.KindToolCallStream, Data: events.ToolCallStreamPayload{
		ToolCallID: "call-1", Delta: "part",
	}})
	a.Apply(events.Event{Kind: events.KindToolCallResult, Data: events.ToolCallResultPayload{
		ToolCallID: "call-1", ToolName: "demo.clock", Success: true, Output: map[string]any{"now": "x"},
	}})

	snap := a.Snapshot()
	tc, ok := snap.ToolCalls["call-1"]
	require.True(t, ok)
	require.Equal(t, "succeeded", tc.Status)
	require.Equal(t, "part", tc.ArgsDelta)
	require.Equal(t, map[string]any{"now": "x"}, tc.Output)
}

func TestApplyToolCallResultWithoutPriorCreateStillRecorded(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)

	a.Apply(events.Event{Kind: events.KindToolCallResult, Data: events.ToolCallResultPayload{
		ToolCallID: "call-2", ToolName: "demo.clock", Success: false, Error: "boom",
	}})

	snap := a.Snapshot()
	tc, ok := snap.ToolCalls["call-2"]
	require.True(t, ok)
	require.Equal(t, "failed", tc.Status)
	require.Equal(t, "boom", tc.Error)
}

func TestApplyErrorAndStatusUpdates(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)

	a.Apply(events.Event{Kind: events.KindStatus, Data: events.StatusPayload{Status: "retrying", Detail: "rate limited"}})
	a.Apply(events.Event{Kind: events.KindError, Data: events.ErrorPayload{Code: "E_TOOL", Message: "bad input"}})

	snap := a.Snapshot()
	require.Equal(t, "retrying", snap.Status)
	require.NotNil(t, snap.LastError)
	require.Equal(t, "E_TOOL", snap.LastError.Code)
}

func TestFlushOnlyFiresWhenDirty(t *testing.T) {
	var flushes int
	a := New("run-1", "sess-1", time.Millisecond, func(State) { flushes++ })
	defer a.Stop()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, flushes)

	a.Apply(events.Event{Kind: events.KindStatus, Data: events.StatusPayload{Status: "running"}})
	time.Sleep(20 * time.Millisecond)
	require.GreaterOrEqual(t, flushes, 1)
}

func TestTerminalStatusFlushesOpenBlocksAndSynthesizesComplete(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)

	a.Apply(events.Event{Kind: events.KindTextStart, MsgID: "m1"})
	a.Apply(events.Event{Kind: events.KindTextDelta, MsgID: "m1", Data: events.TextPayload{Delta: "cut off"}})
	a.Apply(events.Event{Kind: events.KindStatus, Data: events.StatusPayload{Status: "aborted"}})

	snap := a.Snapshot()
	require.True(t, snap.Complete)
	require.Equal(t, "aborted", snap.Status)
	require.Len(t, snap.History, 1)
	require.Equal(t, events.KindTextComplete, snap.History[0].Kind)
	require.Equal(t, "cut off", snap.History[0].Text)
}

func TestNonTerminalStatusLeavesOpenBlockUnflushed(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)

	a.Apply(events.Event{Kind: events.KindTextStart, MsgID: "m1"})
	a.Apply(events.Event{Kind: events.KindTextDelta, MsgID: "m1", Data: events.TextPayload{Delta: "still going"}})
	a.Apply(events.Event{Kind: events.KindStatus, Data: events.StatusPayload{Status: "retrying"}})

	snap := a.Snapshot()
	require.False(t, snap.Complete)
	require.Empty(t, snap.History)
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	a := New("run-1", "sess-1", time.Hour, nil)
	a.Apply(events.Event{Kind: events.KindToolCallCreated, Data: events.ToolCallCreatedPayload{ToolCallID: "c1", ToolName: "t"}})

	snap := a.Snapshot()
	snap.ToolCalls["c1"].Status = "mutated"

	snap2 := a.Snapshot()
	require.Equal(t, "pending", snap2.ToolCalls["c1"].Status)
}
