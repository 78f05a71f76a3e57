// Package streamadapter reconstructs client-renderable state from the flat
// event stream produced by events.Emitter. It is a pure reducer: the same
// event sequence always produces the same state, which makes it trivially
// replayable from a recorded run log for debugging or UI hydration.
package streamadapter

import (
	"sync"
	"time"

	"github.com/flowloom/agentcore/runtime/agent/events"
)

type (
	// ToolCallState tracks the reconstructed state of a single tool
	// invocation.
	ToolCallState struct {
		ToolCallID string
		ToolName   string
		Input      any
		ArgsDelta  string
		Status     string // "pending" | "succeeded" | "failed"
		Output     any
		Error      string
	}

	// State is the reconstructed view of a run as observed through its
	// event stream.
	State struct {
		RunID     string
		SessionID string
		Status    string

		// Text and Reasoning accumulate the current in-flight block, keyed
		// by MsgID. Completed blocks move into History.
		textBuffers      map[string]*string
		reasoningBuffers map[string]*string
		History          []HistoryEntry

		ToolCalls map[string]*ToolCallState
		Usage     events.UsageUpdatePayload
		LastError *events.ErrorPayload

		// Complete is the adapter-level "session-complete" signal from
		// spec.md §4.2: set once a terminal STATUS has been applied. It is
		// modeled as a field here rather than an events.Kind, since that
		// vocabulary is closed and session-complete is synthesized by the
		// adapter, not carried on the wire.
		Complete bool
	}

	// HistoryEntry records a completed text or reasoning block in arrival
	// order.
	HistoryEntry struct {
		Kind      events.Kind
		MsgID     string
		Text      string
		Timestamp time.Time
	}

	// Adapter applies events to an internal State under a batching
	// ticker, exposing incremental snapshots to subscribers at a bounded
	// rate so UIs are not overwhelmed by raw token-level deltas.
	Adapter struct {
		mu    sync.Mutex
		state State

		batchInterval time.Duration
		dirty         bool
		onFlush       func(State)
		stopCh        chan struct{}
		stopped       bool
	}
)

// New constructs an Adapter for a single run/session pair. onFlush is
// invoked from a background goroutine no more often than batchInterval
// (default 33ms) while there are unflushed changes pending.
func New(runID, sessionID string, batchInterval time.Duration, onFlush func(State)) *Adapter {
	if batchInterval <= 0 {
		batchInterval = 33 * time.Millisecond
	}
	a := &Adapter{
		state: State{
			RunID:            runID,
			SessionID:        sessionID,
			Status:           "running",
			textBuffers:      make(map[string]*string),
			reasoningBuffers: make(map[string]*string),
			ToolCalls:        make(map[string]*ToolCallState),
		},
		batchInterval: batchInterval,
		onFlush:       onFlush,
		stopCh:        make(chan struct{}),
	}
	if onFlush != nil {
		go a.run()
	}
	return a
}

func (a *Adapter) run() {
	t := time.NewTicker(a.batchInterval)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			a.flush()
		}
	}
}

func (a *Adapter) flush() {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	snapshot := a.state.clone()
	a.mu.Unlock()
	a.onFlush(snapshot)
}

// Stop halts the background flush goroutine, flushing any pending state one
// final time.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	close(a.stopCh)
	a.flush()
}

// Apply folds a single event into the adapter's state. It is the pure
// reducer referenced by the package doc: apply(state, event) -> state.
func (a *Adapter) Apply(e events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
	applyEvent(&a.state, e)
}

// Snapshot returns a defensive copy of the current state.
func (a *Adapter) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.clone()
}

func applyEvent(s *State, e events.Event) {
	switch e.Kind {
	case events.KindTextStart:
		empty := ""
		s.textBuffers[e.MsgID] = &empty
	case events.KindTextDelta:
		p, _ := e.Data.(events.TextPayload)
		buf, ok := s.textBuffers[e.MsgID]
		if !ok {
			empty := ""
			buf = &empty
			s.textBuffers[e.MsgID] = buf
		}
		*buf += p.Delta
	case events.KindTextComplete:
		p, _ := e.Data.(events.TextPayload)
		delete(s.textBuffers, e.MsgID)
		s.History = append(s.History, HistoryEntry{Kind: e.Kind, MsgID: e.MsgID, Text: p.Text, Timestamp: e.Timestamp})
	case events.KindReasoningStart:
		empty := ""
		s.reasoningBuffers[e.MsgID] = &empty
	case events.KindReasoningDelta:
		p, _ := e.Data.(events.TextPayload)
		buf, ok := s.reasoningBuffers[e.MsgID]
		if !ok {
			empty := ""
			buf = &empty
			s.reasoningBuffers[e.MsgID] = buf
		}
		*buf += p.Delta
	case events.KindReasoningComplete:
		p, _ := e.Data.(events.TextPayload)
		delete(s.reasoningBuffers, e.MsgID)
		s.History = append(s.History, HistoryEntry{Kind: e.Kind, MsgID: e.MsgID, Text: p.Text, Timestamp: e.Timestamp})
	case events.KindToolCallCreated:
		p, _ := e.Data.(events.ToolCallCreatedPayload)
		s.ToolCalls[p.ToolCallID] = &ToolCallState{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Input: p.Input, Status: "pending"}
	case events.KindToolCallStream:
		p, _ := e.Data.(events.ToolCallStreamPayload)
		if tc, ok := s.ToolCalls[p.ToolCallID]; ok {
			tc.ArgsDelta += p.Delta
		}
	case events.KindToolCallResult:
		p, _ := e.Data.(events.ToolCallResultPayload)
		tc, ok := s.ToolCalls[p.ToolCallID]
		if !ok {
			tc = &ToolCallState{ToolCallID: p.ToolCallID, ToolName: p.ToolName}
			s.ToolCalls[p.ToolCallID] = tc
		}
		tc.Output = p.Output
		tc.Error = p.Error
		if p.Success {
			tc.Status = "succeeded"
		} else {
			tc.Status = "failed"
		}
	case events.KindUsageUpdate:
		if p, ok := e.Data.(events.UsageUpdatePayload); ok {
			s.Usage = p
		}
	case events.KindStatus:
		if p, ok := e.Data.(events.StatusPayload); ok {
			s.Status = p.Status
			if terminalStatus[p.Status] {
				s.completeOpenBlocks(e.Timestamp)
				s.Complete = true
			}
		}
	case events.KindError:
		if p, ok := e.Data.(events.ErrorPayload); ok {
			s.LastError = &p
		}
	case events.KindCodePatch, events.KindSubagentEvent:
		// Surfaced verbatim via History-less pass-through; callers that
		// need these inspect the raw event stream directly.
	}
}

// terminalStatus lists the status strings that end a run. loop.Engine only
// ever emits "completed", "failed", and "aborted"; "success"/"error" are
// included for forward compatibility with other STATUS producers using the
// broader vocabulary named in spec.md §4.2.
var terminalStatus = map[string]bool{
	"completed": true,
	"success":   true,
	"failed":    true,
	"error":     true,
	"aborted":   true,
}

// completeOpenBlocks force-closes every still-open text/reasoning block, as
// if a textComplete/reasoningComplete had arrived for it. A run can end
// mid-stream (abort, provider error) with a block still open; without this
// the adapter would leave it stranded out of History forever.
func (s *State) completeOpenBlocks(ts time.Time) {
	for msgID, buf := range s.textBuffers {
		s.History = append(s.History, HistoryEntry{Kind: events.KindTextComplete, MsgID: msgID, Text: *buf, Timestamp: ts})
		delete(s.textBuffers, msgID)
	}
	for msgID, buf := range s.reasoningBuffers {
		s.History = append(s.History, HistoryEntry{Kind: events.KindReasoningComplete, MsgID: msgID, Text: *buf, Timestamp: ts})
		delete(s.reasoningBuffers, msgID)
	}
}

func (s State) clone() State {
	out := s
	out.textBuffers = cloneBufMap(s.textBuffers)
	out.reasoningBuffers = cloneBufMap(s.reasoningBuffers)
	out.History = append([]HistoryEntry(nil), s.History...)
	out.ToolCalls = make(map[string]*ToolCallState, len(s.ToolCalls))
	for k, v := range s.ToolCalls {
		cp := *v
		out.ToolCalls[k] = &cp
	}
	return out
}

func cloneBufMap(src map[string]*string) map[string]*string {
	out := make(map[string]*string, len(src))
	for k, v := range src {
		cp := *v
		out[k] = &cp
	}
	return out
}
