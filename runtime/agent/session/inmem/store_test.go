package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/session"
)

func TestCreateSessionThenLoadRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	got, err := s.CreateSession(ctx, "sess-1", now)
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.ID)
	require.Equal(t, session.StatusActive, got.Status)
	require.Nil(t, got.EndedAt)

	loaded, err := s.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, got, loaded)
}

func TestCreateSessionIsIdempotentForActiveSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	first, err := s.CreateSession(ctx, "sess-1", now)
	require.NoError(t, err)

	second, err := s.CreateSession(ctx, "sess-1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreateSessionRejectsRecreatingEndedSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, err := s.CreateSession(ctx, "sess-1", now)
	require.NoError(t, err)
	_, err = s.EndSession(ctx, "sess-1", now.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "sess-1", now.Add(time.Hour))
	require.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestLoadSessionMissingReturnsErrSessionNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, err := s.CreateSession(ctx, "sess-1", now)
	require.NoError(t, err)

	first, err := s.EndSession(ctx, "sess-1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, session.StatusEnded, first.Status)

	second, err := s.EndSession(ctx, "sess-1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, first.EndedAt, second.EndedAt)
}

func TestUpsertRunStartedAtIsImmutable(t *testing.T) {
	s := New()
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	err := s.UpsertRun(ctx, session.RunMeta{
		RunID: "run-1", AgentID: "demo.agent", SessionID: "sess-1", StartedAt: start,
	})
	require.NoError(t, err)

	err = s.UpsertRun(ctx, session.RunMeta{
		RunID: "run-1", AgentID: "demo.agent", SessionID: "sess-1", StartedAt: start.Add(time.Hour),
	})
	require.Error(t, err)

	got, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, start, got.StartedAt)
}

func TestUpsertRunFillsStartedAtWhenZero(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "run-1", AgentID: "a", SessionID: "s"}))
	first, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, first.StartedAt.IsZero())

	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "run-1", AgentID: "a", SessionID: "s", Status: "completed"}))
	second, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, first.StartedAt, second.StartedAt)
	require.Equal(t, session.RunStatus("completed"), second.Status)
}

func TestLoadRunMissingReturnsErrRunNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadRun(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrRunNotFound)
}

func TestListRunsBySessionFiltersByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r1", AgentID: "a", SessionID: "s1", Status: "running"}))
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r2", AgentID: "a", SessionID: "s1", Status: "completed"}))
	require.NoError(t, s.UpsertRun(ctx, session.RunMeta{RunID: "r3", AgentID: "a", SessionID: "s2", Status: "running"}))

	all, err := s.ListRunsBySession(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	running, err := s.ListRunsBySession(ctx, "s1", []session.RunStatus{"running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "r1", running[0].RunID)
}

func TestAppendMessageRequiresExistingSession(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, session.Message{ID: "m1", SessionID: "missing"})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAppendMessageAssignsIncrementingSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, session.Message{ID: "m1", SessionID: "sess-1"})
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, session.Message{ID: "m2", SessionID: "sess-1"})
	require.NoError(t, err)

	require.Equal(t, int64(1), m1.Seq)
	require.Equal(t, int64(2), m2.Seq)
	require.False(t, m1.CreatedAt.IsZero())
}

func TestExcludeMessageRemovesFromActiveContextButNotFullHistory(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, session.Message{ID: "m1", SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, session.Message{ID: "m2", SessionID: "sess-1"})
	require.NoError(t, err)

	require.NoError(t, s.ExcludeMessage(ctx, "sess-1", "m1", "compacted"))

	active, err := s.ActiveContext(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "m2", active[0].ID)

	full, err := s.FullHistory(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, full, 2)
}

func TestExcludeMessageUnknownMessageReturnsError(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, session.Message{ID: "m1", SessionID: "sess-1"})
	require.NoError(t, err)

	err = s.ExcludeMessage(ctx, "sess-1", "does-not-exist", "reason")
	require.Error(t, err)
}

func TestActiveContextAndFullHistoryMissingSessionReturnsError(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.ActiveContext(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = s.FullHistory(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}
