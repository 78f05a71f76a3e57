package subtask

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateQueuesRun(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()

	r, err := store.Create(ctx, CreateInput{
		ParentSessionID: "parent-1",
		Mode:            ModeBackground,
		Description:     "research the topic",
		Prompt:          "find recent papers",
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.RunID)
	require.Equal(t, StatusQueued, r.Status)
	require.False(t, Terminal(r.Status))
}

func TestHeartbeatAndTerminalUpdate(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()
	r, err := store.Create(ctx, CreateInput{ParentSessionID: "p", Mode: ModeForeground})
	require.NoError(t, err)

	require.NoError(t, store.Heartbeat(ctx, r.RunID, "search", 2, 4))
	got, err := store.Get(ctx, r.RunID)
	require.NoError(t, err)
	require.Equal(t, "search", got.LastToolName)
	require.Equal(t, 2, got.Turns)

	final, err := store.Update(ctx, r.RunID, func(run *Run) {
		run.Status = StatusCompleted
		out := "done"
		run.Output = &out
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.True(t, Terminal(final.Status))
	require.Equal(t, "done", *final.Output)
}

func TestListByStatusFiltersCrashRecoveryCandidates(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()

	r1, _ := store.Create(ctx, CreateInput{ParentSessionID: "p", Mode: ModeBackground})
	r2, _ := store.Create(ctx, CreateInput{ParentSessionID: "p", Mode: ModeBackground})
	_, err := store.Update(ctx, r2.RunID, func(run *Run) { run.Status = StatusRunning })
	require.NoError(t, err)

	stuck, err := store.ListByStatus(ctx, StatusQueued, StatusRunning, StatusCancelling)
	require.NoError(t, err)
	require.Len(t, stuck, 2)

	ids := map[string]bool{}
	for _, r := range stuck {
		ids[r.RunID] = true
	}
	require.True(t, ids[r1.RunID])
	require.True(t, ids[r2.RunID])
}

func TestGetUnknownRunReturnsNotFound(t *testing.T) {
	store := NewInMemStore()
	_, err := store.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}
