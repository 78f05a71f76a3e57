package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/managedtask"
	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/session"
	"github.com/flowloom/agentcore/runtime/agent/subtask"
)

func TestMemoryComposesStores(t *testing.T) {
	mem := New()
	ctx := context.Background()

	require.NoError(t, mem.Initialize(ctx))
	require.NoError(t, mem.WaitForInitialization(ctx))

	_, err := mem.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)

	task, err := mem.ManagedTasks().Create(ctx, "sess-1", managedtask.CreateInput{Subject: "investigate"})
	require.NoError(t, err)
	require.Equal(t, "1", task.ID)

	run, err := mem.SubTaskRuns().Create(ctx, subtask.CreateInput{
		ParentSessionID: "sess-1",
		Mode:            subtask.ModeBackground,
		Prompt:          "look into it",
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)

	msg, err := mem.AppendMessage(ctx, session.Message{
		ID:        "m1",
		SessionID: "sess-1",
		Role:      model.ConversationRoleUser,
		Parts:     []model.Part{model.TextPart{Text: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.Seq)
}
