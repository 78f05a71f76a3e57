package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/model"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	resp   *sdk.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.resp, f.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
		StopReason: sdk.StopReasonEndTurn,
	}
}

func TestCompleteTranslatesTextResponse(t *testing.T) {
	fake := &fakeMessages{resp: textMessage("hi there")}
	c, err := New(fake, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 1024})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	text, ok := resp.Content[0].Parts[0].(model.TextPart)
	require.True(t, ok)
	require.Equal(t, "hi there", text.Text)
	require.Equal(t, "claude-3-5-sonnet", string(fake.params.Model))
}

func TestCompleteRequiresDefaultModel(t *testing.T) {
	_, err := New(&fakeMessages{}, Options{})
	require.Error(t, err)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	fake := &fakeMessages{resp: textMessage("x")}
	c, err := New(fake, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 1024})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestEncodeToolsSanitizesCollidingNames(t *testing.T) {
	defs := []*model.ToolDefinition{
		{Name: "search.lookup", Description: "look things up"},
		{Name: "other.lookup", Description: "also looks things up"},
	}
	_, _, _, err := encodeTools(defs)
	require.Error(t, err)
}

func TestEncodeToolsStripsNamespacePrefix(t *testing.T) {
	defs := []*model.ToolDefinition{
		{Name: "search.lookup", Description: "look things up"},
	}
	_, canonToSan, sanToCanon, err := encodeTools(defs)
	require.NoError(t, err)
	require.Equal(t, "lookup", canonToSan["search.lookup"])
	require.Equal(t, "search.lookup", sanToCanon["lookup"])
}

func TestStreamUnsupported(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{DefaultModel: "claude-3-5-sonnet"})
	require.NoError(t, err)
	_, err = c.Stream(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestPrepareRequestRejectsThinkingBudgetBelowMinimum(t *testing.T) {
	fake := &fakeMessages{resp: textMessage("x")}
	c, err := New(fake, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 4096})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
		Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 100},
	})
	require.Error(t, err)
}
