package openai

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/agentcore/runtime/agent/model"
)

type fakeCompletions struct {
	params sdk.ChatCompletionNewParams
	resp   *sdk.ChatCompletion
	err    error
}

func (f *fakeCompletions) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.params = body
	return f.resp, f.err
}

func textCompletion(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				Message:      sdk.ChatCompletionMessage{Content: text},
				FinishReason: "stop",
			},
		},
	}
}

func TestCompleteTranslatesTextResponse(t *testing.T) {
	fake := &fakeCompletions{resp: textCompletion("hello there")}
	c, err := New(fake, Options{DefaultModel: "gpt-4o-mini"})
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
	require.Equal(t, "hello there", text.Text)
	require.Equal(t, "gpt-4o-mini", string(fake.params.Model))
}

func TestCompleteRequiresDefaultModel(t *testing.T) {
	_, err := New(&fakeCompletions{}, Options{})
	require.Error(t, err)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	fake := &fakeCompletions{resp: textCompletion("x")}
	c, err := New(fake, Options{DefaultModel: "gpt-4o-mini"})
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

func TestStreamUnsupported(t *testing.T) {
	c, err := New(&fakeCompletions{}, Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)
	_, err = c.Stream(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestIsReasoningModel(t *testing.T) {
	require.True(t, isReasoningModel("o4-mini"))
	require.True(t, isReasoningModel("o1-pro"))
	require.False(t, isReasoningModel("gpt-4o"))
}
