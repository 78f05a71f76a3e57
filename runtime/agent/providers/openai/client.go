// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates runtime requests into
// openai.ChatCompletionNewParams calls using github.com/openai/openai-go and
// maps responses (text, tool calls, usage) back into the generic planner
// structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/tools"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by the real SDK's Chat.Completions service
	// so callers can pass either a real client or a mock in tests.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures optional OpenAI adapter behavior.
	Options struct {
		// DefaultModel is the default model identifier used when
		// model.Request.Model is empty.
		DefaultModel string
		// HighModel is used when ModelClass is ModelClassHighReasoning and
		// Model is empty.
		HighModel string
		// SmallModel is used when ModelClass is ModelClassSmall and Model is
		// empty.
		SmallModel string
		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of OpenAI Chat Completions.
	Client struct {
		chat         CompletionsClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client from the provided Chat
// Completions client and configuration options.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat completions client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client,
// reading OPENAI_API_KEY and related defaults from the environment. baseURL
// may be empty to use the public OpenAI endpoint.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(opts...)
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Chat.Completions.New request and
// translates the response into planner-friendly structures (assistant
// messages + tool calls).
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	comp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return translateResponse(comp, provToCanon)
}

// Stream is not implemented by this adapter; the loop engine falls back to
// non-streaming Complete calls when Stream returns ErrStreamingUnsupported.
func (c *Client) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, nil, errors.New("openai: model identifier is required")
	}
	toolParams, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		if isReasoningModel(modelID) {
			params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(maxTokens))
		}
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = param.NewOpt(t)
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToProv, req.Tools)
		if err != nil {
			return nil, nil, err
		}
		if tc != nil {
			params.ToolChoice = *tc
		}
	}
	return &params, provToCanon, nil
}

func (c *Client) resolveModelID(req *model.Request) string {
	if s := req.Model; s != "" {
		return s
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// isReasoningModel reports whether model follows the "o<int>-*" naming
// convention used by OpenAI's reasoning model family, which rejects the
// legacy max_tokens parameter in favor of max_completion_tokens.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	if !strings.HasPrefix(m, "o") {
		return false
	}
	rest := m[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}

func encodeMessages(msgs []*model.Message, nameMap map[string]string) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.ConversationRoleSystem:
			text := flattenText(m.Parts)
			if text == "" {
				continue
			}
			out = append(out, sdk.SystemMessage(text))
		case model.ConversationRoleUser:
			toolResults, rest := splitToolResults(m.Parts)
			for _, tr := range toolResults {
				out = append(out, sdk.ToolMessage(encodeToolResultContent(tr), tr.ToolUseID))
			}
			if text := flattenText(rest); text != "" {
				out = append(out, sdk.UserMessage(text))
			}
		case model.ConversationRoleAssistant:
			msg, err := encodeAssistantMessage(m, nameMap)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeAssistantMessage(m *model.Message, nameMap map[string]string) (sdk.ChatCompletionMessageParamUnion, error) {
	text := flattenText(m.Parts)
	toolCalls := make([]sdk.ChatCompletionMessageToolCallUnionParam, 0, len(m.Parts))
	for _, part := range m.Parts {
		v, ok := part.(model.ToolUsePart)
		if !ok {
			continue
		}
		if v.Name == "" {
			return sdk.ChatCompletionMessageParamUnion{}, errors.New("openai: tool_use part missing name")
		}
		sanitized, ok := nameMap[v.Name]
		if !ok || sanitized == "" {
			return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: tool_use references %q which is not in the current tool configuration", v.Name)
		}
		args, err := encodeToolInput(v.Input)
		if err != nil {
			return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: tool_use %q arguments: %w", v.Name, err)
		}
		toolCalls = append(toolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
				ID: v.ID,
				Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      sanitized,
					Arguments: args,
				},
			},
		})
	}
	if len(toolCalls) == 0 {
		return sdk.AssistantMessage(text), nil
	}
	asst := sdk.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		asst.Content.OfString = param.NewOpt(text)
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

func splitToolResults(parts []model.Part) ([]model.ToolResultPart, []model.Part) {
	var results []model.ToolResultPart
	var rest []model.Part
	for _, p := range parts {
		if v, ok := p.(model.ToolResultPart); ok {
			results = append(results, v)
			continue
		}
		rest = append(rest, p)
	}
	return results, rest
}

func flattenText(parts []model.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if v, ok := p.(model.TextPart); ok {
			sb.WriteString(v.Text)
		}
	}
	return sb.String()
}

func encodeToolResultContent(v model.ToolResultPart) string {
	switch c := v.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			return string(data)
		}
		return ""
	}
}

func encodeToolInput(input any) (string, error) {
	switch v := input.(type) {
	case nil:
		return "{}", nil
	case json.RawMessage:
		return string(v), nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := def.Name
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf("openai: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		params, err := toolParameters(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("openai: tool %q schema: %w", canonical, err)
		}
		toolList = append(toolList, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        sanitized,
			Description: param.NewOpt(def.Description),
			Parameters:  params,
		}))
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToSan, sanToCanon, nil
}

func toolParameters(schema any) (sdk.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var params sdk.FunctionParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func encodeToolChoice(choice *model.ToolChoice, canonToProv map[string]string, defs []*model.ToolDefinition) (*sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	if choice == nil {
		return nil, nil
	}
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return &sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}, nil
	case model.ToolChoiceModeNone:
		return &sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}, nil
	case model.ToolChoiceModeAny:
		return &sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return nil, fmt.Errorf("openai: tool choice mode %q requires a tool name", choice.Mode)
		}
		if !hasToolDefinition(defs, choice.Name) {
			return nil, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok || sanitized == "" {
			return nil, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		return &sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: sanitized},
			},
		}, nil
	default:
		return nil, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func hasToolDefinition(defs []*model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def != nil && def.Name == name {
			return true
		}
	}
	return false
}

// sanitizeToolName maps a canonical tool identifier ("toolset.tool") to
// characters allowed by OpenAI function naming constraints.
func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	base := in
	if idx := strings.LastIndex(in, "."); idx >= 0 && idx+1 < len(in) {
		base = in[idx+1:]
	}
	if isProviderSafeToolName(base) {
		return base
	}
	out := make([]rune, 0, len(base))
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func translateResponse(comp *sdk.ChatCompletion, nameMap map[string]string) (*model.Response, error) {
	if comp == nil {
		return nil, errors.New("openai: response is nil")
	}
	resp := &model.Response{}
	if len(comp.Choices) == 0 {
		return resp, nil
	}
	choice := comp.Choices[0]
	msg := choice.Message
	if msg.Content != "" {
		resp.Content = append(resp.Content, model.Message{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: msg.Content}},
		})
	}
	for _, tc := range msg.ToolCalls {
		fn := tc.Function
		if fn.Name == "" {
			continue
		}
		name := fn.Name
		if canonical, ok := nameMap[name]; ok {
			name = canonical
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			Name:    tools.Ident(name),
			Payload: json.RawMessage(fn.Arguments),
			ID:      tc.ID,
		})
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(comp.Usage.PromptTokens),
		OutputTokens: int(comp.Usage.CompletionTokens),
		TotalTokens:  int(comp.Usage.TotalTokens),
	}
	resp.StopReason = string(choice.FinishReason)
	return resp, nil
}
