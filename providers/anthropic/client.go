// Package anthropic implements the chat adapter for the anthropic service
// using github.com/anthropics/anthropic-sdk-go. Long generations run through
// the streaming endpoint and fold the event stream back into a single
// message, since the non-streaming endpoint times out on large token caps.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used for chat.
	// Satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Factory builds the SDK services for one API key. Keys arrive per
	// request after bridge resolution.
	Factory func(apiKey string) MessagesClient

	// Client implements providers.Adapter for Anthropic.
	Client struct {
		newMsgs    Factory
		newBatches BatchFactory

		// streamThreshold is the max_tokens value at or above which chat
		// switches to the streaming endpoint.
		streamThreshold int64
	}
)

// defaultStreamThreshold matches the cap where api.anthropic.com starts
// requiring streaming.
const defaultStreamThreshold = 8192

// New builds the Anthropic adapter with real SDK clients.
func New() *Client {
	return &Client{
		newMsgs: func(apiKey string) MessagesClient {
			c := sdk.NewClient(option.WithAPIKey(apiKey))
			return &c.Messages
		},
		streamThreshold: defaultStreamThreshold,
	}
}

// NewWithFactory builds the adapter with a custom SDK factory. Used in tests.
func NewWithFactory(f Factory) *Client {
	return &Client{newMsgs: f, streamThreshold: defaultStreamThreshold}
}

// Service reports the routed service name.
func (c *Client) Service() catalog.Service { return catalog.ServiceAnthropic }

// Chat issues one Messages call, streaming and folding when the token cap
// demands it.
func (c *Client) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if req.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	params, err := encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	msgs := c.newMsgs(req.APIKey)
	if params.MaxTokens >= c.streamThreshold {
		stream := msgs.NewStreaming(ctx, *params)
		msg, err := foldStream(stream)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages stream: %w", err)
		}
		return translateResponse(msg), nil
	}
	msg, err := msgs.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

func encodeRequest(req *providers.ChatRequest) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	msgs, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("at least one message is required")
	}
	params := &sdk.MessageNewParams{
		Model:    sdk.Model(req.Model),
		Messages: msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties: def.Parameters,
			Required:   def.Required,
		}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	applyParams(params, req.Params)
	if params.MaxTokens <= 0 {
		return nil, errors.New("max_tokens must be positive")
	}
	if tc := req.ToolChoice; tc != nil {
		choice, err := encodeToolChoice(tc, req.Tools)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = choice
	}
	return params, nil
}

func encodeMessages(req *providers.ChatRequest) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, m := range req.Messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case providers.PartText:
				if p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			case providers.PartToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(p.ToolCallID, p.Arguments, p.Name))
			case providers.PartToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(p.ToolCallID, p.Result, p.IsError))
			case providers.PartImage:
				blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: p.URL}))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case providers.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case providers.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case providers.RoleTool:
			// Anthropic carries tool results in user messages.
			out = append(out, sdk.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if req.User != "" || len(req.Images) > 0 {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Images)+1)
		for _, url := range req.Images {
			blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: url}))
		}
		if req.User != "" {
			blocks = append(blocks, sdk.NewTextBlock(req.User))
		}
		out = append(out, sdk.NewUserMessage(blocks...))
	}
	return out, nil
}

func applyParams(params *sdk.MessageNewParams, cfg map[string]any) {
	for key, val := range cfg {
		switch key {
		case "max_tokens":
			params.MaxTokens = int64(toFloat(val))
		case "temperature":
			params.Temperature = sdk.Float(toFloat(val))
		case "top_p":
			params.TopP = sdk.Float(toFloat(val))
		case "top_k":
			params.TopK = sdk.Int(int64(toFloat(val)))
		case "stop_sequence", "stop_sequences":
			params.StopSequences = toStrings(val)
		}
	}
}

// encodeToolChoice maps the canonical choice onto Anthropic's union. A bare
// mode matching a known union member passes through; "tool" pins one tool by
// name.
func encodeToolChoice(tc *providers.ToolChoice, defs []providers.ToolDefinition) (sdk.ToolChoiceUnionParam, error) {
	switch tc.Mode {
	case "", "auto", "default":
		return sdk.ToolChoiceUnionParam{}, nil
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case "required", "any":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case "tool":
		if tc.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("tool choice requires a tool name")
		}
		for _, def := range defs {
			if def.Name == tc.Name {
				return sdk.ToolChoiceParamOfTool(tc.Name), nil
			}
		}
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("tool choice %q does not match any tool", tc.Name)
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("unsupported tool choice mode %q", tc.Mode)
	}
}

func translateResponse(msg *sdk.Message) *providers.ChatResult {
	result := &providers.ChatResult{
		ID:    msg.ID,
		Model: string(msg.Model),
		Usage: providers.Usage{
			InputTokens:     int(msg.Usage.InputTokens),
			OutputTokens:    int(msg.Usage.OutputTokens),
			TotalTokens:     int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheReadInput:  int(msg.Usage.CacheReadInputTokens),
			CacheWriteInput: int(msg.Usage.CacheCreationInputTokens),
		},
		FinishReason: providers.MapFinishReason(string(msg.StopReason)),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"raw": string(block.Input)}
				}
			}
			result.ToolCalls = append(result.ToolCalls, providers.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return result
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
