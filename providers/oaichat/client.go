// Package oaichat implements the chat adapter for every service that speaks
// the OpenAI chat-completions wire protocol: openai_completion, groq, grok,
// open_router, mistral and ai_ml. One adapter, parameterized by service name
// and base URL, using github.com/sashabaranov/go-openai. The same client also
// carries embeddings, image generation and the OpenAI batch file APIs.
package oaichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

type (
	// SDK captures the subset of the go-openai client the adapter uses.
	// Satisfied by *openai.Client.
	SDK interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
		CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
		CreateBatchWithUploadFile(ctx context.Context, request openai.CreateBatchWithUploadFileRequest) (openai.BatchResponse, error)
		RetrieveBatch(ctx context.Context, batchID string) (openai.BatchResponse, error)
		GetFileContent(ctx context.Context, fileID string) (openai.RawResponse, error)
	}

	// Factory builds an SDK client for one API key. Keys arrive per request
	// after bridge resolution, so clients cannot be bound at construction.
	Factory func(apiKey string) SDK

	// Client implements providers.Adapter for one OpenAI-compatible service.
	Client struct {
		service catalog.Service
		newSDK  Factory
	}
)

// New builds an adapter for service. baseURL is empty for api.openai.com.
func New(service catalog.Service, baseURL string) *Client {
	return &Client{
		service: service,
		newSDK: func(apiKey string) SDK {
			cfg := openai.DefaultConfig(apiKey)
			if baseURL != "" {
				cfg.BaseURL = baseURL
			}
			return openai.NewClientWithConfig(cfg)
		},
	}
}

// NewWithFactory builds an adapter with a custom SDK factory. Used in tests.
func NewWithFactory(service catalog.Service, f Factory) *Client {
	return &Client{service: service, newSDK: f}
}

// Service reports which service this adapter routes.
func (c *Client) Service() catalog.Service { return c.service }

// Chat issues one chat completion.
func (c *Client) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%s: api key is required", c.service)
	}
	request, err := encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.service, err)
	}
	resp, err := c.newSDK(req.APIKey).CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.service, err)
	}
	return translateResponse(resp), nil
}

func encodeRequest(req *providers.ChatRequest) (*openai.ChatCompletionRequest, error) {
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+2)
	system := req.System
	if system != "" && !req.ReasoningModel {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
		system = ""
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, encoded...)
	}
	if req.User != "" || len(req.Images) > 0 {
		messages = append(messages, encodeUserTurn(system, req.User, req.Images))
	}

	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		request.Tools = encodeTools(req.Tools)
	}
	if err := applyParams(&request, req.Params, len(req.Tools) > 0); err != nil {
		return nil, err
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return nil, err
		}
		request.ToolChoice = tc
	}
	if req.ResponseSchema != nil {
		raw, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal response schema: %w", err)
		}
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(raw),
				Strict: true,
			},
		}
	}
	return &request, nil
}

// encodeUserTurn builds the current user message. Reasoning models fold the
// system prompt into the user turn since they reject the system slot.
func encodeUserTurn(foldedSystem, user string, images []string) openai.ChatCompletionMessage {
	text := user
	if foldedSystem != "" {
		text = foldedSystem + "\n\n" + user
	}
	if len(images) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	}
	for _, url := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func encodeMessage(m providers.Message) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	var text string
	var toolCalls []openai.ToolCall
	for _, p := range m.Parts {
		switch p.Type {
		case providers.PartText:
			text += p.Text
		case providers.PartToolUse:
			args, err := json.Marshal(p.Arguments)
			if err != nil {
				return nil, fmt.Errorf("marshal tool call %s arguments: %w", p.Name, err)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   p.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      p.Name,
					Arguments: string(args),
				},
			})
		case providers.PartToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    p.Result,
				ToolCallID: p.ToolCallID,
			})
		case providers.PartImage:
			out = append(out, openai.ChatCompletionMessage{
				Role: string(m.Role),
				MultiContent: []openai.ChatMessagePart{{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.URL},
				}},
			})
		}
	}
	if text != "" || len(toolCalls) > 0 {
		out = append(out, openai.ChatCompletionMessage{
			Role:      string(m.Role),
			Content:   text,
			ToolCalls: toolCalls,
		})
	}
	return out, nil
}

func encodeTools(defs []providers.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		schema := map[string]any{
			"type":       "object",
			"properties": def.Parameters,
			"required":   def.Required,
		}
		raw, _ := json.Marshal(schema)
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(raw),
			},
		})
	}
	return tools
}

func encodeToolChoice(tc *providers.ToolChoice, defs []providers.ToolDefinition) (any, error) {
	switch tc.Mode {
	case "", "auto", "default":
		return nil, nil
	case "none", "required":
		return tc.Mode, nil
	case "tool":
		if tc.Name == "" {
			return nil, errors.New("tool choice requires a tool name")
		}
		for _, def := range defs {
			if def.Name == tc.Name {
				return openai.ToolChoice{
					Type:     openai.ToolTypeFunction,
					Function: openai.ToolFunction{Name: tc.Name},
				}, nil
			}
		}
		return nil, fmt.Errorf("tool choice %q does not match any tool", tc.Name)
	default:
		return nil, fmt.Errorf("unsupported tool choice mode %q", tc.Mode)
	}
}

// applyParams maps translated parameter keys onto the typed request. Keys the
// wire protocol does not carry are dropped. parallel_tool_calls only applies
// when tools are present; several providers reject it otherwise.
func applyParams(request *openai.ChatCompletionRequest, params map[string]any, hasTools bool) error {
	for key, val := range params {
		switch key {
		case "temperature":
			request.Temperature = float32(toFloat(val))
		case "top_p":
			request.TopP = float32(toFloat(val))
		case "frequency_penalty":
			request.FrequencyPenalty = float32(toFloat(val))
		case "presence_penalty":
			request.PresencePenalty = float32(toFloat(val))
		case "n":
			request.N = int(toFloat(val))
		case "seed":
			seed := int(toFloat(val))
			request.Seed = &seed
		case "max_tokens":
			request.MaxTokens = int(toFloat(val))
		case "max_completion_tokens":
			request.MaxCompletionTokens = int(toFloat(val))
		case "stop", "stopSequences", "stop_sequences":
			request.Stop = toStrings(val)
		case "logprobs":
			if b, ok := val.(bool); ok {
				request.LogProbs = b
			}
		case "parallel_tool_calls":
			if hasTools {
				request.ParallelToolCalls = val
			}
		case "reasoning_effort":
			if s, ok := val.(string); ok {
				request.ReasoningEffort = s
			}
		case "response_format":
			rf, err := encodeResponseFormat(val)
			if err != nil {
				return err
			}
			if rf != nil && request.ResponseFormat == nil {
				request.ResponseFormat = rf
			}
		}
	}
	return nil
}

func encodeResponseFormat(val any) (*openai.ChatCompletionResponseFormat, error) {
	m, ok := val.(map[string]any)
	if !ok {
		if s, ok := val.(string); ok && s != "" && s != "text" {
			return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatType(s)}, nil
		}
		return nil, nil
	}
	t, _ := m["type"].(string)
	switch t {
	case "", "text", "default":
		return nil, nil
	case "json_object":
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}, nil
	case "json_schema":
		raw, err := json.Marshal(m["json_schema"])
		if err != nil {
			return nil, fmt.Errorf("marshal json_schema response format: %w", err)
		}
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(raw),
				Strict: true,
			},
		}, nil
	default:
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatType(t)}, nil
	}
}

func translateResponse(resp openai.ChatCompletionResponse) *providers.ChatResult {
	result := &providers.ChatResult{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		FinishReason: providers.FinishOther,
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		result.Usage.CachedTokens = d.CachedTokens
	}
	if d := resp.Usage.CompletionTokensDetails; d != nil {
		result.Usage.ReasoningTokens = d.ReasoningTokens
	}
	for i, choice := range resp.Choices {
		if i == 0 {
			result.FinishReason = providers.MapFinishReason(string(choice.FinishReason))
		}
		msg := choice.Message
		if msg.Content != "" {
			result.Content += msg.Content
		}
		for _, call := range msg.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, providers.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: parseArguments(call.Function.Arguments),
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = providers.FinishToolCall
	}
	return result
}

func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
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
