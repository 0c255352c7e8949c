package oaichat

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

type fakeSDK struct {
	gotChat  openai.ChatCompletionRequest
	chatResp openai.ChatCompletionResponse
	chatErr  error
}

func (f *fakeSDK) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.gotChat = req
	return f.chatResp, f.chatErr
}

func (f *fakeSDK) CreateEmbeddings(context.Context, openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return openai.EmbeddingResponse{
		Data:  []openai.Embedding{{Embedding: []float32{0.1, 0.2}}},
		Usage: openai.Usage{PromptTokens: 3, TotalTokens: 3},
	}, nil
}

func (f *fakeSDK) CreateImage(context.Context, openai.ImageRequest) (openai.ImageResponse, error) {
	return openai.ImageResponse{Data: []openai.ImageResponseDataInner{{URL: "https://img"}}}, nil
}

func (f *fakeSDK) CreateBatchWithUploadFile(context.Context, openai.CreateBatchWithUploadFileRequest) (openai.BatchResponse, error) {
	return openai.BatchResponse{}, nil
}

func (f *fakeSDK) RetrieveBatch(context.Context, string) (openai.BatchResponse, error) {
	return openai.BatchResponse{}, nil
}

func (f *fakeSDK) GetFileContent(context.Context, string) (openai.RawResponse, error) {
	return openai.RawResponse{}, nil
}

func newTestClient(service catalog.Service, sdk *fakeSDK) *Client {
	return NewWithFactory(service, func(string) SDK { return sdk })
}

func TestChatEncodesRequest(t *testing.T) {
	sdk := &fakeSDK{chatResp: openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "llama-3.3-70b",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	c := newTestClient(catalog.ServiceGroq, sdk)

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "llama-3.3-70b",
		System: "be terse",
		Messages: []providers.Message{
			providers.Text(providers.RoleUser, "earlier"),
			providers.Text(providers.RoleAssistant, "noted"),
		},
		User: "what now?",
		Params: map[string]any{
			"temperature":         0.3,
			"max_tokens":          128,
			"parallel_tool_calls": true,
		},
	})
	require.NoError(t, err)

	require.Len(t, sdk.gotChat.Messages, 4)
	assert.Equal(t, "system", sdk.gotChat.Messages[0].Role)
	assert.Equal(t, "be terse", sdk.gotChat.Messages[0].Content)
	assert.Equal(t, "what now?", sdk.gotChat.Messages[3].Content)
	assert.Equal(t, float32(0.3), sdk.gotChat.Temperature)
	assert.Equal(t, 128, sdk.gotChat.MaxTokens)
	assert.Nil(t, sdk.gotChat.ParallelToolCalls, "dropped without tools")

	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, providers.FinishCompleted, res.FinishReason)
	assert.Equal(t, 15, res.Usage.TotalTokens)
}

func TestChatReasoningModelFoldsSystem(t *testing.T) {
	sdk := &fakeSDK{chatResp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "x"}}},
	}}
	c := newTestClient(catalog.ServiceOpenAICompletion, sdk)

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey:         "k",
		Model:          "o4-mini",
		System:         "rules",
		User:           "hi",
		ReasoningModel: true,
	})
	require.NoError(t, err)
	require.Len(t, sdk.gotChat.Messages, 1)
	assert.Equal(t, "user", sdk.gotChat.Messages[0].Role)
	assert.Equal(t, "rules\n\nhi", sdk.gotChat.Messages[0].Content)
}

func TestChatToolRoundTrip(t *testing.T) {
	sdk := &fakeSDK{chatResp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ToolCall{{
					ID:   "call_9",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "lookup",
						Arguments: `{"city":"Pune"}`,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	c := newTestClient(catalog.ServiceMistral, sdk)

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "mistral-large",
		User:   "weather?",
		Tools: []providers.ToolDefinition{{
			Name:        "lookup",
			Description: "look up weather",
			Parameters:  map[string]any{"city": map[string]any{"type": "string"}},
			Required:    []string{"city"},
		}},
		Params: map[string]any{"parallel_tool_calls": true},
	})
	require.NoError(t, err)

	require.Len(t, sdk.gotChat.Tools, 1)
	assert.Equal(t, "lookup", sdk.gotChat.Tools[0].Function.Name)
	assert.Equal(t, true, sdk.gotChat.ParallelToolCalls)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "call_9", res.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"city": "Pune"}, res.ToolCalls[0].Arguments)
	assert.Equal(t, providers.FinishToolCall, res.FinishReason)
}

func TestChatSplicesToolResults(t *testing.T) {
	sdk := &fakeSDK{chatResp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "done"}}},
	}}
	c := newTestClient(catalog.ServiceOpenRouter, sdk)

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "m",
		Messages: []providers.Message{
			providers.Text(providers.RoleUser, "weather?"),
			{Role: providers.RoleAssistant, Parts: []providers.Part{{
				Type:       providers.PartToolUse,
				ToolCallID: "call_1",
				Name:       "lookup",
				Arguments:  map[string]any{"city": "Pune"},
			}}},
			providers.ToolResult("call_1", `{"temp":30}`, false),
		},
	})
	require.NoError(t, err)

	require.Len(t, sdk.gotChat.Messages, 3)
	require.Len(t, sdk.gotChat.Messages[1].ToolCalls, 1)
	assert.Equal(t, "lookup", sdk.gotChat.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", sdk.gotChat.Messages[2].Role)
	assert.Equal(t, "call_1", sdk.gotChat.Messages[2].ToolCallID)
}

func TestChatRequiresAPIKey(t *testing.T) {
	c := newTestClient(catalog.ServiceGroq, &fakeSDK{})
	_, err := c.Chat(context.Background(), &providers.ChatRequest{Model: "m"})
	assert.ErrorContains(t, err, "api key")
}

func TestResponseFormatParam(t *testing.T) {
	sdk := &fakeSDK{chatResp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "{}"}}},
	}}
	c := newTestClient(catalog.ServiceGroq, sdk)

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "m",
		User:   "json please",
		Params: map[string]any{"response_format": map[string]any{"type": "json_object"}},
	})
	require.NoError(t, err)
	require.NotNil(t, sdk.gotChat.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, sdk.gotChat.ResponseFormat.Type)
}

func TestEmbed(t *testing.T) {
	c := newTestClient(catalog.ServiceOpenAICompletion, &fakeSDK{})
	res, err := c.Embed(context.Background(), &providers.EmbedRequest{
		APIKey: "k", Model: "text-embedding-3-small", Input: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, res.Embedding)
	assert.Equal(t, 3, res.Usage.InputTokens)
}

func TestUsageDetails(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Usage: openai.Usage{
			PromptTokens:            100,
			CompletionTokens:        50,
			TotalTokens:             150,
			PromptTokensDetails:     &openai.PromptTokensDetails{CachedTokens: 40},
			CompletionTokensDetails: &openai.CompletionTokensDetails{ReasoningTokens: 10},
		},
	}
	res := translateResponse(resp)
	assert.Equal(t, 40, res.Usage.CachedTokens)
	assert.Equal(t, 10, res.Usage.ReasoningTokens)
}
