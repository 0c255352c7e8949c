package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/gtwy-ai/gateway/providers"
)

type fakeModels struct {
	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
	resp        *genai.GenerateContentResponse
	err         error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	f.gotContents = contents
	f.gotConfig = config
	return f.resp, f.err
}

func newTestClient(fake *fakeModels) *Client {
	return NewWithFactory(func(context.Context, string) (Models, error) { return fake, nil })
}

func TestChatEncodesRequest(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		ResponseID:   "resp_1",
		ModelVersion: "gemini-2.0-flash",
		Candidates: []*genai.Candidate{{
			FinishReason: "STOP",
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: "hello"}},
			},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
			TotalTokenCount:      15,
			ThoughtsTokenCount:   2,
		},
	}}
	c := newTestClient(fake)

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "gemini-2.0-flash",
		System: "be terse",
		User:   "hi",
		Params: map[string]any{
			"temperature":       0.4,
			"max_output_tokens": 256,
			"responseMimeType":  "application/json",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.0-flash", fake.gotModel)
	require.NotNil(t, fake.gotConfig.SystemInstruction)
	assert.Equal(t, "be terse", fake.gotConfig.SystemInstruction.Parts[0].Text)
	require.NotNil(t, fake.gotConfig.Temperature)
	assert.Equal(t, float32(0.4), *fake.gotConfig.Temperature)
	assert.Equal(t, int32(256), fake.gotConfig.MaxOutputTokens)
	assert.Equal(t, "application/json", fake.gotConfig.ResponseMIMEType)

	require.Len(t, fake.gotContents, 1)
	assert.Equal(t, genai.RoleUser, fake.gotContents[0].Role)

	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, providers.FinishCompleted, res.FinishReason)
	assert.Equal(t, 2, res.Usage.ReasoningTokens)
}

func TestChatFunctionCall(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{
				FunctionCall: &genai.FunctionCall{Name: "lookup", Args: map[string]any{"city": "Pune"}},
			}}},
		}},
	}}
	c := newTestClient(fake)

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "gemini-2.0-flash",
		User:   "weather?",
		Tools: []providers.ToolDefinition{{
			Name:        "lookup",
			Description: "look up weather",
			Parameters:  map[string]any{"city": map[string]any{"type": "string", "description": "city name"}},
			Required:    []string{"city"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, fake.gotConfig.Tools, 1)
	decls := fake.gotConfig.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)
	assert.Equal(t, "lookup", decls[0].Name)
	assert.Equal(t, genai.TypeObject, decls[0].Parameters.Type)
	assert.Equal(t, []string{"city"}, decls[0].Parameters.Required)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "lookup", res.ToolCalls[0].Name)
	assert.Equal(t, providers.FinishToolCall, res.FinishReason)
}

func TestChatFunctionResponseRoundTrip(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "30C"}}},
		}},
	}}
	c := newTestClient(fake)

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "gemini-2.0-flash",
		Messages: []providers.Message{
			providers.Text(providers.RoleUser, "weather?"),
			{Role: providers.RoleAssistant, Parts: []providers.Part{{
				Type:      providers.PartToolUse,
				Name:      "lookup",
				Arguments: map[string]any{"city": "Pune"},
			}}},
			{Role: providers.RoleTool, Parts: []providers.Part{{
				Type:   providers.PartToolResult,
				Name:   "lookup",
				Result: `{"temp":30}`,
			}}},
		},
	})
	require.NoError(t, err)

	require.Len(t, fake.gotContents, 3)
	assert.Equal(t, genai.RoleModel, fake.gotContents[1].Role)
	require.NotNil(t, fake.gotContents[1].Parts[0].FunctionCall)
	require.NotNil(t, fake.gotContents[2].Parts[0].FunctionResponse)
	assert.Equal(t, map[string]any{"temp": float64(30)}, fake.gotContents[2].Parts[0].FunctionResponse.Response)
}

func TestToSchemaNested(t *testing.T) {
	schema := toSchema(map[string]any{
		"type":        "object",
		"description": "outer",
		"properties": map[string]any{
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": []any{"a", "b"}},
			},
		},
		"required": []any{"tags"},
	})
	require.NotNil(t, schema)
	assert.Equal(t, genai.TypeObject, schema.Type)
	require.Contains(t, schema.Properties, "tags")
	tags := schema.Properties["tags"]
	assert.Equal(t, genai.TypeArray, tags.Type)
	require.NotNil(t, tags.Items)
	assert.Equal(t, []string{"a", "b"}, tags.Items.Enum)
	assert.Equal(t, []string{"tags"}, schema.Required)
}

func TestFinishReasonTruncated(t *testing.T) {
	res := translateResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: "MAX_TOKENS"}},
	})
	assert.Equal(t, providers.FinishTruncated, res.FinishReason)
}
