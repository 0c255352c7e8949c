package openairesp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/providers"
)

type fakeDoer struct {
	bodies   []string
	statuses []int
	gotBody  []map[string]any
	calls    int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	f.gotBody = append(f.gotBody, decoded)

	i := f.calls
	if i >= len(f.bodies) {
		i = len(f.bodies) - 1
	}
	f.calls++
	return &http.Response{
		StatusCode: f.statuses[i],
		Body:       io.NopCloser(bytes.NewBufferString(f.bodies[i])),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

const completedBody = `{
	"id": "resp_1",
	"model": "gpt-4o",
	"status": "completed",
	"output": [
		{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "hi there"}]}
	],
	"usage": {
		"input_tokens": 12,
		"output_tokens": 4,
		"total_tokens": 16,
		"input_tokens_details": {"cached_tokens": 6},
		"output_tokens_details": {"reasoning_tokens": 2}
	}
}`

func TestChatCompleted(t *testing.T) {
	doer := &fakeDoer{bodies: []string{completedBody}, statuses: []int{200}}
	c := New(doer, "")

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "gpt-4o",
		System: "be nice",
		User:   "hello",
		Params: map[string]any{"max_output_tokens": 256, "temperature": 0.5},
	})
	require.NoError(t, err)

	assert.Equal(t, "resp_1", res.ID)
	assert.Equal(t, "hi there", res.Content)
	assert.Equal(t, providers.FinishCompleted, res.FinishReason)
	assert.Equal(t, 6, res.Usage.CachedTokens)
	assert.Equal(t, 2, res.Usage.ReasoningTokens)

	body := doer.gotBody[0]
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, "be nice", body["instructions"])
	assert.Equal(t, float64(256), body["max_output_tokens"])
	assert.Equal(t, 0.5, body["temperature"])
}

func TestChatFunctionCall(t *testing.T) {
	doer := &fakeDoer{
		bodies: []string{`{
			"id": "resp_2",
			"status": "completed",
			"output": [
				{"type": "function_call", "call_id": "call_7", "name": "lookup", "arguments": "{\"city\":\"Pune\"}"}
			]
		}`},
		statuses: []int{200},
	}
	c := New(doer, "")

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k",
		Model:  "gpt-4o",
		User:   "weather?",
		Tools: []providers.ToolDefinition{{
			Name:       "lookup",
			Parameters: map[string]any{"city": map[string]any{"type": "string"}},
			Required:   []string{"city"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "call_7", res.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"city": "Pune"}, res.ToolCalls[0].Arguments)
	assert.Equal(t, providers.FinishToolCall, res.FinishReason)
}

func TestChatContinuation(t *testing.T) {
	doer := &fakeDoer{bodies: []string{completedBody}, statuses: []int{200}}
	c := New(doer, "")

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey:             "k",
		Model:              "gpt-4o",
		PreviousResponseID: "resp_2",
		Messages: []providers.Message{
			providers.ToolResult("call_7", `{"temp":30}`, false),
		},
	})
	require.NoError(t, err)

	body := doer.gotBody[0]
	assert.Equal(t, "resp_2", body["previous_response_id"])
	input := body["input"].([]any)
	require.Len(t, input, 1)
	item := input[0].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_7", item["call_id"])
}

func TestChatRetriesDuplicateID(t *testing.T) {
	doer := &fakeDoer{
		bodies:   []string{`{"error": {"message": "duplicate request id"}}`, completedBody},
		statuses: []int{409, 200},
	}
	c := New(doer, "")

	res, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k", Model: "gpt-4o", User: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, doer.calls)
	assert.Equal(t, "resp_1", res.ID)
}

func TestChatRetryDropsDuplicateItems(t *testing.T) {
	doer := &fakeDoer{
		bodies: []string{
			`{"error": {"message": "Duplicate item found with id 'call_7'."}}`,
			completedBody,
		},
		statuses: []int{409, 200},
	}
	c := New(doer, "")

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey:             "k",
		Model:              "gpt-4o",
		PreviousResponseID: "resp_2",
		Messages: []providers.Message{
			providers.ToolResult("call_7", `{"temp":30}`, false),
			providers.ToolResult("call_8", `{"wind":12}`, false),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, doer.calls)

	first := doer.gotBody[0]["input"].([]any)
	require.Len(t, first, 2)

	second := doer.gotBody[1]["input"].([]any)
	require.Len(t, second, 1, "offending item stripped before the retry")
	item := second[0].(map[string]any)
	assert.Equal(t, "call_8", item["call_id"])
}

func TestChatDuplicateIDGivesUpAfterTwoAttempts(t *testing.T) {
	doer := &fakeDoer{
		bodies:   []string{`{"error": {"message": "duplicate request id"}}`},
		statuses: []int{409},
	}
	c := New(doer, "")

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey: "k", Model: "gpt-4o", User: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, 2, doer.calls)
}

func TestChatIncompleteMapsTruncated(t *testing.T) {
	doer := &fakeDoer{
		bodies: []string{`{
			"id": "resp_3",
			"status": "incomplete",
			"incomplete_details": {"reason": "max_output_tokens"},
			"output": [{"type": "message", "content": [{"type": "output_text", "text": "partial"}]}]
		}`},
		statuses: []int{200},
	}
	c := New(doer, "")

	res, err := c.Chat(context.Background(), &providers.ChatRequest{APIKey: "k", Model: "gpt-4o", User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, providers.FinishTruncated, res.FinishReason)
	assert.Equal(t, "partial", res.Content)
}

func TestReasoningModelSkipsTemperatureAndInstructions(t *testing.T) {
	doer := &fakeDoer{bodies: []string{completedBody}, statuses: []int{200}}
	c := New(doer, "")

	_, err := c.Chat(context.Background(), &providers.ChatRequest{
		APIKey:         "k",
		Model:          "o3",
		System:         "rules",
		User:           "hi",
		ReasoningModel: true,
		Params:         map[string]any{"temperature": 0.9},
	})
	require.NoError(t, err)

	body := doer.gotBody[0]
	_, hasTemp := body["temperature"]
	assert.False(t, hasTemp)
	_, hasInstructions := body["instructions"]
	assert.False(t, hasInstructions)
	input := body["input"].([]any)
	last := input[len(input)-1].(map[string]any)
	assert.Equal(t, "rules\n\nhi", last["content"])
}
