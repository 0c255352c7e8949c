package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/catalog"
)

func TestMapFinishReason(t *testing.T) {
	cases := map[string]FinishReason{
		"stop":              FinishCompleted,
		"end_turn":          FinishCompleted,
		"completed":         FinishCompleted,
		"length":            FinishTruncated,
		"max_tokens":        FinishTruncated,
		"max_output_tokens": FinishTruncated,
		"tool_calls":        FinishToolCall,
		"tool_use":          FinishToolCall,
		"content_filter":    FinishOther,
		"":                  FinishOther,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapFinishReason(raw), "raw=%q", raw)
	}
}

type stubAdapter struct {
	calls int
}

func (s *stubAdapter) Service() catalog.Service { return catalog.ServiceGroq }

func (s *stubAdapter) Chat(context.Context, *ChatRequest) (*ChatResult, error) {
	s.calls++
	return &ChatResult{Content: "ok"}, nil
}

func TestPacedAdapter(t *testing.T) {
	stub := &stubAdapter{}
	paced := Paced(stub, NewPacer(1000, 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		res, err := paced.Chat(ctx, &ChatRequest{Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Content)
	}
	assert.Equal(t, 3, stub.calls)
}

type stubEmbedder struct {
	stubAdapter
	embeds int
}

func (s *stubEmbedder) Embed(context.Context, *EmbedRequest) (*EmbedResult, error) {
	s.embeds++
	return &EmbedResult{Embedding: []float32{1}}, nil
}

func TestPacedAdapterCapabilities(t *testing.T) {
	p := NewPacer(1000, 5)

	t.Run("embeds delegate through the wrapper", func(t *testing.T) {
		stub := &stubEmbedder{}
		paced := Paced(stub, p)
		res, err := paced.Embed(context.Background(), &EmbedRequest{Input: "x"})
		require.NoError(t, err)
		assert.Equal(t, []float32{1}, res.Embedding)
		assert.Equal(t, 1, stub.embeds)
	})

	t.Run("unsupported capabilities still error", func(t *testing.T) {
		paced := Paced(&stubAdapter{}, p)
		_, err := paced.Embed(context.Background(), &EmbedRequest{Input: "x"})
		assert.ErrorContains(t, err, "does not support embeddings")
		_, err = paced.GenerateImage(context.Background(), &ImageRequest{Prompt: "x"})
		assert.ErrorContains(t, err, "does not support image generation")
		_, err = paced.SubmitBatch(context.Background(), "k", nil)
		assert.ErrorContains(t, err, "does not support batch")
	})
}

func TestPacerCancellation(t *testing.T) {
	p := NewPacer(0.001, 1)
	ctx := context.Background()
	require.NoError(t, p.Wait(ctx, catalog.ServiceOpenAI), "first token from burst")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx, catalog.ServiceOpenAI), "second token exceeds deadline")
}

func TestMessageHelpers(t *testing.T) {
	m := Text(RoleUser, "hi")
	require.Len(t, m.Parts, 1)
	assert.Equal(t, PartText, m.Parts[0].Type)

	tr := ToolResult("call_1", "out", true)
	assert.Equal(t, RoleTool, tr.Role)
	assert.Equal(t, "call_1", tr.Parts[0].ToolCallID)
	assert.True(t, tr.Parts[0].IsError)
}

func TestRegistry(t *testing.T) {
	stub := &stubAdapter{}
	r := NewRegistry(stub)

	got, err := r.Adapter(catalog.ServiceGroq)
	require.NoError(t, err)
	assert.Same(t, Adapter(stub), got)

	_, err = r.Adapter(catalog.ServiceMistral)
	assert.ErrorContains(t, err, `no adapter registered for service "mistral"`)
}
