// Package providers defines the canonical request and result shapes the
// engine dispatches on, plus the adapter interfaces each upstream service
// implements. Adapters translate the canonical shapes to their SDK wire
// format and back; everything above this package is provider-agnostic.
package providers

import (
	"context"

	"github.com/gtwy-ai/gateway/catalog"
)

type (
	// Role is a canonical conversation role.
	Role string

	// PartType discriminates Part.
	PartType string

	// Part is one piece of message content. Exactly the fields implied by
	// Type are set.
	Part struct {
		Type PartType

		// Text for PartText.
		Text string

		// URL for PartImage and PartFile.
		URL string

		// ToolCallID, Name and Arguments for PartToolUse; ToolCallID and
		// Result for PartToolResult.
		ToolCallID string
		Name       string
		Arguments  map[string]any
		Result     string
		IsError    bool
	}

	// Message is one canonical transcript entry.
	Message struct {
		Role  Role
		Parts []Part
	}

	// ToolDefinition describes one callable tool in provider-neutral form.
	// Parameters holds JSON-schema property definitions keyed by name.
	ToolDefinition struct {
		Name        string
		Description string
		Parameters  map[string]any
		Required    []string
	}

	// ToolChoice steers tool selection. Mode is one of "auto", "none",
	// "required" or "tool"; Name is set when Mode is "tool".
	ToolChoice struct {
		Mode string
		Name string
	}

	// ChatRequest is the canonical chat call.
	ChatRequest struct {
		Model    string
		APIKey   string
		System   string
		Messages []Message

		// User is the current user turn; adapters append it after Messages.
		User   string
		Images []string
		Files  []string

		Tools      []ToolDefinition
		ToolChoice *ToolChoice

		// Params holds provider-translated tuning keys (temperature, token
		// caps, penalties) produced by the params package.
		Params map[string]any

		// ResponseSchema forces structured JSON output when non-nil.
		ResponseSchema map[string]any

		// PreviousResponseID continues a server-side conversation where the
		// provider supports it (OpenAI Responses).
		PreviousResponseID string

		// ReasoningModel suppresses the system/developer slot on models that
		// reject it; the system text is folded into the first user turn.
		ReasoningModel bool
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		ID        string
		Name      string
		Arguments map[string]any
	}

	// Usage is the normalized token accounting for one call.
	Usage struct {
		InputTokens     int
		OutputTokens    int
		TotalTokens     int
		CachedTokens    int
		ReasoningTokens int
		CacheReadInput  int
		CacheWriteInput int
	}

	// FinishReason is the normalized stop state.
	FinishReason string

	// ChatResult is the canonical chat outcome.
	ChatResult struct {
		ID           string
		Model        string
		Content      string
		ToolCalls    []ToolCall
		Usage        Usage
		FinishReason FinishReason
		Annotations  any

		// Fallback and FirstAttemptError record that this result came from
		// the retry model after the configured model failed.
		Fallback          bool
		FirstAttemptError string
	}

	// Adapter is the chat surface every service implements.
	Adapter interface {
		Service() catalog.Service
		Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	}

	// EmbedRequest asks for embeddings of Input.
	EmbedRequest struct {
		Model  string
		APIKey string
		Input  string
	}

	// EmbedResult carries one embedding vector.
	EmbedResult struct {
		Embedding []float32
		Usage     Usage
	}

	// Embedder is implemented by adapters whose service offers embeddings.
	Embedder interface {
		Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error)
	}

	// ImageRequest asks for image generation.
	ImageRequest struct {
		Model  string
		APIKey string
		Prompt string
		Params map[string]any
	}

	// ImageResult carries generated image URLs.
	ImageResult struct {
		URLs []string
	}

	// ImageGenerator is implemented by adapters whose service generates
	// images.
	ImageGenerator interface {
		GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error)
	}

	// BatchItem is one request inside a batch submission. CustomID ties the
	// eventual result row back to the caller's ordering.
	BatchItem struct {
		CustomID string
		Request  *ChatRequest
	}

	// BatchJob identifies a submitted batch at the provider.
	BatchJob struct {
		ID     string
		Status BatchStatus
	}

	// BatchStatus is the normalized batch lifecycle state.
	BatchStatus string

	// BatchRow is one per-request outcome from a finished batch. Either
	// Result or Error is set.
	BatchRow struct {
		CustomID   string
		Result     *ChatResult
		Error      any
		StatusCode int
	}

	// BatchSubmitter is implemented by adapters whose service runs batches.
	BatchSubmitter interface {
		SubmitBatch(ctx context.Context, apiKey string, items []BatchItem) (*BatchJob, error)
	}

	// BatchPoller retrieves batch state and, once terminal, its rows.
	BatchPoller interface {
		PollBatch(ctx context.Context, apiKey, batchID string) (*BatchJob, []BatchRow, error)
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"

	PartText       PartType = "text"
	PartImage      PartType = "image_url"
	PartFile       PartType = "file"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"

	FinishCompleted FinishReason = "completed"
	FinishTruncated FinishReason = "truncated"
	FinishToolCall  FinishReason = "tool_call"
	FinishOther     FinishReason = "other"

	BatchValidating BatchStatus = "validating"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
	BatchCancelled  BatchStatus = "cancelled"
)

// finishReasons normalizes every provider stop marker onto the four
// canonical states. Unknown markers map to FinishOther.
var finishReasons = map[string]FinishReason{
	"stop":      FinishCompleted,
	"end_turn":  FinishCompleted,
	"completed": FinishCompleted,

	"length":            FinishTruncated,
	"max_tokens":        FinishTruncated,
	"max_output_tokens": FinishTruncated,

	"tool_calls": FinishToolCall,
	"tool_use":   FinishToolCall,
}

// MapFinishReason normalizes a raw provider stop marker.
func MapFinishReason(raw string) FinishReason {
	if fr, ok := finishReasons[raw]; ok {
		return fr
	}
	return FinishOther
}

// Text returns a message holding a single text part.
func Text(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// ToolResult returns a tool-result message for one tool call.
func ToolResult(callID, result string, isErr bool) Message {
	return Message{Role: RoleTool, Parts: []Part{{
		Type:       PartToolResult,
		ToolCallID: callID,
		Result:     result,
		IsError:    isErr,
	}}}
}
