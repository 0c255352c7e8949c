package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/jsonl"

	"github.com/gtwy-ai/gateway/providers"
)

// BatchClient captures the Message Batches API subset. Satisfied by
// *sdk.MessageBatchService.
type BatchClient interface {
	New(ctx context.Context, body sdk.MessageBatchNewParams, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	Get(ctx context.Context, messageBatchID string, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	ResultsStreaming(ctx context.Context, messageBatchID string, opts ...option.RequestOption) *jsonl.Stream[sdk.MessageBatchIndividualResponse]
}

// BatchFactory builds a batch client for one API key.
type BatchFactory func(apiKey string) BatchClient

// WithBatches attaches the Message Batches capability using real SDK clients.
func (c *Client) WithBatches() *Client {
	c.newBatches = func(apiKey string) BatchClient {
		cl := sdk.NewClient(option.WithAPIKey(apiKey))
		return &cl.Messages.Batches
	}
	return c
}

// WithBatchFactory attaches a custom batch factory. Used in tests.
func (c *Client) WithBatchFactory(f BatchFactory) *Client {
	c.newBatches = f
	return c
}

// SubmitBatch creates one message batch from the canonical items.
func (c *Client) SubmitBatch(ctx context.Context, apiKey string, items []providers.BatchItem) (*providers.BatchJob, error) {
	if c.newBatches == nil {
		return nil, fmt.Errorf("anthropic: batches not configured")
	}
	requests := make([]sdk.MessageBatchNewParamsRequest, 0, len(items))
	for _, item := range items {
		params, err := encodeRequest(item.Request)
		if err != nil {
			return nil, fmt.Errorf("anthropic batch item %s: %w", item.CustomID, err)
		}
		requests = append(requests, sdk.MessageBatchNewParamsRequest{
			CustomID: item.CustomID,
			Params:   batchParams(*params),
		})
	}
	batch, err := c.newBatches(apiKey).New(ctx, sdk.MessageBatchNewParams{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("anthropic create batch: %w", err)
	}
	return &providers.BatchJob{ID: batch.ID, Status: batchStatus(batch)}, nil
}

// PollBatch retrieves batch state; once processing has ended it streams the
// per-request results.
func (c *Client) PollBatch(ctx context.Context, apiKey, batchID string) (*providers.BatchJob, []providers.BatchRow, error) {
	if c.newBatches == nil {
		return nil, nil, fmt.Errorf("anthropic: batches not configured")
	}
	batches := c.newBatches(apiKey)
	batch, err := batches.Get(ctx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic retrieve batch %s: %w", batchID, err)
	}
	job := &providers.BatchJob{ID: batch.ID, Status: batchStatus(batch)}
	if job.Status != providers.BatchCompleted {
		return job, nil, nil
	}

	stream := batches.ResultsStreaming(ctx, batchID)
	defer stream.Close()
	var rows []providers.BatchRow
	for stream.Next() {
		entry := stream.Current()
		row := providers.BatchRow{CustomID: entry.CustomID}
		switch res := entry.Result.AsAny().(type) {
		case sdk.MessageBatchSucceededResult:
			row.Result = translateResponse(&res.Message)
		case sdk.MessageBatchErroredResult:
			row.Error = res.Error
			row.StatusCode = 400
		case sdk.MessageBatchCanceledResult:
			row.Error = "canceled"
			row.StatusCode = 400
		case sdk.MessageBatchExpiredResult:
			row.Error = "expired"
			row.StatusCode = 400
		}
		rows = append(rows, row)
	}
	if err := stream.Err(); err != nil {
		return nil, nil, fmt.Errorf("anthropic batch %s results: %w", batchID, err)
	}
	return job, rows, nil
}

func batchStatus(batch *sdk.MessageBatch) providers.BatchStatus {
	switch batch.ProcessingStatus {
	case "in_progress":
		return providers.BatchInProgress
	case "canceling":
		return providers.BatchCancelled
	case "ended":
		return providers.BatchCompleted
	default:
		return providers.BatchStatus(batch.ProcessingStatus)
	}
}

// batchParams mirrors the Messages API parameters into the batch request
// params type, which carries the same fields.
func batchParams(p sdk.MessageNewParams) sdk.MessageBatchNewParamsRequestParams {
	return sdk.MessageBatchNewParamsRequestParams{
		MaxTokens:     p.MaxTokens,
		Messages:      p.Messages,
		Model:         p.Model,
		Container:     p.Container,
		InferenceGeo:  p.InferenceGeo,
		Temperature:   p.Temperature,
		TopK:          p.TopK,
		TopP:          p.TopP,
		CacheControl:  p.CacheControl,
		Metadata:      p.Metadata,
		OutputConfig:  p.OutputConfig,
		ServiceTier:   string(p.ServiceTier),
		StopSequences: p.StopSequences,
		System:        p.System,
		Thinking:      p.Thinking,
		ToolChoice:    p.ToolChoice,
		Tools:         p.Tools,
	}
}
