package oaichat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gtwy-ai/gateway/providers"
)

// Embed requests one embedding vector.
func (c *Client) Embed(ctx context.Context, req *providers.EmbedRequest) (*providers.EmbedResult, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%s: api key is required", c.service)
	}
	resp, err := c.newSDK(req.APIKey).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: req.Input,
		Model: openai.EmbeddingModel(req.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("%s embeddings: %w", c.service, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s embeddings: empty response", c.service)
	}
	return &providers.EmbedResult{
		Embedding: resp.Data[0].Embedding,
		Usage: providers.Usage{
			InputTokens: resp.Usage.PromptTokens,
			TotalTokens: resp.Usage.TotalTokens,
		},
	}, nil
}

// GenerateImage requests image generation.
func (c *Client) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResult, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%s: api key is required", c.service)
	}
	request := openai.ImageRequest{
		Prompt: req.Prompt,
		Model:  req.Model,
	}
	if size, ok := req.Params["size"].(string); ok {
		request.Size = size
	}
	if quality, ok := req.Params["quality"].(string); ok {
		request.Quality = quality
	}
	if n, ok := req.Params["n"]; ok {
		request.N = int(toFloat(n))
	}
	resp, err := c.newSDK(req.APIKey).CreateImage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%s image generation: %w", c.service, err)
	}
	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return &providers.ImageResult{URLs: urls}, nil
}

// SubmitBatch uploads the requests as a JSONL batch file and creates a batch
// with the 24h completion window.
func (c *Client) SubmitBatch(ctx context.Context, apiKey string, items []providers.BatchItem) (*providers.BatchJob, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", c.service)
	}
	upload := openai.UploadBatchFileRequest{FileName: "batch.jsonl"}
	for _, item := range items {
		body, err := encodeRequest(item.Request)
		if err != nil {
			return nil, fmt.Errorf("%s batch item %s: %w", c.service, item.CustomID, err)
		}
		upload.AddChatCompletion(item.CustomID, *body)
	}
	resp, err := c.newSDK(apiKey).CreateBatchWithUploadFile(ctx, openai.CreateBatchWithUploadFileRequest{
		Endpoint:               openai.BatchEndpointChatCompletions,
		CompletionWindow:       "24h",
		UploadBatchFileRequest: upload,
	})
	if err != nil {
		return nil, fmt.Errorf("%s create batch: %w", c.service, err)
	}
	return &providers.BatchJob{ID: resp.ID, Status: providers.BatchStatus(resp.Status)}, nil
}

// PollBatch retrieves batch status. For terminal completed batches it
// downloads and parses the output and error files into result rows.
func (c *Client) PollBatch(ctx context.Context, apiKey, batchID string) (*providers.BatchJob, []providers.BatchRow, error) {
	sdk := c.newSDK(apiKey)
	resp, err := sdk.RetrieveBatch(ctx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s retrieve batch %s: %w", c.service, batchID, err)
	}
	job := &providers.BatchJob{ID: resp.ID, Status: providers.BatchStatus(resp.Status)}
	if job.Status != providers.BatchCompleted {
		return job, nil, nil
	}
	var rows []providers.BatchRow
	for _, fileID := range []*string{resp.OutputFileID, resp.ErrorFileID} {
		if fileID == nil || *fileID == "" {
			continue
		}
		fileRows, err := c.readBatchFile(ctx, sdk, *fileID)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, fileRows...)
	}
	return job, rows, nil
}

// batchLine is one JSONL record of a batch output or error file.
type batchLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error any `json:"error"`
}

func (c *Client) readBatchFile(ctx context.Context, sdk SDK, fileID string) ([]providers.BatchRow, error) {
	content, err := sdk.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s batch file %s: %w", c.service, fileID, err)
	}
	defer content.Close()

	var rows []providers.BatchRow
	scanner := bufio.NewScanner(content)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec batchLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%s batch file %s: decode line: %w", c.service, fileID, err)
		}
		row := providers.BatchRow{CustomID: rec.CustomID, StatusCode: rec.Response.StatusCode}
		if rec.Error != nil || rec.Response.StatusCode >= 400 {
			row.Error = rec.Error
			if row.Error == nil {
				row.Error = json.RawMessage(rec.Response.Body)
			}
			rows = append(rows, row)
			continue
		}
		var body openai.ChatCompletionResponse
		if err := json.Unmarshal(rec.Response.Body, &body); err != nil {
			return nil, fmt.Errorf("%s batch file %s: decode body: %w", c.service, fileID, err)
		}
		row.Result = translateResponse(body)
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s batch file %s: %w", c.service, fileID, err)
	}
	return rows, nil
}
