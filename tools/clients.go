package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type (
	// VectorClient answers knowledge-base lookups against the hosted vector
	// service. Implements RAGClient.
	VectorClient struct {
		client Doer
		url    string
		key    string
	}

	// FirecrawlClient runs the web_crawl built-in through the Firecrawl
	// scrape API. Implements WebSearcher.
	FirecrawlClient struct {
		client Doer
		url    string
		key    string
	}
)

// ragTopK bounds the number of chunks returned to the model.
const ragTopK = 3

// firecrawlURL is the scrape endpoint.
const firecrawlURL = "https://api.firecrawl.dev/v2/scrape"

// NewVectorClient builds a VectorClient. url is the search endpoint, key the
// service credential sent as x-api-key.
func NewVectorClient(client Doer, url, key string) *VectorClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &VectorClient{client: client, url: url, key: key}
}

// Query runs one semantic search. args carries the model-provided query and
// resource_id; resources sharing a collection resolve through the mapping.
func (c *VectorClient) Query(ctx context.Context, orgID string, args map[string]any, resourceToCollection map[string]string) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, errors.New("query is required")
	}
	resource, _ := args["resource_id"].(string)
	if resource == "" {
		return nil, errors.New("resource_id is required")
	}

	payload := map[string]any{
		"query":      query,
		"resourceId": resource,
		"ownerId":    orgID,
	}
	if coll := resourceToCollection[resource]; coll != "" {
		payload["collectionId"] = coll
	}

	var reply struct {
		Result []any `json:"result"`
	}
	if err := c.post(ctx, payload, &reply); err != nil {
		return nil, err
	}

	topK := ragTopK
	if k, ok := args["top_k"].(float64); ok && int(k) > 0 {
		topK = int(k)
	}
	if len(reply.Result) > topK {
		reply.Result = reply.Result[:topK]
	}
	return reply.Result, nil
}

func (c *VectorClient) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.key)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector service returned %d: %s", resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

// NewFirecrawlClient builds a FirecrawlClient. An empty key disables the
// tool; Scrape then returns a configuration error the model can relay.
func NewFirecrawlClient(client Doer, key string) *FirecrawlClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &FirecrawlClient{client: client, url: firecrawlURL, key: key}
}

// Scrape fetches one page. args carries the model-provided url and optional
// formats list.
func (c *FirecrawlClient) Scrape(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, errors.New("url is required for web_crawling tool")
	}
	if c.key == "" {
		return nil, errors.New("web_crawling tool is not configured")
	}

	payload := map[string]any{"url": url}
	switch f := args["formats"].(type) {
	case []any:
		payload["formats"] = f
	case string:
		payload["formats"] = []string{f}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("firecrawl returned %d: %s", resp.StatusCode, raw)
	}

	var reply map[string]any
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	if data, ok := reply["data"]; ok {
		return data, nil
	}
	return reply, nil
}
