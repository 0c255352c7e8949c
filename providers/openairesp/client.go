// Package openairesp implements the chat adapter for the openai service,
// which runs on the OpenAI Responses API: create → function_call_output items
// chained through previous_response_id. The public SDKs lag the Responses
// surface the gateway depends on, so the adapter speaks typed JSON over
// net/http directly.
package openairesp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

type (
	// Doer is the HTTP client surface. Satisfied by *http.Client.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Client implements providers.Adapter for the Responses API.
	Client struct {
		http    Doer
		baseURL string
	}

	// createReq is the POST /v1/responses body.
	createReq struct {
		Model              string   `json:"model"`
		Input              any      `json:"input,omitempty"`
		Instructions       string   `json:"instructions,omitempty"`
		Tools              []any    `json:"tools,omitempty"`
		ToolChoice         any      `json:"tool_choice,omitempty"`
		MaxOutputTokens    int64    `json:"max_output_tokens,omitempty"`
		Temperature        *float64 `json:"temperature,omitempty"`
		TopP               *float64 `json:"top_p,omitempty"`
		ParallelToolCalls  *bool    `json:"parallel_tool_calls,omitempty"`
		Text               any      `json:"text,omitempty"`
		PreviousResponseID string   `json:"previous_response_id,omitempty"`
		Store              bool     `json:"store"`
	}

	// inputMessage is one conversation entry of the input array.
	inputMessage struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}

	// funcCallOutputItem feeds a tool result back on continuation.
	funcCallOutputItem struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	}

	// response is the Responses API envelope, reduced to the fields the
	// gateway reads.
	response struct {
		ID                string `json:"id"`
		Model             string `json:"model"`
		Status            string `json:"status"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
		Output []outputItem `json:"output"`
		Usage  struct {
			InputTokens        int `json:"input_tokens"`
			OutputTokens       int `json:"output_tokens"`
			TotalTokens        int `json:"total_tokens"`
			InputTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"input_tokens_details"`
			OutputTokensDetails struct {
				ReasoningTokens int `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
		} `json:"usage"`
	}

	outputItem struct {
		Type      string        `json:"type"`
		ID        string        `json:"id"`
		CallID    string        `json:"call_id"`
		Name      string        `json:"name"`
		Arguments string        `json:"arguments"`
		Role      string        `json:"role"`
		Content   []contentItem `json:"content"`
	}

	contentItem struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Annotations any    `json:"annotations"`
	}
)

// New builds a Responses adapter. baseURL is empty for api.openai.com.
func New(httpClient Doer, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// Service reports the routed service name.
func (c *Client) Service() catalog.Service { return catalog.ServiceOpenAI }

// Chat creates a response, or continues a stored one when the request
// carries a previous response id plus tool results. The create is retried
// once when the API rejects it with a duplicate-id conflict, which happens
// when a continuation races a server-side retry; the offending items are
// dropped from the input before the retry.
func (c *Client) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if req.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if req.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	body, err := encodeCreate(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	var resp *response
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = c.post(ctx, req.APIKey, body)
		if err == nil || !isDuplicateID(err) {
			break
		}
		body.Input = pruneDuplicates(body.Input, err)
	}
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}
	return translate(resp), nil
}

func encodeCreate(req *providers.ChatRequest) (*createReq, error) {
	body := &createReq{Model: req.Model, Store: true}

	if req.PreviousResponseID != "" {
		outputs := toolOutputs(req.Messages)
		if len(outputs) == 0 {
			return nil, errors.New("continuation requires tool results")
		}
		body.PreviousResponseID = req.PreviousResponseID
		body.Input = outputs
	} else {
		input, err := encodeInput(req)
		if err != nil {
			return nil, err
		}
		body.Input = input
		if req.System != "" && !req.ReasoningModel {
			body.Instructions = req.System
		}
	}

	for _, def := range req.Tools {
		body.Tools = append(body.Tools, map[string]any{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": def.Parameters,
				"required":   def.Required,
			},
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case "", "auto", "default":
		case "none", "required":
			body.ToolChoice = tc.Mode
		case "tool":
			body.ToolChoice = map[string]any{"type": "function", "name": tc.Name}
		default:
			return nil, fmt.Errorf("unsupported tool choice mode %q", tc.Mode)
		}
	}
	applyParams(body, req.Params, len(req.Tools) > 0, req.ReasoningModel)
	if req.ResponseSchema != nil {
		body.Text = map[string]any{"format": map[string]any{
			"type":   "json_schema",
			"name":   "response",
			"schema": req.ResponseSchema,
			"strict": true,
		}}
	}
	return body, nil
}

func encodeInput(req *providers.ChatRequest) ([]any, error) {
	var input []any
	system := ""
	if req.ReasoningModel {
		system = req.System
	}
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch p.Type {
			case providers.PartText:
				if p.Text != "" {
					input = append(input, inputMessage{Role: string(m.Role), Content: p.Text})
				}
			case providers.PartToolUse:
				args, err := json.Marshal(p.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal tool call %s arguments: %w", p.Name, err)
				}
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   p.ToolCallID,
					"name":      p.Name,
					"arguments": string(args),
				})
			case providers.PartToolResult:
				input = append(input, funcCallOutputItem{
					Type:   "function_call_output",
					CallID: p.ToolCallID,
					Output: p.Result,
				})
			}
		}
	}
	if req.User != "" || len(req.Images) > 0 {
		text := req.User
		if system != "" {
			text = system + "\n\n" + text
		}
		if len(req.Images) == 0 {
			input = append(input, inputMessage{Role: "user", Content: text})
		} else {
			parts := []any{map[string]any{"type": "input_text", "text": text}}
			for _, url := range req.Images {
				parts = append(parts, map[string]any{"type": "input_image", "image_url": url})
			}
			input = append(input, inputMessage{Role: "user", Content: parts})
		}
	}
	if len(input) == 0 {
		return nil, errors.New("at least one input message is required")
	}
	return input, nil
}

func toolOutputs(msgs []providers.Message) []funcCallOutputItem {
	var out []funcCallOutputItem
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == providers.PartToolResult {
				out = append(out, funcCallOutputItem{
					Type:   "function_call_output",
					CallID: p.ToolCallID,
					Output: p.Result,
				})
			}
		}
	}
	return out
}

func applyParams(body *createReq, params map[string]any, hasTools, reasoning bool) {
	for key, val := range params {
		switch key {
		case "temperature":
			if !reasoning {
				f := toFloat(val)
				body.Temperature = &f
			}
		case "top_p":
			f := toFloat(val)
			body.TopP = &f
		case "max_output_tokens", "max_tokens":
			body.MaxOutputTokens = int64(toFloat(val))
		case "parallel_tool_calls":
			if b, ok := val.(bool); ok && hasTools {
				body.ParallelToolCalls = &b
			}
		case "text":
			if body.Text == nil {
				body.Text = encodeTextFormat(val)
			}
		}
	}
}

// encodeTextFormat maps the canonical response_type value onto the Responses
// "text" knob.
func encodeTextFormat(val any) any {
	switch t := val.(type) {
	case string:
		if t == "" || t == "text" || t == "default" {
			return nil
		}
		return map[string]any{"format": map[string]any{"type": t}}
	case map[string]any:
		typ, _ := t["type"].(string)
		switch typ {
		case "", "text", "default":
			return nil
		case "json_object":
			return map[string]any{"format": map[string]any{"type": "json_object"}}
		case "json_schema":
			return map[string]any{"format": map[string]any{
				"type":   "json_schema",
				"name":   "response",
				"schema": t["json_schema"],
				"strict": true,
			}}
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, apiKey string, body *createReq) (*response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &apiError{status: resp.StatusCode, body: string(b)}
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func isDuplicateID(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.status == http.StatusConflict || strings.Contains(ae.body, "duplicate")
}

// itemIDPattern matches the item ids a duplicate-id rejection names.
var itemIDPattern = regexp.MustCompile(`(?:fc|msg|rs|call)_[A-Za-z0-9_-]+`)

// pruneDuplicates drops the items the duplicate-id rejection complained
// about so the retry does not trip over them again.
func pruneDuplicates(input any, err error) any {
	var ae *apiError
	if !errors.As(err, &ae) {
		return input
	}
	drop := make(map[string]bool)
	for _, id := range itemIDPattern.FindAllString(ae.body, -1) {
		drop[id] = true
	}
	if len(drop) == 0 {
		return input
	}
	switch items := input.(type) {
	case []any:
		kept := make([]any, 0, len(items))
		for _, item := range items {
			if !drop[itemID(item)] {
				kept = append(kept, item)
			}
		}
		return kept
	case []funcCallOutputItem:
		kept := make([]funcCallOutputItem, 0, len(items))
		for _, item := range items {
			if !drop[item.CallID] {
				kept = append(kept, item)
			}
		}
		return kept
	}
	return input
}

func itemID(item any) string {
	switch it := item.(type) {
	case funcCallOutputItem:
		return it.CallID
	case map[string]any:
		if id, _ := it["id"].(string); id != "" {
			return id
		}
		if id, _ := it["call_id"].(string); id != "" {
			return id
		}
	}
	return ""
}

func translate(resp *response) *providers.ChatResult {
	result := &providers.ChatResult{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			TotalTokens:     resp.Usage.TotalTokens,
			CachedTokens:    resp.Usage.InputTokensDetails.CachedTokens,
			ReasoningTokens: resp.Usage.OutputTokensDetails.ReasoningTokens,
		},
	}
	switch resp.Status {
	case "completed", "in_progress":
		result.FinishReason = providers.MapFinishReason(resp.Status)
	default:
		reason := ""
		if resp.IncompleteDetails != nil {
			reason = resp.IncompleteDetails.Reason
		}
		result.FinishReason = providers.MapFinishReason(reason)
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message", "output_text", "reasoning":
			for _, content := range item.Content {
				if content.Text != "" {
					result.Content += content.Text
					if result.Annotations == nil {
						result.Annotations = content.Annotations
					}
				}
			}
		case "function_call":
			var args map[string]any
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
					args = map[string]any{"raw": item.Arguments}
				}
			}
			result.ToolCalls = append(result.ToolCalls, providers.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: args,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = providers.FinishToolCall
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
