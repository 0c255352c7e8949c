// Package gemini implements the chat adapter for the gemini service using
// google.golang.org/genai. Conversation turns map onto genai Contents
// (user/model roles, FunctionCall and FunctionResponse parts) and tool
// schemas convert recursively into genai.Schema declarations.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

type (
	// Models captures the generation surface of the genai client. Satisfied
	// by *genai.Models.
	Models interface {
		GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	}

	// Factory builds a Models client for one API key.
	Factory func(ctx context.Context, apiKey string) (Models, error)

	// Client implements providers.Adapter for Gemini.
	Client struct {
		newModels Factory
	}
)

// New builds the Gemini adapter with real genai clients.
func New() *Client {
	return &Client{
		newModels: func(ctx context.Context, apiKey string) (Models, error) {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  apiKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, err
			}
			return client.Models, nil
		},
	}
}

// NewWithFactory builds the adapter with a custom client factory. Used in
// tests.
func NewWithFactory(f Factory) *Client {
	return &Client{newModels: f}
}

// Service reports the routed service name.
func (c *Client) Service() catalog.Service { return catalog.ServiceGemini }

// Chat issues one GenerateContent call.
func (c *Client) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if req.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if req.Model == "" {
		return nil, errors.New("gemini: model is required")
	}
	contents, err := encodeContents(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	config := encodeConfig(req)
	models, err := c.newModels(ctx, req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	resp, err := models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return translateResponse(resp), nil
}

func encodeContents(req *providers.ChatRequest) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, m := range req.Messages {
		content := &genai.Content{Role: roleOf(m.Role)}
		for _, p := range m.Parts {
			switch p.Type {
			case providers.PartText:
				if p.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: p.Text})
				}
			case providers.PartToolUse:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: p.Name, Args: p.Arguments},
				})
			case providers.PartToolResult:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     p.Name,
						Response: toolResponse(p.Result, p.IsError),
					},
				})
			case providers.PartImage, providers.PartFile:
				content.Parts = append(content.Parts, &genai.Part{
					FileData: &genai.FileData{FileURI: p.URL, MIMEType: guessMIME(p.URL)},
				})
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	if req.User != "" || len(req.Images) > 0 {
		content := &genai.Content{Role: genai.RoleUser}
		if req.User != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: req.User})
		}
		for _, url := range req.Images {
			content.Parts = append(content.Parts, &genai.Part{
				FileData: &genai.FileData{FileURI: url, MIMEType: guessMIME(url)},
			})
		}
		out = append(out, content)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one content entry is required")
	}
	return out, nil
}

func roleOf(r providers.Role) string {
	switch r {
	case providers.RoleAssistant:
		return genai.RoleModel
	default:
		return genai.RoleUser
	}
}

// toolResponse wraps a tool result string for the FunctionResponse part.
// JSON results pass through as objects; anything else nests under "result".
func toolResponse(result string, isErr bool) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(result), &obj); err == nil {
		return obj
	}
	return map[string]any{"result": result, "error": isErr}
}

func encodeConfig(req *providers.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters: toSchema(map[string]any{
					"type":       "object",
					"properties": def.Parameters,
					"required":   toAny(def.Required),
				}),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	for key, val := range req.Params {
		switch key {
		case "temperature":
			config.Temperature = genai.Ptr(float32(toFloat(val)))
		case "top_p":
			config.TopP = genai.Ptr(float32(toFloat(val)))
		case "top_k":
			config.TopK = genai.Ptr(float32(toFloat(val)))
		case "candidate_count":
			config.CandidateCount = int32(toFloat(val))
		case "max_output_tokens", "max_tokens":
			config.MaxOutputTokens = int32(toFloat(val))
		case "stop_sequences":
			config.StopSequences = toStrings(val)
		case "responseMimeType":
			if s, ok := val.(string); ok && s != "" && s != "text" && s != "default" {
				config.ResponseMIMEType = s
			}
		}
	}
	if req.ResponseSchema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = toSchema(req.ResponseSchema)
	}
	if tc := req.ToolChoice; tc != nil && len(req.Tools) > 0 {
		config.ToolConfig = encodeToolChoice(tc)
	}
	return config
}

func encodeToolChoice(tc *providers.ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{}
	switch tc.Mode {
	case "", "auto", "default":
		fc.Mode = genai.FunctionCallingConfigModeAuto
	case "none":
		fc.Mode = genai.FunctionCallingConfigModeNone
	case "required":
		fc.Mode = genai.FunctionCallingConfigModeAny
	case "tool":
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{tc.Name}
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

// toSchema converts a JSON-schema map into genai's typed Schema.
func toSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toSchema(items)
	}
	return schema
}

func translateResponse(resp *genai.GenerateContentResponse) *providers.ChatResult {
	result := &providers.ChatResult{
		ID:           resp.ResponseID,
		Model:        resp.ModelVersion,
		FinishReason: providers.FinishOther,
	}
	if u := resp.UsageMetadata; u != nil {
		result.Usage = providers.Usage{
			InputTokens:     int(u.PromptTokenCount),
			OutputTokens:    int(u.CandidatesTokenCount),
			TotalTokens:     int(u.TotalTokenCount),
			CachedTokens:    int(u.CachedContentTokenCount),
			ReasoningTokens: int(u.ThoughtsTokenCount),
		}
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		result.FinishReason = providers.MapFinishReason(strings.ToLower(string(cand.FinishReason)))
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					result.Content += part.Text
				}
				if part.FunctionCall != nil {
					result.ToolCalls = append(result.ToolCalls, providers.ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: part.FunctionCall.Args,
					})
				}
			}
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = providers.FinishToolCall
	}
	return result
}

func guessMIME(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
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
