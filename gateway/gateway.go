// Package gateway is the service façade: it validates incoming requests,
// enforces the per-bridge and per-thread rate limits, deflects asynchronous
// response formats onto the primary queue and runs everything else
// synchronously through the engine.
package gateway

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/batch"
	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/engine"
	"github.com/gtwy-ai/gateway/history"
	"github.com/gtwy-ai/gateway/providers"
	"github.com/gtwy-ai/gateway/queue"
)

type (
	// Resolver expands a bridge into executable configurations.
	Resolver interface {
		Resolve(ctx context.Context, req *bridge.Request) (*bridge.Resolution, error)
	}

	// Runner executes one resolved turn. Implemented by *engine.Engine.
	Runner interface {
		Execute(ctx context.Context, req *engine.Request) (*engine.Response, error)
	}

	// Recorder persists completed turns.
	Recorder interface {
		Record(ctx context.Context, t *history.Turn) error
	}

	// RateLimiter counts requests against fixed windows.
	RateLimiter interface {
		RateLimit(ctx context.Context, id string, points int64) error
	}

	// Enqueuer publishes queue messages.
	Enqueuer interface {
		Publish(ctx context.Context, queue string, payload any) error
	}

	// AdapterRegistry resolves the adapter for a service.
	AdapterRegistry interface {
		Adapter(service catalog.Service) (providers.Adapter, error)
	}

	// Batcher submits provider batches.
	Batcher interface {
		Submit(ctx context.Context, sub *batch.Submission) (*providers.BatchJob, error)
	}

	// Service is the gateway façade.
	Service struct {
		resolver Resolver
		runner   Runner
		recorder Recorder
		limiter  RateLimiter
		enqueue  Enqueuer
		adapters AdapterRegistry
		batches  Batcher

		primaryQueue   string
		secondaryQueue string
	}

	// Options configures New.
	Options struct {
		Resolver Resolver
		Runner   Runner
		Recorder Recorder
		Limiter  RateLimiter
		Enqueue  Enqueuer
		Adapters AdapterRegistry
		Batches  Batcher

		PrimaryQueue   string
		SecondaryQueue string
	}

	// ChatRequest is one inbound chat call.
	ChatRequest struct {
		OrgID     string `json:"org_id"`
		BridgeID  string `json:"bridge_id"`
		VersionID string `json:"version_id"`
		Service   string `json:"service"`

		User     string   `json:"user"`
		Images   []string `json:"images"`
		Files    []string `json:"files"`
		UserURLs []any    `json:"user_urls"`

		ThreadID    string `json:"thread_id"`
		SubThreadID string `json:"sub_thread_id"`

		Configuration map[string]any            `json:"configuration"`
		Variables     map[string]any            `json:"variables"`
		VariablesPath map[string]map[string]any `json:"variables_path"`

		APIKey           string             `json:"apikey"`
		Orchestrator     bool               `json:"orchestrator_flag"`
		ExtraTools       []bridge.ExtraTool `json:"extra_tools"`
		BuiltInTools     []string           `json:"built_in_tools"`
		WebSearchFilters map[string]any     `json:"web_search_filters"`
		Guardrails       map[string]any     `json:"guardrails"`
		Fallback         *bridge.Fallback   `json:"fall_back"`
		ToolCallCount    int                `json:"tool_call_count"`

		ResponseFormat queue.ResponseFormat `json:"response_format"`
	}

	// ChatResponse is the synchronous reply shape.
	ChatResponse struct {
		Success  bool           `json:"success"`
		Message  string         `json:"message,omitempty"`
		Response map[string]any `json:"response,omitempty"`
	}

	// EmbedRequest asks for embeddings through a bridge's credentials.
	EmbedRequest struct {
		OrgID     string `json:"org_id"`
		BridgeID  string `json:"bridge_id"`
		VersionID string `json:"version_id"`
		Input     string `json:"input"`
	}

	// ImageRequest asks for image generation through a bridge's credentials.
	ImageRequest struct {
		OrgID     string `json:"org_id"`
		BridgeID  string `json:"bridge_id"`
		VersionID string `json:"version_id"`
		Prompt    string `json:"prompt"`
	}

	// BatchRequest asks for one batch submission through a bridge.
	BatchRequest struct {
		OrgID     string `json:"org_id"`
		BridgeID  string `json:"bridge_id"`
		VersionID string `json:"version_id"`

		Users     []string         `json:"users"`
		Variables []map[string]any `json:"batch_variables"`

		WebhookURL     string            `json:"webhook_url"`
		WebhookHeaders map[string]string `json:"webhook_headers"`
	}
)

// Rate limits per fixed one-minute window.
const (
	bridgeRatePoints = 100
	threadRatePoints = 20
)

// deflectionAck is the synchronous reply for queued requests.
const deflectionAck = "Your response will be sent through configured means."

// New builds the façade.
func New(opts Options) *Service {
	return &Service{
		resolver:       opts.Resolver,
		runner:         opts.Runner,
		recorder:       opts.Recorder,
		limiter:        opts.Limiter,
		enqueue:        opts.Enqueue,
		adapters:       opts.Adapters,
		batches:        opts.Batches,
		primaryQueue:   opts.PrimaryQueue,
		secondaryQueue: opts.SecondaryQueue,
	}
}

// Chat answers one chat request. RTLayer and webhook response formats queue
// the work and ack immediately; everything else runs synchronously.
func (s *Service) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}
	if req.SubThreadID == "" {
		req.SubThreadID = req.ThreadID
	}
	if err := s.rateLimit(ctx, req); err != nil {
		return nil, err
	}

	switch req.ResponseFormat.Type {
	case queue.FormatRTLayer, queue.FormatWebhook:
		if err := s.enqueue.Publish(ctx, s.primaryQueue, queue.PrimaryMessage{
			OrgID:            req.OrgID,
			BridgeID:         req.BridgeID,
			VersionID:        req.VersionID,
			ThreadID:         req.ThreadID,
			SubThreadID:      req.SubThreadID,
			User:             req.User,
			UserURLs:         req.UserURLs,
			Service:          req.Service,
			Configuration:    req.Configuration,
			Variables:        req.Variables,
			VariablesPath:    req.VariablesPath,
			APIKey:           req.APIKey,
			Orchestrator:     req.Orchestrator,
			ExtraTools:       req.ExtraTools,
			BuiltInTools:     req.BuiltInTools,
			WebSearchFilters: req.WebSearchFilters,
			Guardrails:       req.Guardrails,
			Fallback:         req.Fallback,
			ToolCallCount:    req.ToolCallCount,
			ResponseFormat:   req.ResponseFormat,
		}); err != nil {
			return nil, fmt.Errorf("queue request: %w", err)
		}
		return &ChatResponse{Success: true, Message: deflectionAck}, nil
	}

	return s.chatSync(ctx, req)
}

func (s *Service) chatSync(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	res, cfg, err := s.resolve(ctx, req.OrgID, req.BridgeID, req.VersionID, req)
	if err != nil {
		return nil, err
	}

	resp, runErr := s.runner.Execute(ctx, &engine.Request{
		Config:       cfg,
		Resolution:   res,
		User:         req.User,
		Images:       req.Images,
		Files:        req.Files,
		OrgID:        req.OrgID,
		ThreadID:     req.ThreadID,
		SubThreadID:  req.SubThreadID,
		Orchestrator: cfg.Orchestrator,
	})

	s.record(ctx, req, cfg, resp, runErr)
	if runErr != nil {
		return nil, runErr
	}
	s.postProcess(ctx, req, cfg, resp)

	return &ChatResponse{
		Success: true,
		Response: map[string]any{
			"data":  resp.Data,
			"usage": resp.Usage,
		},
	}, nil
}

// record persists the turn. Failures are logged; the caller already has the
// answer.
func (s *Service) record(ctx context.Context, req *ChatRequest, cfg *bridge.Config, resp *engine.Response, runErr error) {
	if s.recorder == nil {
		return
	}
	turn := &history.Turn{
		OrgID:        req.OrgID,
		BridgeID:     cfg.BridgeID,
		VersionID:    cfg.VersionID,
		ThreadID:     req.ThreadID,
		SubThreadID:  req.SubThreadID,
		User:         req.User,
		UserURLs:     req.UserURLs,
		Service:      cfg.Service,
		APIKeyID:     cfg.APIKeyObjectIDs[string(cfg.Service)],
		Variables:    cfg.Variables,
		Orchestrator: cfg.Orchestrator,
		Response:     resp,
		Err:          runErr,
	}
	if model, ok := cfg.Configuration["model"].(string); ok {
		turn.Model = model
	}
	if err := s.recorder.Record(ctx, turn); err != nil {
		log.Errorf(ctx, err, "record turn for %s", cfg.BridgeID)
	}
}

// postProcess hands the bookkeeping work to the secondary queue.
func (s *Service) postProcess(ctx context.Context, req *ChatRequest, cfg *bridge.Config, resp *engine.Response) {
	if s.enqueue == nil || s.secondaryQueue == "" {
		return
	}
	msg := queue.SecondaryMessage{
		OrgID:            req.OrgID,
		BridgeID:         cfg.BridgeID,
		VersionID:        cfg.VersionID,
		ThreadID:         req.ThreadID,
		SubThreadID:      req.SubThreadID,
		MessageID:        resp.Data.MessageID,
		User:             req.User,
		Content:          resp.Data.Content,
		TotalTokens:      resp.Usage.TotalTokens,
		AlertFlag:        resp.Data.AlertFlag,
		GPTMemory:        cfg.GPTMemory,
		GPTMemoryContext: cfg.GPTMemoryContext,
	}
	if err := s.enqueue.Publish(ctx, s.secondaryQueue, msg); err != nil {
		log.Errorf(ctx, err, "queue post-processing for %s", cfg.BridgeID)
	}
}

// Embedding embeds input through the bridge's embedding model.
func (s *Service) Embedding(ctx context.Context, req *EmbedRequest) (*providers.EmbedResult, error) {
	if req.Input == "" {
		return nil, fmt.Errorf("input is required")
	}
	_, cfg, err := s.resolve(ctx, req.OrgID, req.BridgeID, req.VersionID, nil)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.Adapter(cfg.Service)
	if err != nil {
		return nil, err
	}
	embedder, ok := adapter.(providers.Embedder)
	if !ok {
		return nil, fmt.Errorf("service %q does not support embeddings", cfg.Service)
	}
	model, _ := cfg.Configuration["model"].(string)
	return embedder.Embed(ctx, &providers.EmbedRequest{
		Model:  model,
		APIKey: cfg.APIKey,
		Input:  req.Input,
	})
}

// Image generates images through the bridge's image model.
func (s *Service) Image(ctx context.Context, req *ImageRequest) (*providers.ImageResult, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	_, cfg, err := s.resolve(ctx, req.OrgID, req.BridgeID, req.VersionID, nil)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.Adapter(cfg.Service)
	if err != nil {
		return nil, err
	}
	gen, ok := adapter.(providers.ImageGenerator)
	if !ok {
		return nil, fmt.Errorf("service %q does not support image generation", cfg.Service)
	}
	model, _ := cfg.Configuration["model"].(string)
	return gen.GenerateImage(ctx, &providers.ImageRequest{
		Model:  model,
		APIKey: cfg.APIKey,
		Prompt: req.Prompt,
	})
}

// Batch submits one batch through the bridge's model and credentials.
func (s *Service) Batch(ctx context.Context, req *BatchRequest) (*providers.BatchJob, error) {
	if len(req.Users) == 0 {
		return nil, fmt.Errorf("batch needs at least one row")
	}
	_, cfg, err := s.resolve(ctx, req.OrgID, req.BridgeID, req.VersionID, nil)
	if err != nil {
		return nil, err
	}
	model, _ := cfg.Configuration["model"].(string)
	prompt, _ := cfg.Configuration["prompt"].(string)
	return s.batches.Submit(ctx, &batch.Submission{
		OrgID:          req.OrgID,
		BridgeID:       cfg.BridgeID,
		Service:        cfg.Service,
		Model:          model,
		APIKey:         cfg.APIKey,
		Prompt:         prompt,
		Users:          req.Users,
		Variables:      req.Variables,
		WebhookURL:     req.WebhookURL,
		WebhookHeaders: req.WebhookHeaders,
	})
}

// resolve expands the bridge and returns its primary configuration. chat may
// be nil for operations without caller overrides.
func (s *Service) resolve(ctx context.Context, orgID, bridgeID, versionID string, chat *ChatRequest) (*bridge.Resolution, *bridge.Config, error) {
	breq := &bridge.Request{
		BridgeID:  bridgeID,
		VersionID: versionID,
		OrgID:     orgID,
	}
	if chat != nil {
		breq.Service = chat.Service
		breq.Configuration = chat.Configuration
		breq.Variables = chat.Variables
		breq.VariablesPath = chat.VariablesPath
		breq.APIKey = chat.APIKey
		breq.ExtraTools = chat.ExtraTools
		breq.BuiltInTools = chat.BuiltInTools
		breq.WebSearchFilters = chat.WebSearchFilters
		breq.Guardrails = chat.Guardrails
		breq.Fallback = chat.Fallback
		breq.ToolCallCount = chat.ToolCallCount
		breq.Orchestrator = chat.Orchestrator
	}
	res, err := s.resolver.Resolve(ctx, breq)
	if err != nil {
		return nil, nil, err
	}
	cfg, ok := res.Configs[res.PrimaryBridgeID]
	if !ok {
		return nil, nil, fmt.Errorf("bridge %s did not resolve", bridgeID)
	}
	return res, cfg, nil
}

func (s *Service) rateLimit(ctx context.Context, req *ChatRequest) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.RateLimit(ctx, req.BridgeID, bridgeRatePoints); err != nil {
		return err
	}
	if req.ThreadID != "" {
		return s.limiter.RateLimit(ctx, req.BridgeID+"_"+req.ThreadID, threadRatePoints)
	}
	return nil
}

func validateChat(req *ChatRequest) error {
	if req.BridgeID == "" {
		return fmt.Errorf("bridge_id is required")
	}
	if req.User == "" && len(req.Images) == 0 && len(req.Files) == 0 {
		return fmt.Errorf("user message is required")
	}
	return nil
}
