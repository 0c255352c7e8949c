// Package engine runs one agent turn end to end: guardrails, pre-function,
// conversation hydration, prompt templating, provider dispatch, the bounded
// tool loop, fallback retry and cost accounting. Transfers hand control to
// the orchestrator in transfer.go.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/cache"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/params"
	"github.com/gtwy-ai/gateway/providers"
	"github.com/gtwy-ai/gateway/tools"
)

type (
	// AdapterRegistry resolves the adapter for a service.
	AdapterRegistry interface {
		Adapter(service catalog.Service) (providers.Adapter, error)
	}

	// ToolRunner executes one round of tool calls. Implemented by
	// *tools.Invoker.
	ToolRunner interface {
		Execute(ctx context.Context, calls []tools.Call, bindings map[string]bridge.Binding, env tools.Env) []tools.Result
	}

	// ConversationStore is the slice of the Redis facade the engine reads
	// conversations, memory summaries and transfer pins through.
	ConversationStore interface {
		Conversation(ctx context.Context, versionID, threadID, subThreadID string) ([]cache.Turn, error)
		SaveConversation(ctx context.Context, versionID, threadID, subThreadID string, window []cache.Turn) error
		Memory(ctx context.Context, bridgeID, threadID string) (string, bool, error)
		TransferredAgent(ctx context.Context, primaryBridgeID, threadID, subThreadID string) (string, bool, error)
		SetTransferredAgent(ctx context.Context, primaryBridgeID, threadID, subThreadID, agentID string) error
	}

	// HistoryStore reads persisted conversation rows when the cache window is
	// gone. Implemented by *store.Store.
	HistoryStore interface {
		RecentConversation(ctx context.Context, threadID, subThreadID string, pairs int) ([]cache.Turn, error)
	}

	// Coster records spend and freshness after a completed call.
	Coster interface {
		AddCost(ctx context.Context, bridgeID, folderID, apikeyID string, cost float64)
		TouchLastUsed(ctx context.Context, bridgeID, apikeyID string)
	}

	// Resolver re-resolves a bridge for connected-agent re-entry.
	Resolver interface {
		Resolve(ctx context.Context, req *bridge.Request) (*bridge.Resolution, error)
	}

	// Engine orchestrates agent turns.
	Engine struct {
		adapters AdapterRegistry
		snap     *catalog.Snapshot
		runner   ToolRunner
		conv     ConversationStore
		hist     HistoryStore
		costs    Coster
		resolver Resolver
		guard    *Guardrails
	}

	// Options configures New. Guard may be nil to disable guardrails.
	Options struct {
		Adapters AdapterRegistry
		Snapshot *catalog.Snapshot
		Runner   ToolRunner
		Conv     ConversationStore
		History  HistoryStore
		Costs    Coster
		Resolver Resolver
		Guard    *Guardrails
	}

	// Request is one turn against a resolved agent.
	Request struct {
		Config     *bridge.Config
		Resolution *bridge.Resolution

		User   string
		Images []string
		Files  []string

		OrgID        string
		ThreadID     string
		SubThreadID  string
		MessageID    string
		Orchestrator bool
	}

	// Transfer signals that the turn ended in a handoff to another agent.
	Transfer struct {
		AgentID  string
		Query    string
		ToolName string
	}

	// Latency is the per-turn timing breakdown in seconds.
	Latency struct {
		OverAllTime        float64            `json:"over_all_time"`
		ModelExecutionTime float64            `json:"model_execution_time"`
		ExecutionTimeLogs  map[string]float64 `json:"execution_time_logs"`
		FunctionTimeLogs   []FunctionTiming   `json:"function_time_logs"`
	}

	// FunctionTiming records one tool round.
	FunctionTiming struct {
		Step      string  `json:"step"`
		TimeTaken float64 `json:"time_taken"`
	}

	// ResponseData is the provider-agnostic payload returned to callers.
	ResponseData struct {
		ID                  string                 `json:"id"`
		Content             string                 `json:"content"`
		Model               string                 `json:"model"`
		Role                string                 `json:"role"`
		FinishReason        providers.FinishReason `json:"finish_reason"`
		ToolsData           []map[string]any       `json:"tools_data,omitempty"`
		Images              []string               `json:"images,omitempty"`
		Annotations         any                    `json:"annotations,omitempty"`
		Fallback            bool                   `json:"fallback"`
		FirstAttemptError   string                 `json:"firstAttemptError,omitempty"`
		MessageID           string                 `json:"message_id"`
		BlockedByGuardrails bool                   `json:"blocked_by_guardrails,omitempty"`
		AlertFlag           bool                   `json:"alert_flag,omitempty"`
	}

	// UsageData is the normalized accounting block.
	UsageData struct {
		InputTokens     int     `json:"input_tokens"`
		OutputTokens    int     `json:"output_tokens"`
		TotalTokens     int     `json:"total_tokens"`
		CachedTokens    int     `json:"cached_tokens,omitempty"`
		ReasoningTokens int     `json:"reasoning_tokens,omitempty"`
		Cost            float64 `json:"cost"`
	}

	// Response is the outcome of one turn (or one transfer chain).
	Response struct {
		Data  ResponseData `json:"data"`
		Usage UsageData    `json:"usage"`

		Transfer         *Transfer    `json:"-"`
		Chain            []ChainEntry `json:"-"`
		Latency          Latency      `json:"-"`
		MissingVariables []string     `json:"-"`
		Prompt           string       `json:"-"`
		AIConfig         map[string]any `json:"-"`
	}
)

// hallucinationText replaces content that collapses to whitespace.
const hallucinationText = "AI is Hallucinating and sending '\\n' please check your prompt and configurations once"

// New builds an Engine.
func New(opts Options) *Engine {
	return &Engine{
		adapters: opts.Adapters,
		snap:     opts.Snapshot,
		runner:   opts.Runner,
		conv:     opts.Conv,
		hist:     opts.History,
		costs:    opts.Costs,
		resolver: opts.Resolver,
		guard:    opts.Guard,
	}
}

// Run executes one turn. A transfer tool call returns early with
// Response.Transfer set; the orchestrator in Execute drives the chain.
func (e *Engine) Run(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	cfg := req.Config
	if req.MessageID == "" {
		// Time-ordered v1 ids keep log rows sortable by message id.
		if id, err := uuid.NewUUID(); err == nil {
			req.MessageID = id.String()
		} else {
			req.MessageID = uuid.NewString()
		}
	}

	if blocked := e.checkGuardrails(ctx, cfg, req.User); blocked != nil {
		blocked.Data.MessageID = req.MessageID
		return blocked, nil
	}

	vars := copyMap(cfg.Variables)
	params.ApplyDefaults(vars, cfg.VariablesState)
	e.runPreTool(ctx, cfg, vars)

	prompt, missing := buildPrompt(cfg, vars)

	model, _ := cfg.Configuration["model"].(string)
	mc, err := e.snap.Lookup(cfg.Service, model)
	if err != nil {
		return nil, err
	}

	chatReq := e.buildChatRequest(ctx, req, cfg, mc, prompt, vars)

	adapter, err := e.adapters.Adapter(cfg.Service)
	if err != nil {
		return nil, err
	}

	lat := Latency{ExecutionTimeLogs: make(map[string]float64)}
	result, err := e.dispatch(ctx, adapter, chatReq, cfg, &lat)
	if err != nil {
		result, err = e.retryFallback(ctx, req, cfg, chatReq, err, &lat)
		if err != nil {
			return nil, err
		}
	}

	result, toolsData, transfer, err := e.toolLoop(ctx, req, cfg, adapter, chatReq, result, &lat)
	if err != nil {
		return nil, err
	}
	resp := e.shape(req, cfg, mc, result, toolsData)
	resp.Transfer = transfer
	e.account(ctx, cfg, resp)

	resp.Prompt = prompt
	resp.AIConfig = chatReq.Params
	resp.MissingVariables = missing
	lat.OverAllTime = time.Since(start).Seconds()
	resp.Latency = lat
	return resp, nil
}

// dispatch runs one model call and records its execution time.
func (e *Engine) dispatch(ctx context.Context, adapter providers.Adapter, chatReq *providers.ChatRequest, cfg *bridge.Config, lat *Latency) (*providers.ChatResult, error) {
	t := time.Now()
	result, err := adapter.Chat(ctx, chatReq)
	elapsed := time.Since(t).Seconds()
	lat.ModelExecutionTime += elapsed
	lat.ExecutionTimeLogs[fmt.Sprintf("%s call %d", cfg.Service, len(lat.ExecutionTimeLogs)+1)] = elapsed
	return result, err
}

// retryFallback reruns the turn once on the configured fallback model. The
// first error is preserved on the result; with no fallback the original
// error propagates.
func (e *Engine) retryFallback(ctx context.Context, req *Request, cfg *bridge.Config, chatReq *providers.ChatRequest, firstErr error, lat *Latency) (*providers.ChatResult, error) {
	fb := cfg.Fallback
	if fb == nil || fb.Model == "" {
		return nil, firstErr
	}
	service := cfg.Service
	if fb.Service != "" {
		if s, err := catalog.Canonical(fb.Service); err == nil {
			service = s
		}
	}
	log.Printf(ctx, "falling back to %s/%s: %v", service, fb.Model, firstErr)

	mc, err := e.snap.Lookup(service, fb.Model)
	if err != nil {
		return nil, fmt.Errorf("%v; fallback: %w", firstErr, err)
	}
	adapter, err := e.adapters.Adapter(service)
	if err != nil {
		return nil, fmt.Errorf("%v; fallback: %w", firstErr, err)
	}

	retry := *chatReq
	retry.Model = fb.Model
	retry.ReasoningModel = mc.ReasoningModel
	if fb.APIKey != "" {
		retry.APIKey = fb.APIKey
	}
	if service != cfg.Service {
		translated := params.ResolveSentinels(service, mc.Params, tuningParams(cfg.Configuration))
		retry.Params = params.Translate(service, translated)
	}

	result, err := e.dispatch(ctx, adapter, &retry, cfg, lat)
	if err != nil {
		return nil, fmt.Errorf("%v; fallback failed: %w", firstErr, err)
	}
	result.Fallback = true
	result.FirstAttemptError = firstErr.Error()
	return result, nil
}

// toolLoop feeds tool results back to the model until it answers, the call
// budget runs out, or a transfer is requested.
func (e *Engine) toolLoop(ctx context.Context, req *Request, cfg *bridge.Config, adapter providers.Adapter, chatReq *providers.ChatRequest, result *providers.ChatResult, lat *Latency) (*providers.ChatResult, []map[string]any, *Transfer, error) {
	var toolsData []map[string]any
	for depth := 0; len(result.ToolCalls) > 0 && depth < cfg.ToolCallCount; depth++ {
		if tr := detectTransfer(result.ToolCalls, cfg.Bindings); tr != nil {
			result.ToolCalls = nil
			return result, toolsData, tr, nil
		}

		calls := make([]tools.Call, len(result.ToolCalls))
		for i, tc := range result.ToolCalls {
			calls[i] = tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
		}

		t := time.Now()
		results := e.runner.Execute(ctx, calls, cfg.Bindings, tools.Env{
			OrgID:         req.OrgID,
			ThreadID:      req.ThreadID,
			SubThreadID:   req.SubThreadID,
			Variables:     cfg.Variables,
			VariablesPath: cfg.VariablesPath,
		})
		lat.FunctionTimeLogs = append(lat.FunctionTimeLogs, FunctionTiming{
			Step:      stepNames(calls),
			TimeTaken: time.Since(t).Seconds(),
		})
		toolsData = append(toolsData, toolRound(calls, results))

		splice(chatReq, result, results)
		if chatReq.ToolChoice != nil && chatReq.ToolChoice.Mode != "auto" && chatReq.ToolChoice.Mode != "none" {
			chatReq.ToolChoice = &providers.ToolChoice{Mode: "auto"}
		}

		var err error
		result, err = e.dispatch(ctx, adapter, chatReq, cfg, lat)
		if err != nil {
			return nil, toolsData, nil, err
		}
	}
	return result, toolsData, nil, nil
}

// detectTransfer reports the first tool call asking for an agent handoff.
func detectTransfer(calls []providers.ToolCall, bindings map[string]bridge.Binding) *Transfer {
	for _, tc := range calls {
		action, _ := tc.Arguments["action_type"].(string)
		if action != "transfer" {
			continue
		}
		query, _ := tc.Arguments["_query"].(string)
		tr := &Transfer{ToolName: tc.Name, Query: query}
		if b, ok := bindings[tc.Name]; ok {
			tr.AgentID = b.BridgeID
		}
		return tr
	}
	return nil
}

// splice appends the assistant's tool calls and their results to the
// transcript so the next dispatch continues the conversation.
func splice(chatReq *providers.ChatRequest, result *providers.ChatResult, results []tools.Result) {
	if chatReq.User != "" {
		chatReq.Messages = append(chatReq.Messages, providers.Text(providers.RoleUser, chatReq.User))
		chatReq.User = ""
	}
	assistant := providers.Message{Role: providers.RoleAssistant}
	if result.Content != "" {
		assistant.Parts = append(assistant.Parts, providers.Part{Type: providers.PartText, Text: result.Content})
	}
	for _, tc := range result.ToolCalls {
		assistant.Parts = append(assistant.Parts, providers.Part{
			Type:       providers.PartToolUse,
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Arguments:  tc.Arguments,
		})
	}
	chatReq.Messages = append(chatReq.Messages, assistant)
	for _, r := range results {
		chatReq.Messages = append(chatReq.Messages, providers.ToolResult(r.ID, r.Content, false))
	}
}

// shape assembles the caller-facing response, the transfer signal and usage.
func (e *Engine) shape(req *Request, cfg *bridge.Config, mc *catalog.ModelConfig, result *providers.ChatResult, toolsData []map[string]any) *Response {
	content := result.Content
	alert := false
	if strings.TrimSpace(content) == "" && content != "" {
		content = hallucinationText
		alert = true
	}

	u := result.Usage
	cost := mc.Pricing.Cost(u.InputTokens, u.OutputTokens, u.CachedTokens, u.ReasoningTokens, u.CacheReadInput, u.CacheWriteInput)
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}

	resp := &Response{
		Data: ResponseData{
			ID:                result.ID,
			Content:           content,
			Model:             result.Model,
			Role:              "assistant",
			FinishReason:      result.FinishReason,
			ToolsData:         toolsData,
			Annotations:       result.Annotations,
			Fallback:          result.Fallback,
			FirstAttemptError: result.FirstAttemptError,
			MessageID:         req.MessageID,
			AlertFlag:         alert,
		},
		Usage: UsageData{
			InputTokens:     u.InputTokens,
			OutputTokens:    u.OutputTokens,
			TotalTokens:     total,
			CachedTokens:    u.CachedTokens,
			ReasoningTokens: u.ReasoningTokens,
			Cost:            cost,
		},
	}
	if resp.Data.Model == "" {
		resp.Data.Model, _ = cfg.Configuration["model"].(string)
	}
	return resp
}

// account records cost and freshness. Fire and forget; failures are logged
// inside the ledger.
func (e *Engine) account(ctx context.Context, cfg *bridge.Config, resp *Response) {
	if e.costs == nil {
		return
	}
	apikeyID := cfg.APIKeyObjectIDs[string(cfg.Service)]
	e.costs.AddCost(ctx, cfg.BridgeID, cfg.FolderID, apikeyID, resp.Usage.Cost)
	e.costs.TouchLastUsed(ctx, cfg.BridgeID, apikeyID)
}

// CallAgent re-enters the engine for a connected agent invoked as a tool.
// Implements tools.AgentCaller.
func (e *Engine) CallAgent(ctx context.Context, call tools.AgentCall) (any, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("agent re-entry is not configured")
	}
	res, err := e.resolver.Resolve(ctx, &bridge.Request{
		BridgeID:  call.BridgeID,
		VersionID: call.VersionID,
		OrgID:     call.OrgID,
		Variables: call.Variables,
	})
	if err != nil {
		return nil, err
	}
	cfg, ok := res.Configs[res.PrimaryBridgeID]
	if !ok {
		return nil, fmt.Errorf("agent %s did not resolve", call.BridgeID)
	}
	resp, err := e.Run(ctx, &Request{
		Config:      cfg,
		Resolution:  res,
		User:        call.Query,
		OrgID:       call.OrgID,
		ThreadID:    call.ThreadID,
		SubThreadID: call.SubThreadID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data.Content, nil
}

func stepNames(calls []tools.Call) string {
	if len(calls) == 0 {
		return "No functions executed"
	}
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func toolRound(calls []tools.Call, results []tools.Result) map[string]any {
	round := make(map[string]any, len(calls))
	for i, c := range calls {
		entry := map[string]any{"name": c.Name, "args": c.Args}
		if i < len(results) {
			entry["response"] = results[i].Content
		}
		round[c.ID] = entry
	}
	return round
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
