package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/catalog"
)

// TimeVariableKey is the injected variable carrying the org-local timestamp.
const TimeVariableKey = "current_time_date_and_current_identifier"

// ErrBridgePaused is returned when the requested agent is disabled.
var ErrBridgePaused = errors.New("bridge is currently paused")

// ErrNoAPIKey is returned when no credential can be resolved for the
// service.
var ErrNoAPIKey = errors.New("could not find api key or agent is not published")

type (
	// Store fetches bridge documents and prompt templates.
	Store interface {
		// BridgeWithTools returns the bridge joined with its tools and
		// credentials, by version when versionID is set.
		BridgeWithTools(ctx context.Context, bridgeID, orgID, versionID string) (*Document, error)
		// PublishedBridge returns the cached published view of a bridge.
		PublishedBridge(ctx context.Context, bridgeID, orgID string) (*Document, error)
		// Template returns the prompt template body for the id.
		Template(ctx context.Context, templateID string) (string, error)
	}

	// LimitChecker runs the pre-flight usage-limit checks. doc is the
	// version being executed, published the bridge's published view.
	LimitChecker interface {
		CheckLimits(ctx context.Context, doc, published *Document) error
	}

	// OrgClock resolves the org-local time string and display name.
	OrgClock interface {
		TimeVariables(ctx context.Context, orgID string) (timeValue, orgName string, err error)
	}

	// ReservedKeys are the platform-owned credentials substituted when an
	// agent carries none of its own.
	ReservedKeys struct {
		AIML            string
		ChatbotGPT5Nano string
	}

	// Request carries everything a caller may override per invocation.
	Request struct {
		Configuration    map[string]any
		Service          string
		BridgeID         string
		APIKey           string
		TemplateID       string
		Variables        map[string]any
		OrgID            string
		VariablesPath    map[string]map[string]any
		VersionID        string
		ExtraTools       []ExtraTool
		BuiltInTools     []string
		Guardrails       map[string]any
		WebSearchFilters map[string]any
		Orchestrator     bool
		Fallback         *Fallback
		ToolCallCount    int
	}

	// Resolver expands a bridge id into executable configurations for the
	// whole connected-agent graph.
	Resolver struct {
		store  Store
		limits LimitChecker
		cipher *Cipher
		org    OrgClock
		keys   ReservedKeys
	}
)

// NewResolver builds a Resolver.
func NewResolver(store Store, limits LimitChecker, cipher *Cipher, org OrgClock, keys ReservedKeys) *Resolver {
	return &Resolver{store: store, limits: limits, cipher: cipher, org: org, keys: keys}
}

// Resolve prepares the primary agent, then walks the connected-agent graph
// depth first. A child that fails to resolve is skipped, not fatal: the
// parent can still answer without that tool.
func (r *Resolver) Resolve(ctx context.Context, req *Request) (*Resolution, error) {
	cfg, doc, resolvedID, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	key := resolvedID
	if key == "" {
		key = cfg.BridgeID
	}
	if key == "" {
		key = req.BridgeID
	}
	if cfg.BridgeID != key && key != "" {
		cfg.BridgeID = key
	}

	visited := map[string]bool{}
	for _, id := range []string{req.BridgeID, resolvedID, key} {
		if id != "" {
			visited[id] = true
		}
	}

	configs := map[string]*Config{key: cfg}
	r.collectConnected(ctx, doc, req.OrgID, visited, configs)

	return &Resolution{PrimaryBridgeID: key, Configs: configs}, nil
}

// prepare resolves a single agent: fetch, limit check, config merge,
// credential resolution, tool assembly, prompt shaping.
func (r *Resolver) prepare(ctx context.Context, req *Request) (*Config, *Document, string, error) {
	doc, err := r.store.BridgeWithTools(ctx, req.BridgeID, req.OrgID, req.VersionID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("fetch bridge %q: %w", req.BridgeID, err)
	}

	resolvedID := req.BridgeID
	if resolvedID == "" {
		resolvedID = doc.ParentID
	}

	published := doc
	if req.VersionID != "" {
		published, err = r.store.PublishedBridge(ctx, resolvedID, req.OrgID)
		if err != nil {
			return nil, nil, resolvedID, fmt.Errorf("fetch published bridge %q: %w", resolvedID, err)
		}
	}
	chatbot := published.BridgeType == "chatbot"

	if err := r.limits.CheckLimits(ctx, doc, published); err != nil {
		return nil, nil, resolvedID, err
	}
	if published.Status == 0 {
		return nil, nil, resolvedID, ErrBridgePaused
	}

	configuration := make(map[string]any, len(doc.Configuration)+len(req.Configuration))
	for k, v := range doc.Configuration {
		configuration[k] = v
	}
	for k, v := range req.Configuration {
		configuration[k] = v
	}

	service := req.Service
	if service == "" {
		service = doc.Service
	}
	service = strings.ToLower(service)
	if service == "openai_response" {
		service = string(catalog.ServiceOpenAI)
	}
	if doc.OpenAICompletion {
		service = string(catalog.ServiceOpenAICompletion)
	}

	if req.Fallback != nil && req.Fallback.Service != "" {
		doc.Fallback = req.Fallback
	}

	apikey, err := r.resolveAPIKey(ctx, service, doc, req.APIKey, chatbot, configuration)
	if err != nil {
		return nil, nil, resolvedID, err
	}

	bridgeID := doc.ParentID
	if bridgeID == "" {
		bridgeID = doc.ID
	}
	versionID := req.VersionID
	if versionID == "" {
		versionID = doc.PublishedVersionID
	}

	// Image generation needs none of the tool machinery.
	if configuration["type"] == "image" {
		return &Config{
			Configuration:   configuration,
			Service:         catalog.Service(service),
			APIKey:          apikey,
			APIKeyObjectIDs: doc.APIKeyObjectIDs,
			BridgeID:        bridgeID,
			VersionID:       versionID,
		}, doc, resolvedID, nil
	}

	toolChoice := resolveToolChoice(service, doc, configuration["tool_choice"])
	delete(configuration, "tool_choice")

	tools, bindings, variablesPath := assembleTools(doc, doc.VariablesPath, req.ExtraTools)
	delete(configuration, "tools")

	_, rtLayer := configuration["RTLayer"]

	var template string
	if req.TemplateID != "" {
		template, err = r.store.Template(ctx, req.TemplateID)
		if err != nil {
			return nil, nil, resolvedID, fmt.Errorf("fetch template %q: %w", req.TemplateID, err)
		}
	}

	var preTool *PreTool
	if len(doc.PreTools) > 0 && len(doc.PreToolsData) > 0 {
		data := doc.PreToolsData[0]
		if data.ScriptID != "" {
			preTool = &PreTool{Name: data.ScriptID, Data: &data}
		}
	}

	if prompt, ok := configuration["prompt"].(string); ok {
		tone, _ := configuration["tone"].(map[string]any)
		style, _ := configuration["responseStyle"].(map[string]any)
		configuration["prompt"] = AppendToneAndStyle(prompt, tone, style)
	}

	tools = addRAGTool(tools, bindings, doc.DocIDs)

	builtIn := req.BuiltInTools
	if len(builtIn) == 0 {
		builtIn = doc.BuiltInTools
	}
	tools = addWebSearchTool(tools, bindings, builtIn, doc.GtwyWebSearchFilters)
	tools = addAnthropicJSONSchema(service, configuration, tools)

	if len(doc.DocIDs) > 0 {
		if prompt, ok := configuration["prompt"].(string); ok {
			configuration["prompt"] = AppendDocDescriptions(prompt, doc.DocIDs)
		}
	}

	variables := make(map[string]any, len(req.Variables)+1)
	for k, v := range req.Variables {
		variables[k] = v
	}
	timeValue, orgName, err := r.org.TimeVariables(ctx, req.OrgID)
	if err != nil {
		log.Errorf(ctx, err, "resolve org time variables")
	} else {
		variables[TimeVariableKey] = timeValue
	}

	tools = addConnectedAgents(doc, tools, bindings, req.Orchestrator)

	guardrails := req.Guardrails
	if guardrails == nil {
		guardrails = doc.Guardrails
	}
	webSearchFilters := req.WebSearchFilters
	if len(webSearchFilters) == 0 {
		webSearchFilters = doc.WebSearchFilters
	}

	variablesPathMerged := variablesPath
	if len(req.VariablesPath) > 0 {
		variablesPathMerged = req.VariablesPath
	}

	toolCallCount := req.ToolCallCount
	if toolCallCount == 0 {
		toolCallCount = doc.ToolCallCount
	}
	if toolCallCount == 0 {
		toolCallCount = 3
	}

	cfg := &Config{
		Configuration:      configuration,
		Service:            catalog.Service(service),
		APIKey:             apikey,
		APIKeyObjectIDs:    doc.APIKeyObjectIDs,
		RTLayer:            rtLayer,
		Template:           template,
		UserReference:      doc.UserReference,
		VariablesPath:      variablesPathMerged,
		Tools:              tools,
		Bindings:           bindings,
		ToolChoice:         toolChoice,
		PreTool:            preTool,
		GPTMemory:          doc.GPTMemory,
		GPTMemoryContext:   doc.GPTMemoryContext,
		VersionID:          versionID,
		ToolCallCount:      toolCallCount,
		Variables:          variables,
		RAGData:            doc.DocIDs,
		Actions:            doc.Actions,
		Name:               doc.Name,
		OrgName:            orgName,
		BridgeID:           bridgeID,
		VariablesState:     doc.VariablesState,
		BuiltInTools:       builtIn,
		Fallback:           doc.Fallback,
		Guardrails:         guardrails,
		IsEmbed:            doc.FolderType == "embed",
		UserID:             doc.UserID,
		FolderID:           doc.FolderID,
		WrapperID:          doc.WrapperID,
		WebSearchFilters:   webSearchFilters,
		Orchestrator:       req.Orchestrator || doc.Orchestrator,
		Chatbot:            chatbot,
		ChatbotAutoAnswers: published.ChatbotAutoAnswers,
	}
	return cfg, doc, resolvedID, nil
}

// resolveAPIKey walks the credential precedence chain: caller-supplied key,
// folder key, bridge key, then the platform reserved keys. Stored keys are
// decrypted; caller keys are used as given.
func (r *Resolver) resolveAPIKey(ctx context.Context, service string, doc *Document, apikey string, chatbot bool, configuration map[string]any) (string, error) {
	dbKey := doc.Apikeys[service].APIKey
	if service == string(catalog.ServiceAIML) && apikey == "" && dbKey == "" {
		apikey = r.keys.AIML
	}
	if service == string(catalog.ServiceOpenAICompletion) {
		dbKey = doc.Apikeys[string(catalog.ServiceOpenAI)].APIKey
	}
	if folder := doc.FolderApikeys[service].APIKey; folder != "" {
		dbKey = folder
	}

	if chatbot && service == string(catalog.ServiceOpenAI) && apikey == "" && dbKey == "" {
		if configuration["model"] == "gpt-5-nano" && r.keys.ChatbotGPT5Nano != "" {
			apikey = r.keys.ChatbotGPT5Nano
		} else {
			return "", ErrNoAPIKey
		}
	}
	if apikey == "" && dbKey == "" {
		return "", ErrNoAPIKey
	}

	if fb := doc.Fallback; fb != nil && fb.Service != "" {
		if enc := doc.Apikeys[fb.Service].APIKey; enc != "" {
			key, err := r.cipher.Decrypt(enc)
			if err != nil {
				log.Errorf(ctx, err, "decrypt fallback key for %s", fb.Service)
			} else {
				fb.APIKey = key
				fb.APIKeyObjectID = doc.APIKeyObjectIDs[fb.Service]
			}
		}
	}

	if apikey != "" {
		return apikey, nil
	}
	return r.cipher.Decrypt(dbKey)
}

// collectConnected expands the connected-agent graph depth first. The
// visited set guards against cycles and diamond links.
func (r *Resolver) collectConnected(ctx context.Context, doc *Document, orgID string, visited map[string]bool, configs map[string]*Config) {
	for _, info := range doc.ConnectedAgents {
		if info.BridgeID == "" || visited[info.BridgeID] {
			continue
		}

		childReq := &Request{
			Configuration:    info.Configuration,
			Service:          info.Service,
			BridgeID:         info.BridgeID,
			APIKey:           info.APIKey,
			TemplateID:       info.TemplateID,
			Variables:        info.VariableValues,
			OrgID:            orgID,
			VariablesPath:    info.VariablesPath,
			VersionID:        info.VersionID,
			ExtraTools:       info.ExtraTools,
			BuiltInTools:     info.BuiltInTools,
			Guardrails:       info.Guardrails,
			WebSearchFilters: info.WebSearchFilters,
		}

		cfg, childDoc, resolvedID, err := r.prepare(ctx, childReq)
		if err != nil {
			log.Errorf(ctx, err, "skip connected agent %s", info.BridgeID)
			continue
		}

		if resolvedID != "" {
			cfg.BridgeID = resolvedID
			visited[resolvedID] = true
		}
		visited[info.BridgeID] = true
		configs[info.BridgeID] = cfg

		r.collectConnected(ctx, childDoc, orgID, visited, configs)
	}
}
