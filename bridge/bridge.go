// Package bridge resolves agent definitions into executable configurations:
// stored settings merged with caller overrides, decrypted credentials, the
// assembled tool surface, and the connected-agent graph.
package bridge

import (
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/params"
	"github.com/gtwy-ai/gateway/providers"
)

type (
	// Document is the joined bridge record as stored, with tool and
	// credential collections resolved alongside it.
	Document struct {
		ID                    string                    `bson:"_id"`
		ParentID              string                    `bson:"parent_id"`
		Name                  string                    `bson:"name"`
		OrgID                 string                    `bson:"org_id"`
		Service               string                    `bson:"service"`
		BridgeType            string                    `bson:"bridgeType"`
		Status                int                       `bson:"bridge_status"`
		Configuration         map[string]any            `bson:"configuration"`
		Apikeys               map[string]EncryptedKey   `bson:"apikeys"`
		APIKeyObjectIDs       map[string]string         `bson:"apikey_object_id"`
		FolderApikeys         map[string]EncryptedKey   `bson:"folder_apikeys"`
		FunctionIDs           []string                  `bson:"function_ids"`
		APICalls              map[string]APICall        `bson:"apiCalls"`
		PreTools              []string                  `bson:"pre_tools"`
		PreToolsData          []APICall                 `bson:"pre_tools_data"`
		DocIDs                []RAGDoc                  `bson:"doc_ids"`
		GPTMemory             bool                      `bson:"gpt_memory"`
		GPTMemoryContext      string                    `bson:"gpt_memory_context"`
		UserReference         string                    `bson:"user_reference"`
		PublishedVersionID    string                    `bson:"published_version_id"`
		ToolCallCount         int                       `bson:"tool_call_count"`
		VariablesPath         map[string]map[string]any `bson:"variables_path"`
		VariablesState        map[string]params.VariableState `bson:"variables_state"`
		Actions               []map[string]any          `bson:"actions"`
		Fallback              *Fallback                 `bson:"fall_back"`
		Guardrails            map[string]any            `bson:"guardrails"`
		FolderType            string                    `bson:"folder_type"`
		FolderID              string                    `bson:"folder_id"`
		UserID                string                    `bson:"user_id"`
		WrapperID             string                    `bson:"wrapper_id"`
		BuiltInTools          []string                  `bson:"built_in_tools"`
		WebSearchFilters      map[string]any            `bson:"web_search_filters"`
		GtwyWebSearchFilters  []string                  `bson:"gtwy_web_search_filters"`
		OpenAICompletion      bool                      `bson:"openai_completion"`
		Orchestrator          bool                      `bson:"orchestrator"`
		ConnectedAgents       map[string]ConnectedAgent `bson:"connected_agents"`
		ConnectedAgentDetails map[string]AgentDetails   `bson:"connected_agent_details"`
		ChatbotAutoAnswers    any                       `bson:"chatbot_auto_answers"`

		// Spend-limit fields consulted by the pre-flight cost checks.
		BridgeLimit float64 `bson:"bridge_limit"`
		BridgeUsage float64 `bson:"bridge_usage"`
		FolderLimit float64 `bson:"folder_limit"`
		FolderUsage float64 `bson:"folder_usage"`
	}

	// EncryptedKey wraps a stored credential with its spend counters.
	EncryptedKey struct {
		APIKey string  `bson:"apikey"`
		Limit  float64 `bson:"apikey_limit"`
		Usage  float64 `bson:"apikey_usage"`
	}

	// APICall is a stored HTTP function definition.
	APICall struct {
		ID             string         `bson:"_id"`
		Title          string         `bson:"title"`
		EndpointName   string         `bson:"endpoint_name"`
		FunctionName   string         `bson:"function_name"`
		ScriptID       string         `bson:"script_id"`
		Description    string         `bson:"description"`
		Fields         map[string]any `bson:"fields"`
		RequiredParams []string       `bson:"required_params"`
		Status         int            `bson:"status"`
	}

	// RAGDoc is an attached knowledge-base resource.
	RAGDoc struct {
		ResourceID   string `bson:"resource_id" json:"resource_id"`
		CollectionID string `bson:"collection_id" json:"collection_id"`
		Name         string `bson:"name" json:"name"`
		Description  string `bson:"description" json:"description"`
	}

	// Fallback names the retry target used when the primary model errors.
	Fallback struct {
		Service        string `bson:"service" json:"service"`
		Model          string `bson:"model" json:"model"`
		APIKey         string `bson:"-" json:"-"`
		APIKeyObjectID string `bson:"-" json:"-"`
	}

	// ConnectedAgent links a child agent into the parent's tool surface.
	// Override fields replace the child's stored settings during expansion.
	ConnectedAgent struct {
		BridgeID         string                    `bson:"bridge_id"`
		VersionID        string                    `bson:"version_id"`
		Description      string                    `bson:"description"`
		Variables        AgentVariables            `bson:"variables"`
		ThreadID         bool                      `bson:"thread_id"`
		Configuration    map[string]any            `bson:"configuration"`
		Service          string                    `bson:"service"`
		APIKey           string                    `bson:"apikey"`
		TemplateID       string                    `bson:"template_id"`
		VariableValues   map[string]any            `bson:"variable_values"`
		VariablesPath    map[string]map[string]any `bson:"variables_path"`
		ExtraTools       []ExtraTool               `bson:"extra_tools"`
		BuiltInTools     []string                  `bson:"built_in_tools"`
		WebSearchFilters map[string]any            `bson:"web_search_filters"`
		Guardrails       map[string]any            `bson:"guardrails"`
	}

	// AgentDetails carries the published description and parameter schema
	// of a connected agent, keyed by its bridge id.
	AgentDetails struct {
		Description    string         `bson:"description"`
		AgentVariables AgentVariables `bson:"agent_variables"`
	}

	// AgentVariables is the parameter schema a connected agent accepts.
	AgentVariables struct {
		Fields         map[string]any `bson:"fields"`
		RequiredParams []string       `bson:"required_params"`
	}

	// ExtraTool is a caller-supplied tool definition attached per request.
	ExtraTool struct {
		Name           string            `json:"name"`
		URL            string            `json:"url"`
		Description    string            `json:"description"`
		Headers        map[string]string `json:"headers"`
		Fields         map[string]any    `json:"fields"`
		RequiredParams []string          `json:"required_params"`
		ToolAndVarPath map[string]any    `json:"tool_and_variable_path"`
	}

	// ToolSpec is a provider-neutral tool definition exposed to the model.
	ToolSpec struct {
		Name        string
		Description string
		Properties  map[string]any
		Required    []string
	}

	// Binding tells the invoker how to execute a tool the model called.
	BindingKind string

	Binding struct {
		Kind                 BindingKind
		Name                 string
		URL                  string
		Headers              map[string]string
		ResourceToCollection map[string]string
		BridgeID             string
		VersionID            string
		RequiresThreadID     bool
	}

	// PreTool names the function executed before the model turn.
	PreTool struct {
		Name string
		Args map[string]any
		Data *APICall
	}

	// Config is a fully resolved, executable agent configuration.
	Config struct {
		Configuration    map[string]any
		Service          catalog.Service
		APIKey           string
		APIKeyObjectIDs  map[string]string
		RTLayer          bool
		Template         string
		UserReference    string
		VariablesPath    map[string]map[string]any
		Tools            []ToolSpec
		Bindings         map[string]Binding
		ToolChoice       *providers.ToolChoice
		PreTool          *PreTool
		GPTMemory        bool
		GPTMemoryContext string
		VersionID        string
		ToolCallCount    int
		Variables        map[string]any
		RAGData          []RAGDoc
		Actions          []map[string]any
		Name             string
		OrgName          string
		BridgeID         string
		VariablesState   map[string]params.VariableState
		BuiltInTools     []string
		Fallback         *Fallback
		Guardrails       map[string]any
		IsEmbed          bool
		UserID           string
		FolderID         string
		WrapperID        string
		WebSearchFilters map[string]any
		Orchestrator     bool
		Chatbot          bool
		ChatbotAutoAnswers any
	}

	// Resolution is the expanded agent graph for one request: the primary
	// agent plus every connected agent reachable from it.
	Resolution struct {
		PrimaryBridgeID string
		Configs         map[string]*Config
	}
)

const (
	BindHTTP  BindingKind = "HTTP"
	BindRAG   BindingKind = "RAG"
	BindAgent BindingKind = "AGENT"
	BindWeb   BindingKind = "WEB"
)

// KnowledgeBaseTool is the synthetic function exposed when RAG documents are
// attached to an agent.
const KnowledgeBaseTool = "get_knowledge_base_data"

// WebSearchTool is the built-in crawling function name.
const WebSearchTool = "Gtwy_Web_Search"

// ToolName picks the exposed function name: the title when set, otherwise
// the endpoint or stored function name stripped of characters a provider
// would reject.
func (a APICall) ToolName() string {
	if a.Title != "" {
		return a.Title
	}
	name := a.EndpointName
	if name == "" {
		name = a.FunctionName
	}
	return SanitizeFunctionName(name)
}
