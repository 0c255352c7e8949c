package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// scriptURLBase is where stored HTTP functions execute.
const scriptURLBase = "https://flow.sokt.io/func/"

var functionNameRE = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeFunctionName strips every character providers reject from tool
// names.
func SanitizeFunctionName(name string) string {
	return functionNameRE.ReplaceAllString(name, "")
}

// assembleTools builds the tool surface for one agent: stored HTTP
// functions, then caller-supplied extra tools. Fields already hydrated by
// the gateway through variables_path are hidden from the model. The
// returned path map merges the stored paths with the extra tools' own.
func assembleTools(doc *Document, variablesPath map[string]map[string]any, extra []ExtraTool) ([]ToolSpec, map[string]Binding, map[string]map[string]any) {
	tools := make([]ToolSpec, 0, len(doc.APICalls)+len(extra))
	bindings := make(map[string]Binding)
	merged := make(map[string]map[string]any, len(variablesPath))
	for k, v := range variablesPath {
		merged[k] = v
	}

	for _, api := range doc.APICalls {
		spec, binding, ok := apiCallTool(api, variablesPath)
		if !ok {
			continue
		}
		tools = append(tools, spec)
		bindings[spec.Name] = binding
	}

	for _, t := range extra {
		spec, binding, path, ok := extraTool(t)
		if !ok {
			continue
		}
		if len(path) > 0 {
			merged[t.Name] = path
		}
		tools = append(tools, spec)
		bindings[spec.Name] = binding
	}

	return tools, bindings, merged
}

func apiCallTool(api APICall, variablesPath map[string]map[string]any) (ToolSpec, Binding, bool) {
	name := api.ToolName()
	if api.Status == 0 && name == "" {
		return ToolSpec{}, Binding{}, false
	}

	hydrated := variablesPath[api.ScriptID]
	properties := make(map[string]any, len(api.Fields))
	for k, v := range api.Fields {
		if _, ok := hydrated[k]; ok {
			continue
		}
		properties[k] = v
	}
	required := make([]string, 0, len(api.RequiredParams))
	for _, k := range api.RequiredParams {
		if _, ok := hydrated[k]; ok {
			continue
		}
		required = append(required, k)
	}

	spec := ToolSpec{
		Name:        name,
		Description: api.Description,
		Properties:  properties,
		Required:    required,
	}
	binding := Binding{
		Kind:    BindHTTP,
		Name:    api.ScriptID,
		URL:     scriptURLBase + api.ScriptID,
		Headers: map[string]string{},
	}
	return spec, binding, true
}

func extraTool(t ExtraTool) (ToolSpec, Binding, map[string]any, bool) {
	if t.URL == "" || t.Name == "" {
		return ToolSpec{}, Binding{}, nil, false
	}

	properties := make(map[string]any, len(t.Fields))
	for k, v := range t.Fields {
		if _, ok := t.ToolAndVarPath[k]; ok {
			continue
		}
		properties[k] = v
	}

	spec := ToolSpec{
		Name:        SanitizeFunctionName(t.Name),
		Description: t.Description,
		Properties:  properties,
		Required:    append([]string(nil), t.RequiredParams...),
	}
	binding := Binding{
		Kind:    BindHTTP,
		Name:    t.Name,
		URL:     t.URL,
		Headers: t.Headers,
	}
	return spec, binding, t.ToolAndVarPath, true
}

// addRAGTool exposes the knowledge-base lookup function when documents are
// attached, with the resource→collection mapping the invoker needs.
func addRAGTool(tools []ToolSpec, bindings map[string]Binding, rag []RAGDoc) []ToolSpec {
	if len(rag) == 0 {
		return tools
	}

	mapping := make(map[string]string, len(rag))
	for _, doc := range rag {
		if doc.ResourceID != "" && doc.CollectionID != "" {
			mapping[doc.ResourceID] = doc.CollectionID
		}
	}

	tools = append(tools, ToolSpec{
		Name:        KnowledgeBaseTool,
		Description: "When user want to take any data from the knowledge, Call this function to get the corresponding resource id",
		Properties: map[string]any{
			"resource_id": map[string]any{"type": "string", "description": "send resource id"},
			"query":       map[string]any{"type": "string", "description": "query to ask from the knowledge base"},
		},
		Required: []string{"resource_id", "query"},
	})
	bindings[KnowledgeBaseTool] = Binding{
		Kind:                 BindRAG,
		Name:                 KnowledgeBaseTool,
		ResourceToCollection: mapping,
	}
	return tools
}

// addWebSearchTool exposes the crawling function when the built-in is
// enabled. Allowed domains, when configured, become the URL enum.
func addWebSearchTool(tools []ToolSpec, bindings map[string]Binding, builtIn []string, filters []string) []ToolSpec {
	enabled := false
	for _, name := range builtIn {
		if name == WebSearchTool {
			enabled = true
			break
		}
	}
	if !enabled {
		return tools
	}

	urlProp := map[string]any{
		"type":        "string",
		"description": "The complete URL of the website to scrape (must start with http:// or https://). Example: https://example.com/page",
	}
	if len(filters) > 0 {
		urlProp["enum"] = filters
	}

	tools = append(tools, ToolSpec{
		Name:        WebSearchTool,
		Description: "Search and extract content from any website URL. This tool scrapes web pages and returns their content in various formats. Use this when you need to: fetch real-time information from websites, extract article content, retrieve documentation, access public web data, or get current information not in your training data. If enum is provided for URL, only use URLs from those allowed domains.",
		Properties: map[string]any{
			"url": urlProp,
			"formats": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": `Optional list of output formats. Available formats include: "markdown" (default, clean text), "html" (raw HTML), "screenshot" (visual capture), "links" (extracted URLs). If not specified, returns markdown format.`,
			},
		},
		Required: []string{"url"},
	})
	bindings[WebSearchTool] = Binding{Kind: BindWeb, Name: WebSearchTool}
	return tools
}

// addConnectedAgents wraps each linked agent as a callable tool. Published
// details back-fill the description and parameter schema when the link does
// not pin a version. Orchestrator agents additionally expose action_type so
// the model can hand the conversation off outright.
func addConnectedAgents(doc *Document, tools []ToolSpec, bindings map[string]Binding, orchestrator bool) []ToolSpec {
	if len(doc.ConnectedAgents) == 0 {
		return tools
	}
	isOrchestrator := orchestrator || doc.Orchestrator

	for agentName, info := range doc.ConnectedAgents {
		description := info.Description
		vars := info.Variables
		if info.VersionID == "" {
			if details, ok := doc.ConnectedAgentDetails[info.BridgeID]; ok {
				if details.Description != "" {
					description = details.Description
				}
				vars = details.AgentVariables
			}
		}

		name := SanitizeFunctionName(agentName)
		properties := map[string]any{
			"_query": map[string]any{
				"type":        "string",
				"description": "The query or message to be processed by the connected agent.",
			},
		}
		for k, v := range vars.Fields {
			properties[k] = v
		}
		required := append([]string{"_query"}, vars.RequiredParams...)

		if isOrchestrator {
			properties["action_type"] = map[string]any{
				"type":        "string",
				"description": "transfer: directly return child agent response, conversation: get child response and continue processing",
				"enum":        []string{"transfer", "conversation"},
			}
			required = append(required, "action_type")
		}

		tools = append(tools, ToolSpec{
			Name:        name,
			Description: description,
			Properties:  properties,
			Required:    required,
		})
		bindings[name] = Binding{
			Kind:             BindAgent,
			Name:             agentName,
			BridgeID:         info.BridgeID,
			VersionID:        info.VersionID,
			RequiresThreadID: info.ThreadID,
		}
	}
	return tools
}

// jsonSchemaTool is the synthetic formatter used in place of a response
// schema on providers without native structured output.
const jsonSchemaTool = "JSON_Schema_Response_Format"

// addAnthropicJSONSchema rewrites a json_schema response_type into a forced
// formatter tool, since the messages API has no response_format parameter.
func addAnthropicJSONSchema(service string, configuration map[string]any, tools []ToolSpec) []ToolSpec {
	if service != "anthropic" {
		return tools
	}
	rt, ok := configuration["response_type"].(map[string]any)
	if !ok {
		return tools
	}
	js, ok := rt["json_schema"].(map[string]any)
	if !ok {
		return tools
	}
	delete(js, "required")

	spec := ToolSpec{
		Name:        jsonSchemaTool,
		Description: "return the response in json schema format",
	}
	if schema, ok := js["schema"].(map[string]any); ok {
		if props, ok := schema["properties"].(map[string]any); ok {
			spec.Properties = props
		}
		spec.Required = toStringSlice(schema["required"])
	}
	tools = append(tools, spec)

	configuration["response_type"] = "default"
	if prompt, ok := configuration["prompt"].(string); ok {
		configuration["prompt"] = prompt + fmt.Sprintf("\n Always return the response in JSON SChema by calling the function %s and if no values available then return json with dummy or default vaules", jsonSchemaTool)
	}
	return tools
}

// AppendToneAndStyle suffixes the tone and response-style prompts onto the
// system prompt when configured.
func AppendToneAndStyle(prompt string, tone, style map[string]any) string {
	if p, ok := tone["prompt"].(string); ok && p != "" {
		prompt += "\n\nTone Prompt: " + p
	}
	if p, ok := style["prompt"].(string); ok && p != "" {
		prompt += "\n\nResponse Style Prompt: " + p
	}
	return prompt
}

// AppendDocDescriptions lists the attached knowledge-base resources in the
// system prompt so the model knows what the lookup function can reach.
func AppendDocDescriptions(prompt string, rag []RAGDoc) string {
	if len(rag) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n Available Knowledge Base :- Here are the available documents to get data when needed call the function " + KnowledgeBaseTool + ": \n")
	for i, doc := range rag {
		desc := doc.Description
		if desc == "" {
			desc = "No description available"
		}
		fmt.Fprintf(&b, "%d. Resource ID: %s\n", i+1, doc.ResourceID)
		fmt.Fprintf(&b, "   Description: %s\n\n", desc)
	}
	return b.String()
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
