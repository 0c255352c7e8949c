package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/params"
	"github.com/gtwy-ai/gateway/providers"
)

// timeSuffix pins the injected clock to the end of every prompt.
const timeSuffix = " \n ### CURRENT TIME (For reference only) \n{{current_time_date_and_current_identifier}}"

// preToolURL is the script endpoint pre-functions post to.
const preToolURL = "https://flow.sokt.io/func/"

// preToolClient posts pre-function calls. Package-level so tests can swap it.
var preToolClient = &http.Client{Timeout: 30 * time.Second}

// historyPairs caps how many stored turns the model sees.
const historyPairs = 3

// runPreTool executes the configured pre-function and stores its output in
// variables as pre_function. Failures become an error string there, never a
// failed turn.
func (e *Engine) runPreTool(ctx context.Context, cfg *bridge.Config, vars map[string]any) {
	pt := cfg.PreTool
	if pt == nil || pt.Name == "" {
		return
	}
	body, err := json.Marshal(pt.Args)
	if err != nil {
		vars["pre_function"] = fmt.Sprintf("Error while calling prefunction. Error message: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, preToolURL+pt.Name, bytes.NewReader(body))
	if err != nil {
		vars["pre_function"] = fmt.Sprintf("Error while calling prefunction. Error message: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := preToolClient.Do(req)
	if err != nil {
		log.Errorf(ctx, err, "pre_function %s", pt.Name)
		vars["pre_function"] = fmt.Sprintf("Error while calling prefunction. Error message: %v", err)
		return
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = string(raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		vars["pre_function"] = fmt.Sprintf("Error while calling prefunction. Error message: %v", payload)
		return
	}
	vars["pre_function"] = payload
}

// buildPrompt renders the stored prompt with the time suffix appended and
// reports required variables that stayed unresolved.
func buildPrompt(cfg *bridge.Config, vars map[string]any) (string, []string) {
	prompt, _ := cfg.Configuration["prompt"].(string)
	prompt += timeSuffix
	rendered, missing := params.RenderPrompt(prompt, vars)
	return rendered, params.FilterMissing(missing, cfg.VariablesState)
}

// buildChatRequest assembles the canonical request: hydrated history, tool
// definitions, translated tuning parameters and the structured-output schema.
func (e *Engine) buildChatRequest(ctx context.Context, req *Request, cfg *bridge.Config, mc *catalog.ModelConfig, prompt string, vars map[string]any) *providers.ChatRequest {
	chatReq := &providers.ChatRequest{
		Model:          mc.Model,
		APIKey:         cfg.APIKey,
		System:         prompt,
		User:           req.User,
		Images:         req.Images,
		Files:          req.Files,
		ReasoningModel: mc.ReasoningModel,
		ToolChoice:     cfg.ToolChoice,
		Messages:       e.history(ctx, req, cfg),
	}

	if mem := e.memory(ctx, req, cfg); mem != "" {
		chatReq.System += "\n\n### MEMORY (long-term context about this user)\n" + mem
	}

	for _, t := range cfg.Tools {
		chatReq.Tools = append(chatReq.Tools, providers.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Properties,
			Required:    t.Required,
		})
	}

	tuning := params.ResolveSentinels(cfg.Service, mc.Params, tuningParams(cfg.Configuration))
	if schema, ok := schemaFromResponseType(tuning); ok {
		if err := compileSchema(schema); err != nil {
			log.Errorf(ctx, err, "response schema rejected, falling back to json_object")
		} else {
			chatReq.ResponseSchema = schema
		}
	}
	chatReq.Params = params.Translate(cfg.Service, tuning)
	return chatReq
}

// history loads the last stored turns for the sub-thread. An empty cache
// window falls back to the persisted log rows, which also repopulate the
// window for the next turn. Failures degrade to an empty transcript.
func (e *Engine) history(ctx context.Context, req *Request, cfg *bridge.Config) []providers.Message {
	if e.conv == nil || req.ThreadID == "" {
		return nil
	}
	turns, err := e.conv.Conversation(ctx, cfg.VersionID, req.ThreadID, req.SubThreadID)
	if err != nil {
		log.Errorf(ctx, err, "load conversation %s/%s", req.ThreadID, req.SubThreadID)
		turns = nil
	}
	if len(turns) == 0 && e.hist != nil {
		turns, err = e.hist.RecentConversation(ctx, req.ThreadID, req.SubThreadID, historyPairs)
		if err != nil {
			log.Errorf(ctx, err, "load stored conversation %s/%s", req.ThreadID, req.SubThreadID)
			return nil
		}
		if len(turns) > 0 {
			if err := e.conv.SaveConversation(ctx, cfg.VersionID, req.ThreadID, req.SubThreadID, turns); err != nil {
				log.Errorf(ctx, err, "rehydrate conversation window %s/%s", req.ThreadID, req.SubThreadID)
			}
		}
	}
	if max := historyPairs * 2; len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	msgs := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		role := providers.RoleUser
		if t.Role == "assistant" {
			role = providers.RoleAssistant
		}
		msgs = append(msgs, providers.Text(role, t.Content))
	}
	return msgs
}

// memory returns the thread's long-term memory summary for memory-enabled
// agents. The summary is maintained by the secondary worker after each turn.
func (e *Engine) memory(ctx context.Context, req *Request, cfg *bridge.Config) string {
	if !cfg.GPTMemory || e.conv == nil || req.ThreadID == "" {
		return ""
	}
	mem, ok, err := e.conv.Memory(ctx, cfg.BridgeID, req.ThreadID)
	if err != nil {
		log.Errorf(ctx, err, "load memory for %s", cfg.BridgeID)
		return ""
	}
	if !ok {
		return ""
	}
	return mem
}

// tuningParams strips the non-parameter keys out of the merged configuration.
func tuningParams(configuration map[string]any) map[string]any {
	out := make(map[string]any, len(configuration))
	for k, v := range configuration {
		switch k {
		case "prompt", "model", "tools", "type", "specification":
			continue
		}
		out[k] = v
	}
	return out
}

// schemaFromResponseType extracts a json_schema response_type into the
// canonical schema slot and collapses the key to its simple form.
func schemaFromResponseType(tuning map[string]any) (map[string]any, bool) {
	rt, ok := tuning["response_type"].(map[string]any)
	if !ok || rt["type"] != "json_schema" {
		return nil, false
	}
	schema, _ := rt["json_schema"].(map[string]any)
	tuning["response_type"] = map[string]any{"type": "json_object"}
	return schema, schema != nil
}

// compileSchema rejects caller-supplied schemas the providers would choke
// on. Providers accept draft 2020-12 subsets, so a schema that fails to
// compile here would fail upstream with a much worse error.
func compileSchema(schema map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("response.json", schema); err != nil {
		return err
	}
	_, err := c.Compile("response.json")
	return err
}
