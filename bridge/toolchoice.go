package bridge

import "github.com/gtwy-ai/gateway/providers"

// toolChoiceModes are the recognized forcing modes, in precedence order.
var toolChoiceModes = []string{"auto", "none", "required", "default", "any"}

// resolveToolChoice turns the stored tool_choice value, a list of function
// ids or mode names, into the neutral form adapters encode per provider. A
// referenced HTTP function or connected agent becomes a named choice; a mode
// name wins over a named tool everywhere except openai, which honors the
// named function first.
func resolveToolChoice(service string, doc *Document, raw any) *providers.ToolChoice {
	ids := toStringSlice(raw)
	if s, ok := raw.(string); ok && s != "" {
		ids = []string{s}
	}
	if len(ids) == 0 {
		return nil
	}

	var name string
	for _, api := range doc.APICalls {
		if containsString(ids, api.ID) {
			name = api.ToolName()
			break
		}
	}
	if name == "" {
		for agentName, info := range doc.ConnectedAgents {
			if containsString(ids, info.BridgeID) {
				name = SanitizeFunctionName(agentName)
				break
			}
		}
	}

	var mode string
	for _, m := range toolChoiceModes {
		if containsString(ids, m) {
			mode = m
			break
		}
	}

	switch {
	case service == "openai" && name != "":
		return &providers.ToolChoice{Mode: "tool", Name: name}
	case mode != "":
		return &providers.ToolChoice{Mode: mode}
	case name != "":
		return &providers.ToolChoice{Mode: "tool", Name: name}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
