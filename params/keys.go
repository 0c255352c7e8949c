// Package params translates the canonical parameter vocabulary callers use
// into the names each provider service expects, resolves the default/min/max
// sentinels against the model schema, and renders {{variable}} prompt
// templates.
package params

import "github.com/gtwy-ai/gateway/catalog"

// openAIStyleKeys is the translation table shared by every OpenAI-compatible
// service. max_tokens and response_type vary per service and are overlaid
// below.
var openAIStyleKeys = map[string]string{
	"creativity_level":          "temperature",
	"probability_cutoff":        "top_p",
	"repetition_penalty":        "frequency_penalty",
	"novelty_penalty":           "presence_penalty",
	"log_probability":           "logprobs",
	"echo_input":                "echo",
	"input_text":                "input",
	"token_selection_limit":     "topK",
	"response_count":            "n",
	"additional_stop_sequences": "stopSequences",
	"best_response_count":       "best_of",
	"response_suffix":           "suffix",
	"response_type":             "response_format",
}

// serviceKeys maps each service to its canonical→provider parameter names.
var serviceKeys = map[catalog.Service]map[string]string{
	catalog.ServiceOpenAI: overlay(openAIStyleKeys, map[string]string{
		"response_type": "text",
		"max_tokens":    "max_output_tokens",
	}),
	catalog.ServiceAnthropic: {
		"creativity_level":          "temperature",
		"probability_cutoff":        "top_p",
		"token_selection_limit":     "top_k",
		"additional_stop_sequences": "stop_sequence",
		"max_tokens":                "max_tokens",
	},
	catalog.ServiceGrok: overlay(openAIStyleKeys, nil),
	catalog.ServiceGroq: overlay(openAIStyleKeys, nil),
	catalog.ServiceOpenAICompletion: overlay(openAIStyleKeys, map[string]string{
		"max_tokens": "max_completion_tokens",
	}),
	catalog.ServiceOpenRouter: overlay(openAIStyleKeys, map[string]string{
		"max_tokens": "max_tokens",
	}),
	catalog.ServiceMistral: overlay(openAIStyleKeys, map[string]string{
		"max_tokens": "max_tokens",
	}),
	catalog.ServiceGemini: {
		"creativity_level":          "temperature",
		"probability_cutoff":        "top_p",
		"repetition_penalty":        "frequency_penalty",
		"novelty_penalty":           "presence_penalty",
		"log_probability":           "response_logprobs",
		"token_selection_limit":     "top_k",
		"response_count":            "candidate_count",
		"additional_stop_sequences": "stop_sequences",
		"response_type":             "responseMimeType",
		"max_tokens":                "max_output_tokens",
	},
	catalog.ServiceAIML: overlay(openAIStyleKeys, map[string]string{
		"max_tokens": "max_completion_tokens",
	}),
}

func overlay(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Translate rewrites canonical parameter names in cfg to the provider names
// for service. Unknown keys pass through untouched so model-specific knobs
// survive translation. The returned map is a copy.
func Translate(service catalog.Service, cfg map[string]any) map[string]any {
	keys := serviceKeys[service]
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if provider, ok := keys[k]; ok {
			out[provider] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// ProviderKey returns the provider name of one canonical parameter for
// service, or the canonical name when no translation exists.
func ProviderKey(service catalog.Service, canonical string) string {
	if provider, ok := serviceKeys[service][canonical]; ok {
		return provider
	}
	return canonical
}
