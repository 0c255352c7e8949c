// Package catalog holds the model configuration catalog: for every
// (service, model) pair the parameter schema the resolver validates against,
// the per-million token pricing used by the cost ledger, and capability flags
// the engine consults before dispatch. The catalog is loaded from Mongo into a
// process-local snapshot and refreshed cluster-wide through a replicated map
// broadcast.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type (
	// Service identifies an upstream provider family. The set is closed: the
	// gateway routes on these names and nothing else.
	Service string

	// ParamSpec describes one tunable parameter of a model. Default may be a
	// number, string, bool or object depending on the parameter. Level
	// controls exposure: 0 hidden, 1 standard, 2 advanced.
	ParamSpec struct {
		Default  any     `bson:"default" json:"default"`
		Min      float64 `bson:"min,omitempty" json:"min,omitempty"`
		Max      float64 `bson:"max,omitempty" json:"max,omitempty"`
		Level    int     `bson:"level" json:"level"`
		Required bool    `bson:"required,omitempty" json:"required,omitempty"`
	}

	// Pricing carries per-million-token USD rates. Reasoning tokens bill at
	// the output rate, so no separate field exists for them.
	Pricing struct {
		InputPerM      float64 `bson:"input_cost" json:"input_cost"`
		OutputPerM     float64 `bson:"output_cost" json:"output_cost"`
		CachedPerM     float64 `bson:"cached_cost" json:"cached_cost"`
		CacheReadPerM  float64 `bson:"caching_read_cost" json:"caching_read_cost"`
		CacheWritePerM float64 `bson:"caching_write_cost" json:"caching_write_cost"`
	}

	// ModelConfig is one catalog row.
	ModelConfig struct {
		Service Service              `bson:"service" json:"service"`
		Model   string               `bson:"model" json:"model"`
		Params  map[string]ParamSpec `bson:"configuration" json:"configuration"`
		Pricing Pricing              `bson:"pricing" json:"pricing"`

		// Capability flags.
		ToolSupport      bool `bson:"tool_support" json:"tool_support"`
		VisionSupport    bool `bson:"vision_support" json:"vision_support"`
		ReasoningModel   bool `bson:"reasoning_model" json:"reasoning_model"`
		StreamingSupport bool `bson:"streaming_support" json:"streaming_support"`
		BatchSupport     bool `bson:"batch_support" json:"batch_support"`

		// CallType is "default", "embedding" or "image".
		CallType string `bson:"call_type" json:"call_type"`
	}

	// Snapshot is an immutable view of the catalog. Lookups never block on
	// refreshes; the snapshot pointer is swapped atomically under a mutex.
	Snapshot struct {
		mu     sync.RWMutex
		models map[string]*ModelConfig
	}
)

const (
	ServiceOpenAI           Service = "openai"
	ServiceOpenAICompletion Service = "openai_completion"
	ServiceAnthropic        Service = "anthropic"
	ServiceGemini           Service = "gemini"
	ServiceGroq             Service = "groq"
	ServiceGrok             Service = "grok"
	ServiceOpenRouter       Service = "open_router"
	ServiceMistral          Service = "mistral"
	ServiceAIML             Service = "ai_ml"
)

// Services lists every routable service.
var Services = []Service{
	ServiceOpenAI, ServiceOpenAICompletion, ServiceAnthropic, ServiceGemini,
	ServiceGroq, ServiceGrok, ServiceOpenRouter, ServiceMistral, ServiceAIML,
}

// Canonical maps aliases a caller may send onto the routable service name.
// "openai_response" is the public name of the Responses-API service; it routes
// as "openai".
func Canonical(s string) (Service, error) {
	switch s {
	case "openai_response":
		return ServiceOpenAI, nil
	}
	for _, known := range Services {
		if Service(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown service %q", s)
}

// OpenAICompatible reports whether the service speaks the OpenAI
// chat-completions wire protocol behind a base URL.
func OpenAICompatible(s Service) bool {
	switch s {
	case ServiceOpenAICompletion, ServiceGroq, ServiceGrok, ServiceOpenRouter, ServiceMistral, ServiceAIML:
		return true
	}
	return false
}

// Cost computes the USD charge for one call. Every bucket bills additively:
// the full input at the input rate, cached tokens at the cached rate on top,
// reasoning tokens at the output rate.
func (p Pricing) Cost(input, output, cached, reasoning, cacheRead, cacheWrite int) float64 {
	const m = 1_000_000
	return float64(input)*p.InputPerM/m +
		float64(output)*p.OutputPerM/m +
		float64(cached)*p.CachedPerM/m +
		float64(reasoning)*p.OutputPerM/m +
		float64(cacheRead)*p.CacheReadPerM/m +
		float64(cacheWrite)*p.CacheWritePerM/m
}

func modelKey(service Service, model string) string {
	return string(service) + "/" + strings.TrimSpace(model)
}

// NewSnapshot builds a snapshot from catalog rows. Later rows win on
// duplicate (service, model) pairs.
func NewSnapshot(rows []*ModelConfig) *Snapshot {
	s := &Snapshot{models: make(map[string]*ModelConfig, len(rows))}
	for _, r := range rows {
		if r == nil || r.Model == "" {
			continue
		}
		s.models[modelKey(r.Service, r.Model)] = r
	}
	return s
}

// Lookup returns the catalog row for (service, model).
func (s *Snapshot) Lookup(service Service, model string) (*ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.models[modelKey(service, model)]
	if !ok {
		return nil, fmt.Errorf("model %q is not configured for service %q", model, service)
	}
	return mc, nil
}

// Replace swaps the snapshot contents with rows.
func (s *Snapshot) Replace(rows []*ModelConfig) {
	next := make(map[string]*ModelConfig, len(rows))
	for _, r := range rows {
		if r == nil || r.Model == "" {
			continue
		}
		next[modelKey(r.Service, r.Model)] = r
	}
	s.mu.Lock()
	s.models = next
	s.mu.Unlock()
}

// Models returns the rows for one service sorted by model name. Used by the
// config surface to list what a caller may pick.
func (s *Snapshot) Models(service Service) []*ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ModelConfig
	for _, mc := range s.models {
		if mc.Service == service {
			out = append(out, mc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Len reports the number of configured models.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}
