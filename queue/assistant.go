package queue

import (
	"context"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

// AdapterRegistry resolves the adapter for a service.
type AdapterRegistry interface {
	Adapter(service catalog.Service) (providers.Adapter, error)
}

// ChatAssistant runs utility completions on the reserved chatbot model.
// Implements Assistant.
type ChatAssistant struct {
	adapters AdapterRegistry
	model    string
	apiKey   string
}

// assistantModel is the fixed utility model.
const assistantModel = "gpt-5-nano"

// NewChatAssistant builds a ChatAssistant over the platform chatbot key.
func NewChatAssistant(adapters AdapterRegistry, apiKey string) *ChatAssistant {
	return &ChatAssistant{adapters: adapters, model: assistantModel, apiKey: apiKey}
}

// Complete runs one system+user exchange and returns the raw content.
func (a *ChatAssistant) Complete(ctx context.Context, system, user string) (string, error) {
	adapter, err := a.adapters.Adapter(catalog.ServiceOpenAI)
	if err != nil {
		return "", err
	}
	result, err := adapter.Chat(ctx, &providers.ChatRequest{
		Model:  a.model,
		APIKey: a.apiKey,
		System: system,
		User:   user,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
