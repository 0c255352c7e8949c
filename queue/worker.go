package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/cache"
	"github.com/gtwy-ai/gateway/engine"
	"github.com/gtwy-ai/gateway/history"
	"github.com/gtwy-ai/gateway/notify"
)

type (
	// Runner executes one resolved turn. Implemented by *engine.Engine.
	Runner interface {
		Execute(ctx context.Context, req *engine.Request) (*engine.Response, error)
	}

	// ConfigResolver expands a bridge into executable configurations.
	ConfigResolver interface {
		Resolve(ctx context.Context, req *bridge.Request) (*bridge.Resolution, error)
	}

	// Recorder persists completed turns.
	Recorder interface {
		Record(ctx context.Context, t *history.Turn) error
	}

	// Notifier delivers results and alerts. Implemented by *notify.Client.
	Notifier interface {
		Post(ctx context.Context, url string, headers map[string]string, payload any) error
		Push(ctx context.Context, cred notify.RTLayerCred, message any) error
		SendAlert(ctx context.Context, alert notify.Alert)
	}

	// ResponseFormat names the delivery channel for an async request.
	ResponseFormat struct {
		Type    string             `json:"type"`
		Cred    notify.RTLayerCred `json:"cred"`
		URL     string             `json:"url"`
		Headers map[string]string  `json:"headers"`
	}

	// PrimaryMessage is one deferred chat request.
	PrimaryMessage struct {
		OrgID         string                    `json:"org_id"`
		BridgeID      string                    `json:"bridge_id"`
		VersionID     string                    `json:"version_id"`
		ThreadID      string                    `json:"thread_id"`
		SubThreadID   string                    `json:"sub_thread_id"`
		User          string                    `json:"user"`
		UserURLs      []any                     `json:"user_urls"`
		Service       string                    `json:"service"`
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

		ResponseFormat ResponseFormat `json:"response_format"`
	}

	// PrimaryWorker answers deferred chat requests and delivers the result
	// over the configured channel.
	PrimaryWorker struct {
		resolver ConfigResolver
		runner   Runner
		recorder Recorder
		notifier Notifier
	}

	// SecondaryMessage is the post-turn bookkeeping payload.
	SecondaryMessage struct {
		OrgID       string `json:"org_id"`
		BridgeID    string `json:"bridge_id"`
		VersionID   string `json:"version_id"`
		ThreadID    string `json:"thread_id"`
		SubThreadID string `json:"sub_thread_id"`
		MessageID   string `json:"message_id"`

		User    string `json:"user"`
		Content string `json:"content"`

		TotalTokens int  `json:"total_tokens"`
		AlertFlag   bool `json:"alert_flag"`

		GPTMemory        bool   `json:"gpt_memory"`
		GPTMemoryContext string `json:"gpt_memory_context"`

		Suggestions bool   `json:"suggestions"`
		Channel     string `json:"channel"`

		PDFIDs []string `json:"pdf_ids"`
	}

	// ThreadStore is the slice of the Mongo store the secondary worker
	// writes through.
	ThreadStore interface {
		SaveSubThread(ctx context.Context, orgID, threadID, subThreadID, displayName, bridgeID string) error
		AddTotalTokens(ctx context.Context, bridgeID string, tokens int) error
	}

	// GateCache is the slice of the Redis facade the secondary worker uses.
	GateCache interface {
		Get(ctx context.Context, key string) (string, bool, error)
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		Expire(ctx context.Context, key string, ttl time.Duration) error
	}

	// Assistant runs small utility completions: thread names, memory
	// summaries, follow-up suggestions.
	Assistant interface {
		Complete(ctx context.Context, system, user string) (string, error)
	}

	// SecondaryWorker runs the post-turn bookkeeping.
	SecondaryWorker struct {
		store     ThreadStore
		cache     GateCache
		assistant Assistant
		notifier  Notifier
	}
)

// Delivery channel types.
const (
	FormatDefault = "default"
	FormatRTLayer = "rtlayer"
	FormatWebhook = "webhook"
)

// NewPrimaryWorker builds the primary queue handler.
func NewPrimaryWorker(resolver ConfigResolver, runner Runner, recorder Recorder, notifier Notifier) *PrimaryWorker {
	return &PrimaryWorker{resolver: resolver, runner: runner, recorder: recorder, notifier: notifier}
}

// Handle resolves, executes and delivers one deferred request. Model and
// resolution failures deliver an error payload instead of redelivering: the
// caller is waiting on the channel, not on our retries.
func (w *PrimaryWorker) Handle(ctx context.Context, body []byte) error {
	var msg PrimaryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode primary message: %w", err)
	}

	res, err := w.resolver.Resolve(ctx, &bridge.Request{
		BridgeID:         msg.BridgeID,
		VersionID:        msg.VersionID,
		OrgID:            msg.OrgID,
		Service:          msg.Service,
		Configuration:    msg.Configuration,
		Variables:        msg.Variables,
		VariablesPath:    msg.VariablesPath,
		APIKey:           msg.APIKey,
		ExtraTools:       msg.ExtraTools,
		BuiltInTools:     msg.BuiltInTools,
		WebSearchFilters: msg.WebSearchFilters,
		Guardrails:       msg.Guardrails,
		Fallback:         msg.Fallback,
		ToolCallCount:    msg.ToolCallCount,
		Orchestrator:     msg.Orchestrator,
	})
	if err != nil {
		return w.deliver(ctx, msg.ResponseFormat, errorPayload(err))
	}
	cfg := res.Configs[res.PrimaryBridgeID]

	resp, runErr := w.runner.Execute(ctx, &engine.Request{
		Config:       cfg,
		Resolution:   res,
		User:         msg.User,
		OrgID:        msg.OrgID,
		ThreadID:     msg.ThreadID,
		SubThreadID:  msg.SubThreadID,
		Orchestrator: cfg.Orchestrator,
	})

	if w.recorder != nil {
		turn := &history.Turn{
			OrgID:        msg.OrgID,
			BridgeID:     cfg.BridgeID,
			VersionID:    cfg.VersionID,
			ThreadID:     msg.ThreadID,
			SubThreadID:  msg.SubThreadID,
			User:         msg.User,
			UserURLs:     msg.UserURLs,
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
		if err := w.recorder.Record(ctx, turn); err != nil {
			log.Errorf(ctx, err, "record turn for %s", cfg.BridgeID)
		}
	}

	if runErr != nil {
		return w.deliver(ctx, msg.ResponseFormat, errorPayload(runErr))
	}

	w.alerts(ctx, &msg, cfg, resp)
	return w.deliver(ctx, msg.ResponseFormat, map[string]any{
		"success": true,
		"response": map[string]any{
			"data":  resp.Data,
			"usage": resp.Usage,
		},
	})
}

// alerts fires the registered webhooks for notable turn outcomes.
func (w *PrimaryWorker) alerts(ctx context.Context, msg *PrimaryMessage, cfg *bridge.Config, resp *engine.Response) {
	if len(resp.MissingVariables) > 0 {
		w.notifier.SendAlert(ctx, notify.Alert{
			OrgID:    msg.OrgID,
			BridgeID: cfg.BridgeID,
			Type:     notify.AlertMissingVariables,
			Data: map[string]any{
				"missing_variables": resp.MissingVariables,
				"message_id":        resp.Data.MessageID,
			},
		})
	}
	if resp.Data.Fallback {
		w.notifier.SendAlert(ctx, notify.Alert{
			OrgID:    msg.OrgID,
			BridgeID: cfg.BridgeID,
			Type:     notify.AlertRetry,
			Data: map[string]any{
				"model":             resp.Data.Model,
				"firstAttemptError": resp.Data.FirstAttemptError,
				"message_id":        resp.Data.MessageID,
			},
		})
	}
}

func (w *PrimaryWorker) deliver(ctx context.Context, f ResponseFormat, payload any) error {
	switch f.Type {
	case FormatRTLayer:
		return w.notifier.Push(ctx, f.Cred, payload)
	case FormatWebhook:
		return w.notifier.Post(ctx, f.URL, f.Headers, payload)
	}
	return nil
}

func errorPayload(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

// threadNamePrompt asks the utility model for a short conversation title.
const threadNamePrompt = "Generate a short title (at most 5 words) summarizing what the user wants. Reply with the title only, no quotes."

// memoryPrompt asks the utility model to fold the latest exchange into the
// running long-term memory.
const memoryPrompt = "You maintain a running memory of facts about the user and their goals. Merge the new exchange into the existing memory. Reply with the updated memory only."

// suggestionsPrompt asks for follow-up questions the user might send next.
const suggestionsPrompt = `Suggest up to 3 short follow-up messages the user might send next. Reply with ONLY a JSON array of strings.`

// NewSecondaryWorker builds the secondary queue handler. assistant may be
// nil, which disables thread naming, memory and suggestions.
func NewSecondaryWorker(store ThreadStore, c GateCache, assistant Assistant, notifier Notifier) *SecondaryWorker {
	return &SecondaryWorker{store: store, cache: c, assistant: assistant, notifier: notifier}
}

// Handle runs every bookkeeping step for one finished turn. Steps are
// independent; the first failure is returned after the rest ran.
func (w *SecondaryWorker) Handle(ctx context.Context, body []byte) error {
	var msg SecondaryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode secondary message: %w", err)
	}

	var firstErr error
	keep := func(err error, what string) {
		if err != nil {
			log.Errorf(ctx, err, "%s for %s", what, msg.BridgeID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if msg.ThreadID != "" {
		keep(w.nameThread(ctx, &msg), "thread naming")
	}
	if msg.TotalTokens > 0 {
		keep(w.store.AddTotalTokens(ctx, msg.BridgeID, msg.TotalTokens), "token roll-up")
	}
	if msg.AlertFlag && w.notifier != nil {
		w.notifier.SendAlert(ctx, notify.Alert{
			OrgID:    msg.OrgID,
			BridgeID: msg.BridgeID,
			Type:     notify.AlertHallucination,
			Data:     map[string]any{"message_id": msg.MessageID},
		})
	}
	if msg.GPTMemory {
		keep(w.updateMemory(ctx, &msg), "memory update")
	}
	if msg.Suggestions && msg.Channel != "" {
		keep(w.suggest(ctx, &msg), "suggestions")
	}
	for _, id := range msg.PDFIDs {
		keep(w.cache.Expire(ctx, cache.PDFURLKey(id), cache.FilesTTL), "pdf refresh")
	}
	return firstErr
}

// nameThread generates a display name for new sub-threads. A 48 hour gate
// key ensures one generation per sub-thread; later turns only refresh the
// bridge linkage.
func (w *SecondaryWorker) nameThread(ctx context.Context, msg *SecondaryMessage) error {
	gate := cache.SubThreadKey(msg.OrgID, msg.BridgeID, msg.ThreadID, msg.SubThreadID)
	_, seen, err := w.cache.Get(ctx, gate)
	if err != nil {
		return err
	}
	if seen {
		return w.store.SaveSubThread(ctx, msg.OrgID, msg.ThreadID, msg.SubThreadID, "", msg.BridgeID)
	}

	var name string
	if w.assistant != nil {
		name, err = w.assistant.Complete(ctx, threadNamePrompt, msg.User)
		if err != nil {
			log.Errorf(ctx, err, "thread name generation")
			name = ""
		}
		name = strings.Trim(strings.TrimSpace(name), `"`)
	}
	if name == "" {
		name = fallbackName(msg.User)
	}
	if err := w.store.SaveSubThread(ctx, msg.OrgID, msg.ThreadID, msg.SubThreadID, name, msg.BridgeID); err != nil {
		return err
	}
	return w.cache.Set(ctx, gate, "1", cache.DefaultTTL)
}

// fallbackName truncates the user message when no generated name exists.
func fallbackName(user string) string {
	name := strings.TrimSpace(user)
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

// updateMemory folds the latest exchange into the thread's long-term memory.
func (w *SecondaryWorker) updateMemory(ctx context.Context, msg *SecondaryMessage) error {
	if w.assistant == nil {
		return nil
	}
	key := cache.GPTMemoryKey(msg.BridgeID, msg.ThreadID)
	existing, _, err := w.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	prompt := memoryPrompt
	if msg.GPTMemoryContext != "" {
		prompt += "\n\nGuidance: " + msg.GPTMemoryContext
	}
	if existing != "" {
		prompt += "\n\nExisting memory:\n" + existing
	}
	updated, err := w.assistant.Complete(ctx, prompt, "user: "+msg.User+"\nassistant: "+msg.Content)
	if err != nil {
		return err
	}
	return w.cache.Set(ctx, key, strings.TrimSpace(updated), cache.ConversationTTL)
}

// suggest pushes follow-up suggestions to the caller's RTLayer channel.
func (w *SecondaryWorker) suggest(ctx context.Context, msg *SecondaryMessage) error {
	if w.assistant == nil || w.notifier == nil {
		return nil
	}
	raw, err := w.assistant.Complete(ctx, suggestionsPrompt, "user: "+msg.User+"\nassistant: "+msg.Content)
	if err != nil {
		return err
	}
	var suggestions []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &suggestions); err != nil {
		return fmt.Errorf("suggestions not a JSON array: %w", err)
	}
	return w.notifier.Push(ctx, notify.RTLayerCred{Channel: msg.Channel}, map[string]any{
		"type":        "suggestions",
		"message_id":  msg.MessageID,
		"suggestions": suggestions,
	})
}
