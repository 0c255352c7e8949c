// Package history persists completed turns: the consolidated conversation
// log row, the orchestrator row for multi-agent chains, usage metrics and the
// rolling Redis conversation window.
package history

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/cache"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/engine"
	"github.com/gtwy-ai/gateway/store"
)

type (
	// LogStore is the slice of the Mongo store the recorder writes through.
	LogStore interface {
		SaveConversationLog(ctx context.Context, row *store.ConversationLog) error
		SaveOrchestratorLog(ctx context.Context, row *store.OrchestratorLog) error
		SaveMetrics(ctx context.Context, rows []store.MetricsRow) error
	}

	// ConversationCache is the slice of the Redis facade the recorder needs.
	ConversationCache interface {
		Conversation(ctx context.Context, versionID, threadID, subThreadID string) ([]cache.Turn, error)
		SaveConversation(ctx context.Context, versionID, threadID, subThreadID string, window []cache.Turn) error
		OrgInfo(ctx context.Context, orgID string) (*cache.OrgInfo, bool, error)
	}

	// Recorder persists turns.
	Recorder struct {
		store LogStore
		cache ConversationCache
	}

	// Turn is the request context one completed turn executed under.
	Turn struct {
		OrgID       string
		BridgeID    string
		VersionID   string
		ThreadID    string
		SubThreadID string

		User     string
		UserURLs []any

		Service  catalog.Service
		Model    string
		APIKeyID string

		Variables map[string]any

		// Orchestrator marks turns whose transfer chain should collapse into
		// a single orchestrator document instead of per-agent rows.
		Orchestrator bool

		Response *engine.Response
		Err      error
	}
)

// defaultTimezone stamps metrics rows when the org has no cached timezone.
const defaultTimezone = "Asia/Kolkata"

// New builds a Recorder. cache may be nil when no conversation window is
// kept (embed calls, batch rows).
func New(s LogStore, c ConversationCache) *Recorder {
	return &Recorder{store: s, cache: c}
}

// Record persists one turn end to end. Orchestrator chains of more than one
// hop get a single orchestrator row; other chains get one conversation row per
// agent, linked by parent and child ids; plain turns get one conversation row.
// Metrics and the conversation window follow in every case. Persistence
// failures are logged and returned but never partial-abort: later writes
// still run.
func (r *Recorder) Record(ctx context.Context, t *Turn) error {
	var firstErr error
	save := func(err error, what string) {
		if err != nil {
			log.Errorf(ctx, err, "persist %s", what)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	switch {
	case t.Response != nil && len(t.Response.Chain) > 1 && t.Orchestrator:
		save(r.store.SaveOrchestratorLog(ctx, r.orchestratorRow(t)), "orchestrator log")
	case t.Response != nil && len(t.Response.Chain) > 1:
		for _, row := range r.chainRows(t) {
			save(r.store.SaveConversationLog(ctx, row), "conversation log")
		}
	default:
		save(r.store.SaveConversationLog(ctx, r.conversationRow(t)), "conversation log")
	}
	save(r.store.SaveMetrics(ctx, r.metricsRows(ctx, t)), "metrics")
	save(r.appendWindow(ctx, t), "conversation window")
	return firstErr
}

// conversationRow maps one turn onto the consolidated log document.
func (r *Recorder) conversationRow(t *Turn) *store.ConversationLog {
	row := &store.ConversationLog{
		User:        t.User,
		UserURLs:    t.UserURLs,
		OrgID:       t.OrgID,
		BridgeID:    t.BridgeID,
		VersionID:   t.VersionID,
		ThreadID:    t.ThreadID,
		SubThreadID: t.SubThreadID,
		Service:     string(t.Service),
		Model:       t.Model,
		Variables:   t.Variables,
		Status:      t.Err == nil,
		CreatedAt:   time.Now().UTC(),
	}
	if t.Err != nil {
		msg := t.Err.Error()
		row.Error = &msg
		return row
	}

	resp := t.Response
	row.LLMMessage = resp.Data.Content
	row.ChatbotMessage = resp.Data.Content
	row.MessageID = resp.Data.MessageID
	row.FinishReason = string(resp.Data.FinishReason)
	row.Prompt = resp.Prompt
	row.AIConfig = resp.AIConfig
	row.Latency = latencyMap(resp.Latency)
	row.Tokens = store.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		ExpectedCost: resp.Usage.Cost,
	}
	if resp.Data.Model != "" {
		row.Model = resp.Data.Model
	}
	row.ToolsCallData = toolsData(resp.Data.ToolsData)
	if resp.Data.Fallback {
		row.FallbackModel = map[string]any{"model": resp.Data.Model, "service": string(t.Service)}
	}
	if resp.Data.FirstAttemptError != "" {
		fae := resp.Data.FirstAttemptError
		row.FirstAttemptError = &fae
	}
	return row
}

// chainRows maps every hop of a transfer chain onto its own conversation
// document. Rows link through parent and child bridge ids in chain order.
func (r *Recorder) chainRows(t *Turn) []*store.ConversationLog {
	chain := t.Response.Chain
	now := time.Now().UTC()
	rows := make([]*store.ConversationLog, 0, len(chain))
	for i, hop := range chain {
		hr := hop.Response
		row := &store.ConversationLog{
			User:        hop.Query,
			OrgID:       t.OrgID,
			BridgeID:    hop.BridgeID,
			VersionID:   t.VersionID,
			ThreadID:    t.ThreadID,
			SubThreadID: t.SubThreadID,
			Service:     string(t.Service),
			Model:       hr.Data.Model,
			Variables:   t.Variables,
			Status:      true,
			CreatedAt:   now,

			LLMMessage:     hr.Data.Content,
			ChatbotMessage: hr.Data.Content,
			MessageID:      hr.Data.MessageID,
			FinishReason:   string(hr.Data.FinishReason),
			Prompt:         hr.Prompt,
			AIConfig:       hr.AIConfig,
			Latency:        latencyMap(hr.Latency),
			Tokens: store.TokenUsage{
				InputTokens:  hr.Usage.InputTokens,
				OutputTokens: hr.Usage.OutputTokens,
				ExpectedCost: hr.Usage.Cost,
			},
			ToolsCallData: toolsData(hr.Data.ToolsData),
		}
		if i == 0 {
			row.UserURLs = t.UserURLs
		}
		if i > 0 {
			row.ParentID = chain[i-1].BridgeID
		}
		if i < len(chain)-1 {
			row.ChildID = chain[i+1].BridgeID
		}
		if hr.Data.FirstAttemptError != "" {
			fae := hr.Data.FirstAttemptError
			row.FirstAttemptError = &fae
		}
		rows = append(rows, row)
	}
	return rows
}

// orchestratorRow aggregates the hops of a transfer chain into one document
// keyed by bridge id.
func (r *Recorder) orchestratorRow(t *Turn) *store.OrchestratorLog {
	resp := t.Response
	row := &store.OrchestratorLog{
		LLMMessage:        make(map[string]string),
		User:              make(map[string]string),
		ChatbotMessage:    make(map[string]string),
		Prompt:            make(map[string]string),
		Error:             make(map[string]*string),
		ToolsCallData:     make(map[string][]any),
		MessageID:         make(map[string]string),
		VersionID:         make(map[string]string),
		BridgeID:          make(map[string]string),
		Model:             make(map[string]string),
		Status:            make(map[string]bool),
		Tokens:            make(map[string]store.TokenUsage),
		Variables:         t.Variables,
		Latency:           make(map[string]float64),
		FirstAttemptError: make(map[string]*string),
		FinishReason:      make(map[string]string),
		SubThreadID:       t.SubThreadID,
		ThreadID:          t.ThreadID,
		OrgID:             t.OrgID,
		Service:           string(t.Service),
		CreatedAt:         time.Now().UTC(),
	}
	for _, hop := range resp.Chain {
		id := hop.BridgeID
		hr := hop.Response
		row.AgentsPath = append(row.AgentsPath, id)
		row.BridgeID[id] = id
		row.User[id] = hop.Query
		row.LLMMessage[id] = hr.Data.Content
		row.ChatbotMessage[id] = hr.Data.Content
		row.Prompt[id] = hr.Prompt
		row.MessageID[id] = hr.Data.MessageID
		row.Model[id] = hr.Data.Model
		row.Status[id] = true
		row.FinishReason[id] = string(hr.Data.FinishReason)
		row.Latency[id] = hr.Latency.OverAllTime
		row.ToolsCallData[id] = toolsData(hr.Data.ToolsData)
		row.Tokens[id] = store.TokenUsage{
			InputTokens:  hr.Usage.InputTokens,
			OutputTokens: hr.Usage.OutputTokens,
			ExpectedCost: hr.Usage.Cost,
		}
		if hr.Data.FirstAttemptError != "" {
			fae := hr.Data.FirstAttemptError
			row.FirstAttemptError[id] = &fae
		}
	}
	return row
}

// metricsRows emits one usage sample per hop (or one for a plain turn).
func (r *Recorder) metricsRows(ctx context.Context, t *Turn) []store.MetricsRow {
	tz := r.timezone(ctx, t.OrgID)
	base := store.MetricsRow{
		OrgID:     t.OrgID,
		BridgeID:  t.BridgeID,
		VersionID: t.VersionID,
		ThreadID:  t.ThreadID,
		Model:     t.Model,
		APIKeyID:  t.APIKeyID,
		CreatedAt: time.Now().UTC(),
		TimeZone:  tz,
		Service:   string(t.Service),
	}
	if t.Err != nil {
		base.Success = false
		return []store.MetricsRow{base}
	}

	resp := t.Response
	if len(resp.Chain) > 1 {
		rows := make([]store.MetricsRow, 0, len(resp.Chain))
		for _, hop := range resp.Chain {
			row := base
			row.BridgeID = hop.BridgeID
			row.Success = true
			fill(&row, hop.Response)
			rows = append(rows, row)
		}
		return rows
	}
	base.Success = true
	fill(&base, resp)
	return []store.MetricsRow{base}
}

func fill(row *store.MetricsRow, resp *engine.Response) {
	row.InputTokens = float64(resp.Usage.InputTokens)
	row.OutputTokens = float64(resp.Usage.OutputTokens)
	row.TotalTokens = float64(resp.Usage.TotalTokens)
	row.Cost = resp.Usage.Cost
	row.Latency = resp.Latency.OverAllTime
	if resp.Data.Model != "" {
		row.Model = resp.Data.Model
	}
}

// appendWindow adds the user/assistant pair to the rolling Redis window.
// Failed turns and threadless calls leave the window untouched.
func (r *Recorder) appendWindow(ctx context.Context, t *Turn) error {
	if r.cache == nil || t.Err != nil || t.ThreadID == "" || t.Response == nil {
		return nil
	}
	window, err := r.cache.Conversation(ctx, t.VersionID, t.ThreadID, t.SubThreadID)
	if err != nil {
		return err
	}
	user := cache.NewTurn("user", t.User)
	user.URLs = t.UserURLs
	assistant := cache.NewTurn("assistant", t.Response.Data.Content)
	if len(t.Response.Data.ToolsData) > 0 {
		assistant.ToolsCallData = t.Response.Data.ToolsData
	}
	window = cache.AppendTurns(window, user, assistant)
	return r.cache.SaveConversation(ctx, t.VersionID, t.ThreadID, t.SubThreadID, window)
}

// timezone returns the org's cached timezone, defaulting when unknown.
func (r *Recorder) timezone(ctx context.Context, orgID string) string {
	if r.cache == nil || orgID == "" {
		return defaultTimezone
	}
	info, ok, err := r.cache.OrgInfo(ctx, orgID)
	if err != nil || !ok || info.Timezone == "" {
		return defaultTimezone
	}
	return info.Timezone
}

// latencyMap flattens the timing breakdown into the stored document shape.
func latencyMap(lat engine.Latency) map[string]any {
	logs := make([]map[string]any, 0, len(lat.FunctionTimeLogs))
	for _, f := range lat.FunctionTimeLogs {
		logs = append(logs, map[string]any{"step": f.Step, "time_taken": f.TimeTaken})
	}
	return map[string]any{
		"over_all_time":        lat.OverAllTime,
		"model_execution_time": lat.ModelExecutionTime,
		"execution_time_logs":  lat.ExecutionTimeLogs,
		"function_time_logs":   logs,
	}
}

func toolsData(rounds []map[string]any) []any {
	if len(rounds) == 0 {
		return nil
	}
	out := make([]any, len(rounds))
	for i, r := range rounds {
		out[i] = r
	}
	return out
}
