package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/cache"
)

type (
	// TokenUsage is the per-call token and cost triple stored with a log row.
	TokenUsage struct {
		InputTokens  int     `bson:"input_tokens" json:"input_tokens"`
		OutputTokens int     `bson:"output_tokens" json:"output_tokens"`
		ExpectedCost float64 `bson:"expected_cost" json:"expected_cost"`
	}

	// ConversationLog is one consolidated request/response record.
	ConversationLog struct {
		LLMMessage        string         `bson:"llm_message"`
		User              string         `bson:"user"`
		ChatbotMessage    string         `bson:"chatbot_message"`
		UpdatedLLMMessage *string        `bson:"updated_llm_message"`
		Error             *string        `bson:"error"`
		UserFeedback      int            `bson:"user_feedback"`
		ToolsCallData     []any          `bson:"tools_call_data"`
		MessageID         string         `bson:"message_id"`
		SubThreadID       string         `bson:"sub_thread_id"`
		ThreadID          string         `bson:"thread_id"`
		VersionID         string         `bson:"version_id"`
		UserURLs          []any          `bson:"user_urls"`
		LLMURLs           []any          `bson:"llm_urls"`
		AIConfig          map[string]any `bson:"AiConfig"`
		FallbackModel     map[string]any `bson:"fallback_model"`
		OrgID             string         `bson:"org_id"`
		Service           string         `bson:"service"`
		Model             string         `bson:"model"`
		Status            bool           `bson:"status"`
		Tokens            TokenUsage     `bson:"tokens"`
		Variables         map[string]any `bson:"variables"`
		Latency           map[string]any `bson:"latency"`
		FirstAttemptError *string        `bson:"firstAttemptError"`
		FinishReason      string         `bson:"finish_reason"`
		ParentID          string         `bson:"parent_id"`
		ChildID           string         `bson:"child_id"`
		BridgeID          string         `bson:"bridge_id"`
		Prompt            string         `bson:"prompt"`
		CreatedAt         time.Time      `bson:"created_at"`
	}

	// OrchestratorLog aggregates one multi-agent turn. The map fields key
	// per-agent values by bridge id; AgentsPath is the visit order.
	OrchestratorLog struct {
		LLMMessage        map[string]string     `bson:"llm_message"`
		User              map[string]string     `bson:"user"`
		ChatbotMessage    map[string]string     `bson:"chatbot_message"`
		Prompt            map[string]string     `bson:"prompt"`
		Error             map[string]*string    `bson:"error"`
		ToolsCallData     map[string][]any      `bson:"tools_call_data"`
		MessageID         map[string]string     `bson:"message_id"`
		VersionID         map[string]string     `bson:"version_id"`
		BridgeID          map[string]string     `bson:"bridge_id"`
		Model             map[string]string     `bson:"model"`
		Status            map[string]bool       `bson:"status"`
		Tokens            map[string]TokenUsage `bson:"tokens"`
		Variables         map[string]any        `bson:"variables"`
		Latency           map[string]float64    `bson:"latency"`
		FirstAttemptError map[string]*string    `bson:"firstAttemptError"`
		FinishReason      map[string]string     `bson:"finish_reason"`
		AgentsPath        []string              `bson:"agents_path"`
		SubThreadID       string                `bson:"sub_thread_id"`
		ThreadID          string                `bson:"thread_id"`
		OrgID             string                `bson:"org_id"`
		Service           string                `bson:"service"`
		CreatedAt         time.Time             `bson:"created_at"`
	}

	// MetricsRow is one usage sample for the reporting tables.
	MetricsRow struct {
		OrgID        string    `bson:"org_id"`
		BridgeID     string    `bson:"bridge_id"`
		VersionID    string    `bson:"version_id"`
		ThreadID     string    `bson:"thread_id"`
		Model        string    `bson:"model"`
		InputTokens  float64   `bson:"input_tokens"`
		OutputTokens float64   `bson:"output_tokens"`
		TotalTokens  float64   `bson:"total_tokens"`
		APIKeyID     string    `bson:"apikey_id"`
		CreatedAt    time.Time `bson:"created_at"`
		Latency      float64   `bson:"latency"`
		Success      bool      `bson:"success"`
		Cost         float64   `bson:"cost"`
		TimeZone     string    `bson:"time_zone"`
		Service      string    `bson:"service"`
	}
)

// SaveConversationLog persists one consolidated log row.
func (s *Store) SaveConversationLog(ctx context.Context, row *ConversationLog) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err = s.logs.InsertOne(ctx, row)
	return err
}

// RecentConversation rebuilds the rolling chat window from the last stored
// log rows for a sub-thread, oldest first. Used to rehydrate the Redis window
// after it expires.
func (s *Store) RecentConversation(ctx context.Context, threadID, subThreadID string, pairs int) ([]cache.Turn, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"thread_id": threadID, "sub_thread_id": subThreadID, "status": true}
	opts := options.Find().SetSort(bson.M{"created_at": -1}).SetLimit(int64(pairs))
	cur, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var rows []ConversationLog
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	window := make([]cache.Turn, 0, 2*len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		user := cache.NewTurn("user", row.User)
		user.URLs = row.UserURLs
		assistant := cache.NewTurn("assistant", row.ChatbotMessage)
		if len(row.ToolsCallData) > 0 {
			assistant.ToolsCallData = row.ToolsCallData
		}
		window = append(window, user, assistant)
	}
	return window, nil
}

// SaveOrchestratorLog persists one aggregated multi-agent row.
func (s *Store) SaveOrchestratorLog(ctx context.Context, row *OrchestratorLog) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err = s.orchestrator.InsertOne(ctx, row)
	return err
}

// SaveMetrics inserts the usage samples. Rows without an org id are skipped.
func (s *Store) SaveMetrics(ctx context.Context, rows []MetricsRow) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for i := range rows {
		if rows[i].OrgID == "" {
			continue
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = time.Now().UTC()
		}
		if _, err := s.metrics.InsertOne(ctx, rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// AddTotalTokens rolls the call's token count into the bridge document and
// drops the joined-bridge cache entry so the next read sees the new total.
func (s *Store) AddTotalTokens(ctx context.Context, bridgeID string, tokens int) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	tctx, cancel := s.withTimeout(ctx)
	_, err = s.bridges.UpdateOne(tctx,
		bson.M{"_id": idValue(bridgeID)},
		bson.M{"$inc": bson.M{"total_tokens": tokens}},
	)
	cancel()
	release()
	if err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.BridgeWithToolsKey(bridgeID)); err != nil {
			log.Errorf(ctx, err, "drop bridge cache %s", bridgeID)
		}
	}
	return nil
}

// SaveSubThread upserts the sub-thread record, setting the display name when
// one was generated.
func (s *Store) SaveSubThread(ctx context.Context, orgID, threadID, subThreadID, displayName, bridgeID string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{"bridge_id": bridgeID}
	if displayName != "" {
		set["display_name"] = displayName
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"org_id":        orgID,
			"thread_id":     threadID,
			"sub_thread_id": subThreadID,
			"created_at":    time.Now().UTC(),
		},
	}
	filter := bson.M{
		"org_id":        orgID,
		"thread_id":     threadID,
		"sub_thread_id": subThreadID,
		"bridge_id":     bridgeID,
	}
	_, err = s.threads.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
