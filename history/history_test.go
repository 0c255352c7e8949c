package history

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/cache"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/engine"
	"github.com/gtwy-ai/gateway/store"
)

type fakeLogStore struct {
	conv    []*store.ConversationLog
	orch    []*store.OrchestratorLog
	metrics [][]store.MetricsRow
	convErr error
}

func (f *fakeLogStore) SaveConversationLog(ctx context.Context, row *store.ConversationLog) error {
	f.conv = append(f.conv, row)
	return f.convErr
}

func (f *fakeLogStore) SaveOrchestratorLog(ctx context.Context, row *store.OrchestratorLog) error {
	f.orch = append(f.orch, row)
	return nil
}

func (f *fakeLogStore) SaveMetrics(ctx context.Context, rows []store.MetricsRow) error {
	f.metrics = append(f.metrics, rows)
	return nil
}

type fakeConvCache struct {
	window []cache.Turn
	saved  []cache.Turn
	org    *cache.OrgInfo
}

func (f *fakeConvCache) Conversation(ctx context.Context, v, t, s string) ([]cache.Turn, error) {
	return f.window, nil
}

func (f *fakeConvCache) SaveConversation(ctx context.Context, v, t, s string, window []cache.Turn) error {
	f.saved = window
	return nil
}

func (f *fakeConvCache) OrgInfo(ctx context.Context, orgID string) (*cache.OrgInfo, bool, error) {
	return f.org, f.org != nil, nil
}

func okResponse() *engine.Response {
	return &engine.Response{
		Data: engine.ResponseData{
			Content:      "All done.",
			Model:        "gpt-4o",
			MessageID:    "m1",
			FinishReason: "completed",
			ToolsData:    []map[string]any{{"c1": map[string]any{"name": "get_weather"}}},
		},
		Usage:   engine.UsageData{InputTokens: 100, OutputTokens: 20, TotalTokens: 120, Cost: 0.002},
		Latency: engine.Latency{OverAllTime: 1.25, ModelExecutionTime: 1.0},
		Prompt:  "rendered prompt",
	}
}

func testTurn() *Turn {
	return &Turn{
		OrgID:       "org1",
		BridgeID:    "b1",
		VersionID:   "v1",
		ThreadID:    "t1",
		SubThreadID: "s1",
		User:        "do the thing",
		Service:     catalog.ServiceOpenAI,
		Model:       "gpt-4o",
		APIKeyID:    "k1",
		Variables:   map[string]any{"name": "Ada"},
		Response:    okResponse(),
	}
}

func TestRecordConversationRow(t *testing.T) {
	st := &fakeLogStore{}
	cc := &fakeConvCache{}
	r := New(st, cc)

	require.NoError(t, r.Record(context.Background(), testTurn()))

	require.Len(t, st.conv, 1)
	row := st.conv[0]
	assert.Equal(t, "All done.", row.LLMMessage)
	assert.Equal(t, "do the thing", row.User)
	assert.Equal(t, "m1", row.MessageID)
	assert.Equal(t, "openai", row.Service)
	assert.True(t, row.Status)
	assert.Equal(t, 100, row.Tokens.InputTokens)
	assert.InDelta(t, 0.002, row.Tokens.ExpectedCost, 1e-9)
	assert.Equal(t, 1.25, row.Latency["over_all_time"])
	require.Len(t, row.ToolsCallData, 1)
	assert.Empty(t, st.orch)

	require.Len(t, st.metrics, 1)
	m := st.metrics[0][0]
	assert.Equal(t, "org1", m.OrgID)
	assert.Equal(t, 120.0, m.TotalTokens)
	assert.Equal(t, "Asia/Kolkata", m.TimeZone)
	assert.True(t, m.Success)

	require.Len(t, cc.saved, 2)
	assert.Equal(t, "user", cc.saved[0].Role)
	assert.Equal(t, "do the thing", cc.saved[0].Content)
	assert.Equal(t, "assistant", cc.saved[1].Role)
	assert.NotNil(t, cc.saved[1].ToolsCallData)
}

func TestRecordFailureRow(t *testing.T) {
	st := &fakeLogStore{}
	cc := &fakeConvCache{}
	r := New(st, cc)

	turn := testTurn()
	turn.Response = nil
	turn.Err = errors.New("model unavailable")
	require.NoError(t, r.Record(context.Background(), turn))

	require.Len(t, st.conv, 1)
	row := st.conv[0]
	assert.False(t, row.Status)
	require.NotNil(t, row.Error)
	assert.Equal(t, "model unavailable", *row.Error)

	m := st.metrics[0][0]
	assert.False(t, m.Success)
	assert.Empty(t, cc.saved, "failed turns never touch the window")
}

func TestRecordOrchestratorChain(t *testing.T) {
	st := &fakeLogStore{}
	cc := &fakeConvCache{}
	r := New(st, cc)

	parentResp := okResponse()
	parentResp.Data.Content = "Query is successfully transferred to agent billing"
	childResp := okResponse()
	childResp.Data.Content = "Refund issued."
	final := childResp
	final.Chain = []engine.ChainEntry{
		{BridgeID: "b1", Query: "refund", Response: parentResp},
		{BridgeID: "b-billing", Query: "refund order 42", Response: childResp},
	}

	turn := testTurn()
	turn.Response = final
	turn.Orchestrator = true
	require.NoError(t, r.Record(context.Background(), turn))

	assert.Empty(t, st.conv)
	require.Len(t, st.orch, 1)
	row := st.orch[0]
	assert.Equal(t, []string{"b1", "b-billing"}, row.AgentsPath)
	assert.Equal(t, "refund order 42", row.User["b-billing"])
	assert.Equal(t, "Refund issued.", row.LLMMessage["b-billing"])
	assert.Equal(t, 100, row.Tokens["b1"].InputTokens)

	require.Len(t, st.metrics, 1)
	require.Len(t, st.metrics[0], 2)
	assert.Equal(t, "b-billing", st.metrics[0][1].BridgeID)
}

func TestRecordChainPerAgentRows(t *testing.T) {
	st := &fakeLogStore{}
	cc := &fakeConvCache{}
	r := New(st, cc)

	parentResp := okResponse()
	parentResp.Data.Content = "Query is successfully transferred to agent billing"
	parentResp.Data.MessageID = "m-parent"
	childResp := okResponse()
	childResp.Data.Content = "Refund issued."
	final := childResp
	final.Chain = []engine.ChainEntry{
		{BridgeID: "b1", Query: "refund", Response: parentResp},
		{BridgeID: "b-billing", Query: "refund order 42", Response: childResp},
	}

	turn := testTurn()
	turn.Response = final
	turn.UserURLs = []any{map[string]any{"url": "https://x/y.png", "type": "image"}}
	require.NoError(t, r.Record(context.Background(), turn))

	assert.Empty(t, st.orch)
	require.Len(t, st.conv, 2)

	first, second := st.conv[0], st.conv[1]
	assert.Equal(t, "b1", first.BridgeID)
	assert.Equal(t, "refund", first.User)
	assert.Equal(t, "m-parent", first.MessageID)
	assert.Empty(t, first.ParentID)
	assert.Equal(t, "b-billing", first.ChildID)
	assert.Len(t, first.UserURLs, 1)

	assert.Equal(t, "b-billing", second.BridgeID)
	assert.Equal(t, "refund order 42", second.User)
	assert.Equal(t, "Refund issued.", second.LLMMessage)
	assert.Equal(t, "b1", second.ParentID)
	assert.Empty(t, second.ChildID)
	assert.Empty(t, second.UserURLs)

	require.Len(t, st.metrics, 1)
	require.Len(t, st.metrics[0], 2)
}

func TestRecordWindowEviction(t *testing.T) {
	st := &fakeLogStore{}
	cc := &fakeConvCache{}
	for i := 0; i < 9; i++ {
		cc.window = append(cc.window, cache.NewTurn("user", "old"))
	}
	r := New(st, cc)

	require.NoError(t, r.Record(context.Background(), testTurn()))
	assert.Len(t, cc.saved, 9, "window stays bounded")
	assert.Equal(t, "All done.", cc.saved[8].Content)
}

func TestRecordUsesCachedTimezone(t *testing.T) {
	st := &fakeLogStore{}
	cc := &fakeConvCache{org: &cache.OrgInfo{Timezone: "Europe/Berlin"}}
	r := New(st, cc)

	require.NoError(t, r.Record(context.Background(), testTurn()))
	assert.Equal(t, "Europe/Berlin", st.metrics[0][0].TimeZone)
}

func TestRecordReturnsFirstPersistError(t *testing.T) {
	st := &fakeLogStore{convErr: errors.New("mongo down")}
	r := New(st, nil)

	err := r.Record(context.Background(), testTurn())
	assert.EqualError(t, err, "mongo down")
	assert.Len(t, st.metrics, 1, "later writes still run")
}
