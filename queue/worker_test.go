package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/engine"
	"github.com/gtwy-ai/gateway/history"
	"github.com/gtwy-ai/gateway/notify"
)

type fakeResolver struct {
	res *bridge.Resolution
	err error
	req *bridge.Request
}

func (f *fakeResolver) Resolve(ctx context.Context, req *bridge.Request) (*bridge.Resolution, error) {
	f.req = req
	return f.res, f.err
}

type fakeRunner struct {
	resp *engine.Response
	err  error
	req  *engine.Request
}

func (f *fakeRunner) Execute(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	f.req = req
	return f.resp, f.err
}

type fakeRecorder struct {
	turns []*history.Turn
}

func (f *fakeRecorder) Record(ctx context.Context, t *history.Turn) error {
	f.turns = append(f.turns, t)
	return nil
}

type fakeNotifier struct {
	posted  []any
	postURL string
	pushed  []any
	channel string
	alerts  []notify.Alert
}

func (f *fakeNotifier) Post(ctx context.Context, url string, headers map[string]string, payload any) error {
	f.postURL = url
	f.posted = append(f.posted, payload)
	return nil
}

func (f *fakeNotifier) Push(ctx context.Context, cred notify.RTLayerCred, message any) error {
	f.channel = cred.Channel
	f.pushed = append(f.pushed, message)
	return nil
}

func (f *fakeNotifier) SendAlert(ctx context.Context, alert notify.Alert) {
	f.alerts = append(f.alerts, alert)
}

func primaryBody(t *testing.T, format ResponseFormat) []byte {
	t.Helper()
	b, err := json.Marshal(PrimaryMessage{
		OrgID:          "org1",
		BridgeID:       "b1",
		ThreadID:       "t1",
		User:           "hello",
		ResponseFormat: format,
	})
	require.NoError(t, err)
	return b
}

func resolvedBridge() *bridge.Resolution {
	cfg := &bridge.Config{
		BridgeID:        "b1",
		VersionID:       "v1",
		Service:         catalog.ServiceOpenAI,
		Configuration:   map[string]any{"model": "gpt-4o"},
		APIKeyObjectIDs: map[string]string{"openai": "k1"},
	}
	return &bridge.Resolution{PrimaryBridgeID: "b1", Configs: map[string]*bridge.Config{"b1": cfg}}
}

func TestPrimaryWorkerDeliversWebhook(t *testing.T) {
	runner := &fakeRunner{resp: &engine.Response{
		Data:  engine.ResponseData{Content: "hi there", MessageID: "m1"},
		Usage: engine.UsageData{TotalTokens: 12},
	}}
	rec := &fakeRecorder{}
	n := &fakeNotifier{}
	w := NewPrimaryWorker(&fakeResolver{res: resolvedBridge()}, runner, rec, n)

	err := w.Handle(context.Background(), primaryBody(t, ResponseFormat{Type: FormatWebhook, URL: "https://x/hook"}))
	require.NoError(t, err)

	assert.Equal(t, "hello", runner.req.User)
	assert.Equal(t, "https://x/hook", n.postURL)
	require.Len(t, n.posted, 1)
	payload := n.posted[0].(map[string]any)
	assert.Equal(t, true, payload["success"])

	require.Len(t, rec.turns, 1)
	assert.Equal(t, "b1", rec.turns[0].BridgeID)
	assert.Equal(t, "gpt-4o", rec.turns[0].Model)
}

func TestPrimaryWorkerDeliversRTLayer(t *testing.T) {
	runner := &fakeRunner{resp: &engine.Response{Data: engine.ResponseData{Content: "ok"}}}
	n := &fakeNotifier{}
	w := NewPrimaryWorker(&fakeResolver{res: resolvedBridge()}, runner, nil, n)

	err := w.Handle(context.Background(), primaryBody(t, ResponseFormat{Type: FormatRTLayer, Cred: notify.RTLayerCred{Channel: "ch1"}}))
	require.NoError(t, err)
	assert.Equal(t, "ch1", n.channel)
	require.Len(t, n.pushed, 1)
}

func TestPrimaryWorkerDeliversErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.New("model exploded")}
	rec := &fakeRecorder{}
	n := &fakeNotifier{}
	w := NewPrimaryWorker(&fakeResolver{res: resolvedBridge()}, runner, rec, n)

	err := w.Handle(context.Background(), primaryBody(t, ResponseFormat{Type: FormatWebhook, URL: "https://x/hook"}))
	require.NoError(t, err)

	payload := n.posted[0].(map[string]any)
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, "model exploded", payload["error"])
	require.Len(t, rec.turns, 1)
	assert.EqualError(t, rec.turns[0].Err, "model exploded")
}

func TestPrimaryWorkerFiresAlerts(t *testing.T) {
	runner := &fakeRunner{resp: &engine.Response{
		Data:             engine.ResponseData{Content: "ok", Fallback: true, FirstAttemptError: "429"},
		MissingVariables: []string{"name"},
	}}
	n := &fakeNotifier{}
	w := NewPrimaryWorker(&fakeResolver{res: resolvedBridge()}, runner, nil, n)

	require.NoError(t, w.Handle(context.Background(), primaryBody(t, ResponseFormat{Type: FormatRTLayer, Cred: notify.RTLayerCred{Channel: "ch"}})))

	require.Len(t, n.alerts, 2)
	assert.Equal(t, notify.AlertMissingVariables, n.alerts[0].Type)
	assert.Equal(t, notify.AlertRetry, n.alerts[1].Type)
}

type fakeThreadStore struct {
	saved  []string
	names  []string
	tokens map[string]int
}

func newFakeThreadStore() *fakeThreadStore {
	return &fakeThreadStore{tokens: make(map[string]int)}
}

func (f *fakeThreadStore) SaveSubThread(ctx context.Context, orgID, threadID, subThreadID, displayName, bridgeID string) error {
	f.saved = append(f.saved, threadID+"/"+subThreadID)
	f.names = append(f.names, displayName)
	return nil
}

func (f *fakeThreadStore) AddTotalTokens(ctx context.Context, bridgeID string, tokens int) error {
	f.tokens[bridgeID] += tokens
	return nil
}

type fakeGateCache struct {
	data    map[string]string
	expired []string
}

func newFakeGateCache() *fakeGateCache {
	return &fakeGateCache{data: make(map[string]string)}
}

func (f *fakeGateCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeGateCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeGateCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.expired = append(f.expired, key)
	return nil
}

type fakeAssistant struct {
	replies map[string]string
	calls   []string
	err     error
}

func (f *fakeAssistant) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls = append(f.calls, system)
	if f.err != nil {
		return "", f.err
	}
	for prefix, reply := range f.replies {
		if len(system) >= len(prefix) && system[:len(prefix)] == prefix {
			return reply, nil
		}
	}
	return "", nil
}

func secondaryBody(t *testing.T, msg SecondaryMessage) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func TestSecondaryWorkerNamesNewThread(t *testing.T) {
	st := newFakeThreadStore()
	gc := newFakeGateCache()
	as := &fakeAssistant{replies: map[string]string{"Generate a short title": `"Refund request"`}}
	w := NewSecondaryWorker(st, gc, as, &fakeNotifier{})

	msg := SecondaryMessage{OrgID: "o1", BridgeID: "b1", ThreadID: "t1", SubThreadID: "s1", User: "I want a refund"}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	require.Len(t, st.names, 1)
	assert.Equal(t, "Refund request", st.names[0])
	_, gated := gc.data["sub_thread_o1_b1_t1_s1"]
	assert.True(t, gated, "gate set after naming")
}

func TestSecondaryWorkerSkipsNamingWhenGated(t *testing.T) {
	st := newFakeThreadStore()
	gc := newFakeGateCache()
	gc.data["sub_thread_o1_b1_t1_s1"] = "1"
	as := &fakeAssistant{}
	w := NewSecondaryWorker(st, gc, as, &fakeNotifier{})

	msg := SecondaryMessage{OrgID: "o1", BridgeID: "b1", ThreadID: "t1", SubThreadID: "s1", User: "again"}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	assert.Empty(t, as.calls, "no generation behind the gate")
	require.Len(t, st.names, 1)
	assert.Equal(t, "", st.names[0], "linkage refresh only")
}

func TestSecondaryWorkerFallsBackToUserText(t *testing.T) {
	st := newFakeThreadStore()
	gc := newFakeGateCache()
	as := &fakeAssistant{err: errors.New("nano down")}
	w := NewSecondaryWorker(st, gc, as, &fakeNotifier{})

	msg := SecondaryMessage{OrgID: "o1", BridgeID: "b1", ThreadID: "t1", SubThreadID: "s1",
		User: "please summarize this very long report about quarterly revenue"}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	require.Len(t, st.names, 1)
	assert.Len(t, st.names[0], 40, "user text truncated as the fallback name")
}

func TestSecondaryWorkerRollsUpTokensAndAlerts(t *testing.T) {
	st := newFakeThreadStore()
	n := &fakeNotifier{}
	w := NewSecondaryWorker(st, newFakeGateCache(), nil, n)

	msg := SecondaryMessage{OrgID: "o1", BridgeID: "b1", MessageID: "m1", TotalTokens: 77, AlertFlag: true}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	assert.Equal(t, 77, st.tokens["b1"])
	require.Len(t, n.alerts, 1)
	assert.Equal(t, notify.AlertHallucination, n.alerts[0].Type)
	assert.Equal(t, "m1", n.alerts[0].Data["message_id"])
}

func TestSecondaryWorkerUpdatesMemory(t *testing.T) {
	gc := newFakeGateCache()
	gc.data["gpt_memory_b1_t1"] = "user likes brief answers"
	as := &fakeAssistant{replies: map[string]string{"You maintain a running memory": "user likes brief answers; wants refunds fast"}}
	w := NewSecondaryWorker(newFakeThreadStore(), gc, as, &fakeNotifier{})

	msg := SecondaryMessage{BridgeID: "b1", ThreadID: "t1", GPTMemory: true, User: "refund?", Content: "done"}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	assert.Equal(t, "user likes brief answers; wants refunds fast", gc.data["gpt_memory_b1_t1"])
	require.Len(t, as.calls, 2, "naming plus memory")
}

func TestSecondaryWorkerPushesSuggestions(t *testing.T) {
	as := &fakeAssistant{replies: map[string]string{"Suggest up to 3": `["What is the status?", "Cancel it"]`}}
	n := &fakeNotifier{}
	w := NewSecondaryWorker(newFakeThreadStore(), newFakeGateCache(), as, n)

	msg := SecondaryMessage{BridgeID: "b1", MessageID: "m1", Suggestions: true, Channel: "ch1", User: "hi", Content: "hello"}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	assert.Equal(t, "ch1", n.channel)
	require.Len(t, n.pushed, 1)
	push := n.pushed[0].(map[string]any)
	assert.Equal(t, []string{"What is the status?", "Cancel it"}, push["suggestions"])
}

func TestSecondaryWorkerRefreshesPDFs(t *testing.T) {
	gc := newFakeGateCache()
	w := NewSecondaryWorker(newFakeThreadStore(), gc, nil, &fakeNotifier{})

	msg := SecondaryMessage{BridgeID: "b1", PDFIDs: []string{"p1", "p2"}}
	require.NoError(t, w.Handle(context.Background(), secondaryBody(t, msg)))

	assert.Equal(t, []string{"pdf_url_p1", "pdf_url_p2"}, gc.expired)
}
