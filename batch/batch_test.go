package batch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/providers"
)

type fakeBatchAdapter struct {
	service   catalog.Service
	items     []providers.BatchItem
	job       *providers.BatchJob
	submitErr error

	pollJob  *providers.BatchJob
	pollRows []providers.BatchRow
	polled   int
}

func (a *fakeBatchAdapter) Service() catalog.Service { return a.service }

func (a *fakeBatchAdapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	return nil, nil
}

func (a *fakeBatchAdapter) SubmitBatch(ctx context.Context, apiKey string, items []providers.BatchItem) (*providers.BatchJob, error) {
	a.items = items
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return a.job, nil
}

func (a *fakeBatchAdapter) PollBatch(ctx context.Context, apiKey, batchID string) (*providers.BatchJob, []providers.BatchRow, error) {
	a.polled++
	return a.pollJob, a.pollRows, nil
}

type chatOnlyAdapter struct{}

func (chatOnlyAdapter) Service() catalog.Service { return catalog.ServiceGemini }
func (chatOnlyAdapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	return nil, nil
}

type fakeRegistry map[catalog.Service]providers.Adapter

func (r fakeRegistry) Adapter(s catalog.Service) (providers.Adapter, error) {
	return r[s], nil
}

type fakeCache struct {
	data    map[string]string
	locked  map[string]bool
	deleted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string), locked: make(map[string]bool)}
}

func (f *fakeCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.data[key] = string(b)
	return nil
}

func (f *fakeCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), dst)
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
		f.deleted = append(f.deleted, k)
	}
	return nil
}

func (f *fakeCache) PendingBatchIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for k := range f.data {
		if len(k) > 6 && k[:6] == "batch_" {
			ids = append(ids, k[6:])
		}
	}
	return ids, nil
}

func (f *fakeCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.locked[key] {
		return false, nil
	}
	f.locked[key] = true
	return true, nil
}

func (f *fakeCache) ReleaseLock(ctx context.Context, key string) error {
	delete(f.locked, key)
	return nil
}

type fakeWebhook struct {
	url     string
	headers map[string]string
	payload any
	calls   int
}

func (f *fakeWebhook) Post(ctx context.Context, url string, headers map[string]string, payload any) error {
	f.calls++
	f.url = url
	f.headers = headers
	f.payload = payload
	return nil
}

func testSubmission() *Submission {
	return &Submission{
		OrgID:    "org1",
		BridgeID: "b1",
		Service:  catalog.ServiceOpenAI,
		Model:    "gpt-4o",
		APIKey:   "sk",
		Prompt:   "Summarize for {{audience}}.",
		Users:    []string{"doc one", "doc two"},
		Variables: []map[string]any{
			{"audience": "engineers"},
			{"audience": "sales"},
		},
		WebhookURL:     "https://example.com/hook",
		WebhookHeaders: map[string]string{"Authorization": "Bearer t"},
	}
}

func TestSubmitStoresDescriptor(t *testing.T) {
	adapter := &fakeBatchAdapter{service: catalog.ServiceOpenAI, job: &providers.BatchJob{ID: "bat1", Status: providers.BatchValidating}}
	fc := newFakeCache()
	svc := New(Options{Adapters: fakeRegistry{catalog.ServiceOpenAI: adapter}, Cache: fc, Webhook: &fakeWebhook{}})

	job, err := svc.Submit(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.Equal(t, "bat1", job.ID)

	require.Len(t, adapter.items, 2)
	assert.Equal(t, "Summarize for engineers.", adapter.items[0].Request.System)
	assert.Equal(t, "Summarize for sales.", adapter.items[1].Request.System)
	assert.Equal(t, "doc two", adapter.items[1].Request.User)
	assert.NotEqual(t, adapter.items[0].CustomID, adapter.items[1].CustomID)

	var desc Descriptor
	ok, err := fc.GetJSON(context.Background(), "batch_bat1", &desc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b1", desc.BridgeID)
	assert.Len(t, desc.CustomIDs, 2)
	assert.Equal(t, "https://example.com/hook", desc.WebhookURL)
}

func TestSubmitRejectsIncapableService(t *testing.T) {
	svc := New(Options{Adapters: fakeRegistry{catalog.ServiceGemini: chatOnlyAdapter{}}, Cache: newFakeCache()})

	sub := testSubmission()
	sub.Service = catalog.ServiceGemini
	_, err := svc.Submit(context.Background(), sub)
	assert.ErrorContains(t, err, "does not support batch")
}

func TestReconcileDeliversFinishedBatch(t *testing.T) {
	adapter := &fakeBatchAdapter{
		service: catalog.ServiceOpenAI,
		job:     &providers.BatchJob{ID: "bat1", Status: providers.BatchValidating},
		pollJob: &providers.BatchJob{ID: "bat1", Status: providers.BatchCompleted},
	}
	fc := newFakeCache()
	hook := &fakeWebhook{}
	svc := New(Options{Adapters: fakeRegistry{catalog.ServiceOpenAI: adapter}, Cache: fc, Webhook: hook})

	_, err := svc.Submit(context.Background(), testSubmission())
	require.NoError(t, err)

	var desc Descriptor
	_, err = fc.GetJSON(context.Background(), "batch_bat1", &desc)
	require.NoError(t, err)
	adapter.pollRows = []providers.BatchRow{
		{CustomID: desc.CustomIDs[1], Result: &providers.ChatResult{Content: "short", Model: "gpt-4o", Usage: providers.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}}},
		{CustomID: desc.CustomIDs[0], Error: map[string]any{"message": "bad row"}, StatusCode: 400},
	}

	svc.Reconcile(context.Background())

	require.Equal(t, 1, hook.calls)
	assert.Equal(t, "https://example.com/hook", hook.url)
	assert.Equal(t, "Bearer t", hook.headers["Authorization"])

	payload := hook.payload.(map[string]any)
	assert.Equal(t, "completed", payload["status"])
	results := payload["results"].([]map[string]any)
	require.Len(t, results, 2)
	assert.Equal(t, map[string]any{"audience": "sales"}, results[0]["variables"], "variables index-matched by custom id")
	assert.Equal(t, true, results[0]["success"])
	assert.Equal(t, false, results[1]["success"])
	assert.Equal(t, 400, results[1]["status_code"])

	_, ok := fc.data["batch_bat1"]
	assert.False(t, ok, "descriptor removed after delivery")
	assert.Empty(t, fc.locked, "lock released")
}

func TestReconcileLeavesRunningBatch(t *testing.T) {
	adapter := &fakeBatchAdapter{
		service: catalog.ServiceOpenAI,
		job:     &providers.BatchJob{ID: "bat1", Status: providers.BatchValidating},
		pollJob: &providers.BatchJob{ID: "bat1", Status: providers.BatchInProgress},
	}
	fc := newFakeCache()
	hook := &fakeWebhook{}
	svc := New(Options{Adapters: fakeRegistry{catalog.ServiceOpenAI: adapter}, Cache: fc, Webhook: hook})

	_, err := svc.Submit(context.Background(), testSubmission())
	require.NoError(t, err)

	svc.Reconcile(context.Background())
	assert.Zero(t, hook.calls)
	_, ok := fc.data["batch_bat1"]
	assert.True(t, ok, "descriptor stays until the batch finishes")
}

func TestReconcileSkipsLockedBatch(t *testing.T) {
	adapter := &fakeBatchAdapter{
		service: catalog.ServiceOpenAI,
		job:     &providers.BatchJob{ID: "bat1", Status: providers.BatchValidating},
		pollJob: &providers.BatchJob{ID: "bat1", Status: providers.BatchCompleted},
	}
	fc := newFakeCache()
	svc := New(Options{Adapters: fakeRegistry{catalog.ServiceOpenAI: adapter}, Cache: fc, Webhook: &fakeWebhook{}})

	_, err := svc.Submit(context.Background(), testSubmission())
	require.NoError(t, err)
	fc.locked["batch_lock_bat1"] = true

	svc.Reconcile(context.Background())
	assert.Zero(t, adapter.polled, "locked batches are another worker's job")
}
