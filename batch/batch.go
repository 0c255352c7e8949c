// Package batch submits provider batch jobs and reconciles their results.
// A submitted batch leaves a Redis descriptor behind; the reconciler scans
// descriptors on an interval, polls the provider under a distributed lock and
// delivers finished results to the caller's webhook.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/cache"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/params"
	"github.com/gtwy-ai/gateway/providers"
)

type (
	// AdapterRegistry resolves the adapter for a service.
	AdapterRegistry interface {
		Adapter(service catalog.Service) (providers.Adapter, error)
	}

	// DescriptorCache is the slice of the Redis facade batches run on.
	DescriptorCache interface {
		SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
		GetJSON(ctx context.Context, key string, dst any) (bool, error)
		Delete(ctx context.Context, keys ...string) error
		PendingBatchIDs(ctx context.Context) ([]string, error)
		AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
		ReleaseLock(ctx context.Context, key string) error
	}

	// WebhookPoster delivers finished batch results.
	WebhookPoster interface {
		Post(ctx context.Context, url string, headers map[string]string, payload any) error
	}

	// Submission is one batch request: the shared prompt template plus one
	// variable set per row.
	Submission struct {
		OrgID    string
		BridgeID string
		Service  catalog.Service
		Model    string
		APIKey   string

		Prompt    string
		Users     []string
		Variables []map[string]any

		WebhookURL     string
		WebhookHeaders map[string]string
	}

	// Descriptor is the Redis record a pending batch leaves behind.
	Descriptor struct {
		BatchID        string            `json:"batch_id"`
		OrgID          string            `json:"org_id"`
		BridgeID       string            `json:"bridge_id"`
		Service        catalog.Service   `json:"service"`
		Model          string            `json:"model"`
		APIKey         string            `json:"apikey"`
		CustomIDs      []string          `json:"custom_ids"`
		Variables      []map[string]any  `json:"batch_variables"`
		WebhookURL     string            `json:"webhook_url"`
		WebhookHeaders map[string]string `json:"webhook_headers"`
		CreatedAt      time.Time         `json:"created_at"`
	}

	// Service submits and reconciles batches.
	Service struct {
		adapters AdapterRegistry
		cache    DescriptorCache
		webhook  WebhookPoster
		interval time.Duration
	}

	// Options configures New.
	Options struct {
		Adapters AdapterRegistry
		Cache    DescriptorCache
		Webhook  WebhookPoster

		// Interval between reconciliation sweeps. Defaults to 15 minutes.
		Interval time.Duration
	}
)

// New builds the batch service.
func New(opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Service{
		adapters: opts.Adapters,
		cache:    opts.Cache,
		webhook:  opts.Webhook,
		interval: interval,
	}
}

// Submit sends the rows to the provider as one batch and stores the pending
// descriptor. Each row's prompt renders with its own variable set.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*providers.BatchJob, error) {
	adapter, err := s.adapters.Adapter(sub.Service)
	if err != nil {
		return nil, err
	}
	submitter, ok := adapter.(providers.BatchSubmitter)
	if !ok {
		return nil, fmt.Errorf("service %q does not support batch requests", sub.Service)
	}
	if len(sub.Users) == 0 {
		return nil, fmt.Errorf("batch submission has no rows")
	}

	items := make([]providers.BatchItem, len(sub.Users))
	customIDs := make([]string, len(sub.Users))
	for i, user := range sub.Users {
		var vars map[string]any
		if i < len(sub.Variables) {
			vars = sub.Variables[i]
		}
		system, _ := params.RenderPrompt(sub.Prompt, vars)
		customIDs[i] = uuid.NewString()
		items[i] = providers.BatchItem{
			CustomID: customIDs[i],
			Request: &providers.ChatRequest{
				Model:  sub.Model,
				APIKey: sub.APIKey,
				System: system,
				User:   user,
			},
		}
	}

	job, err := submitter.SubmitBatch(ctx, sub.APIKey, items)
	if err != nil {
		return nil, fmt.Errorf("submit batch to %s: %w", sub.Service, err)
	}

	desc := &Descriptor{
		BatchID:        job.ID,
		OrgID:          sub.OrgID,
		BridgeID:       sub.BridgeID,
		Service:        sub.Service,
		Model:          sub.Model,
		APIKey:         sub.APIKey,
		CustomIDs:      customIDs,
		Variables:      sub.Variables,
		WebhookURL:     sub.WebhookURL,
		WebhookHeaders: sub.WebhookHeaders,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.cache.SetJSON(ctx, cache.BatchKey(job.ID), desc, cache.BatchTTL); err != nil {
		return nil, fmt.Errorf("store batch descriptor %s: %w", job.ID, err)
	}
	log.Printf(ctx, "batch %s submitted to %s with %d rows", job.ID, sub.Service, len(items))
	return job, nil
}

// Run sweeps pending batches until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile polls every pending batch once. Each batch is processed under a
// distributed lock so concurrent gateways never double-deliver.
func (s *Service) Reconcile(ctx context.Context) {
	ids, err := s.cache.PendingBatchIDs(ctx)
	if err != nil {
		log.Errorf(ctx, err, "list pending batches")
		return
	}
	for _, id := range ids {
		if err := s.reconcileOne(ctx, id); err != nil {
			log.Errorf(ctx, err, "reconcile batch %s", id)
		}
	}
}

func (s *Service) reconcileOne(ctx context.Context, batchID string) error {
	lockKey := "batch_lock_" + batchID
	held, err := s.cache.AcquireLock(ctx, lockKey, cache.LockTTL)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	defer func() {
		if err := s.cache.ReleaseLock(ctx, lockKey); err != nil {
			log.Errorf(ctx, err, "release batch lock %s", batchID)
		}
	}()

	var desc Descriptor
	ok, err := s.cache.GetJSON(ctx, cache.BatchKey(batchID), &desc)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	adapter, err := s.adapters.Adapter(desc.Service)
	if err != nil {
		return err
	}
	poller, pok := adapter.(providers.BatchPoller)
	if !pok {
		return fmt.Errorf("service %q cannot poll batches", desc.Service)
	}

	job, rows, err := poller.PollBatch(ctx, desc.APIKey, batchID)
	if err != nil {
		return err
	}
	if !terminal(job.Status) {
		return nil
	}

	payload := s.payload(&desc, job, rows)
	if desc.WebhookURL != "" {
		if err := s.webhook.Post(ctx, desc.WebhookURL, desc.WebhookHeaders, payload); err != nil {
			return fmt.Errorf("deliver batch %s: %w", batchID, err)
		}
	}
	if err := s.cache.Delete(ctx, cache.BatchKey(batchID)); err != nil {
		return err
	}
	log.Printf(ctx, "batch %s finished as %s with %d rows", batchID, job.Status, len(rows))
	return nil
}

// payload formats the delivered webhook body. Rows carry their index-matched
// variable set so the caller can tie results back without bookkeeping.
func (s *Service) payload(desc *Descriptor, job *providers.BatchJob, rows []providers.BatchRow) map[string]any {
	index := make(map[string]int, len(desc.CustomIDs))
	for i, id := range desc.CustomIDs {
		index[id] = i
	}

	results := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := map[string]any{"custom_id": row.CustomID}
		if i, ok := index[row.CustomID]; ok && i < len(desc.Variables) {
			entry["variables"] = desc.Variables[i]
		}
		if row.Result != nil {
			entry["success"] = true
			entry["response"] = map[string]any{
				"content":       row.Result.Content,
				"model":         row.Result.Model,
				"finish_reason": string(row.Result.FinishReason),
				"usage": map[string]any{
					"input_tokens":  row.Result.Usage.InputTokens,
					"output_tokens": row.Result.Usage.OutputTokens,
					"total_tokens":  row.Result.Usage.TotalTokens,
				},
			}
		} else {
			entry["success"] = false
			entry["error"] = row.Error
			if row.StatusCode != 0 {
				entry["status_code"] = row.StatusCode
			}
		}
		results = append(results, entry)
	}

	return map[string]any{
		"batch_id":  desc.BatchID,
		"bridge_id": desc.BridgeID,
		"org_id":    desc.OrgID,
		"status":    string(job.Status),
		"results":   results,
	}
}

func terminal(s providers.BatchStatus) bool {
	switch s {
	case providers.BatchCompleted, providers.BatchFailed, providers.BatchExpired, providers.BatchCancelled:
		return true
	}
	return false
}
