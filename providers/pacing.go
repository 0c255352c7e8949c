package providers

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gtwy-ai/gateway/catalog"
)

type (
	// Pacer spreads upstream calls per service so a burst of gateway traffic
	// does not trip provider-side rate limits. One token bucket per service,
	// created lazily.
	Pacer struct {
		mu       sync.Mutex
		limiters map[catalog.Service]*rate.Limiter
		rps      rate.Limit
		burst    int
	}

	// PacedAdapter wraps an Adapter with a Pacer wait before every call.
	PacedAdapter struct {
		Adapter
		pacer *Pacer
	}
)

// NewPacer builds a pacer allowing rps sustained calls per service with the
// given burst.
func NewPacer(rps float64, burst int) *Pacer {
	return &Pacer{
		limiters: make(map[catalog.Service]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until the service's bucket grants a token or ctx is done.
func (p *Pacer) Wait(ctx context.Context, service catalog.Service) error {
	p.mu.Lock()
	l, ok := p.limiters[service]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[service] = l
	}
	p.mu.Unlock()
	return l.Wait(ctx)
}

// Paced wraps an adapter so every Chat call waits on the pacer first.
func Paced(a Adapter, p *Pacer) *PacedAdapter {
	return &PacedAdapter{Adapter: a, pacer: p}
}

// Chat waits for pacing then delegates.
func (pa *PacedAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := pa.pacer.Wait(ctx, pa.Service()); err != nil {
		return nil, err
	}
	return pa.Adapter.Chat(ctx, req)
}

// Embed paces then delegates when the wrapped adapter embeds.
func (pa *PacedAdapter) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error) {
	e, ok := pa.Adapter.(Embedder)
	if !ok {
		return nil, fmt.Errorf("service %q does not support embeddings", pa.Service())
	}
	if err := pa.pacer.Wait(ctx, pa.Service()); err != nil {
		return nil, err
	}
	return e.Embed(ctx, req)
}

// GenerateImage paces then delegates when the wrapped adapter generates images.
func (pa *PacedAdapter) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	g, ok := pa.Adapter.(ImageGenerator)
	if !ok {
		return nil, fmt.Errorf("service %q does not support image generation", pa.Service())
	}
	if err := pa.pacer.Wait(ctx, pa.Service()); err != nil {
		return nil, err
	}
	return g.GenerateImage(ctx, req)
}

// SubmitBatch paces then delegates when the wrapped adapter runs batches.
func (pa *PacedAdapter) SubmitBatch(ctx context.Context, apiKey string, items []BatchItem) (*BatchJob, error) {
	s, ok := pa.Adapter.(BatchSubmitter)
	if !ok {
		return nil, fmt.Errorf("service %q does not support batch requests", pa.Service())
	}
	if err := pa.pacer.Wait(ctx, pa.Service()); err != nil {
		return nil, err
	}
	return s.SubmitBatch(ctx, apiKey, items)
}

// PollBatch delegates without pacing; polls are already spaced by the
// reconciler's interval.
func (pa *PacedAdapter) PollBatch(ctx context.Context, apiKey, batchID string) (*BatchJob, []BatchRow, error) {
	p, ok := pa.Adapter.(BatchPoller)
	if !ok {
		return nil, nil, fmt.Errorf("service %q does not support batch requests", pa.Service())
	}
	return p.PollBatch(ctx, apiKey, batchID)
}
