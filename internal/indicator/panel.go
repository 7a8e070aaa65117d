package indicator

import (
	"context"
	"sync"

	"marketfeed/internal/model"
)

// Panel keeps the latest Analysis current by recomputing it on every feed
// update.
type Panel struct {
	settings Settings

	mu     sync.RWMutex
	latest Analysis

	// OnAnalysis is called after each recomputation.
	OnAnalysis func(a Analysis)
}

// NewPanel creates a panel with the given settings.
func NewPanel(s Settings) *Panel {
	return &Panel{settings: s, latest: Analyze(nil, s)}
}

// Update recomputes the analysis from history. It has the model.Subscriber
// signature.
func (p *Panel) Update(_ model.Candle, history []model.Candle) {
	a := Analyze(history, p.settings)
	p.mu.Lock()
	p.latest = a
	p.mu.Unlock()
	if p.OnAnalysis != nil {
		p.OnAnalysis(a)
	}
}

// Latest returns the most recent analysis.
func (p *Panel) Latest() Analysis {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Compute runs a one-off analysis over a snapshot pulled from src, for
// callers that need fresh values without a subscription.
func (p *Panel) Compute(src model.CandleSource) Analysis {
	return Analyze(src.Snapshot(), p.settings)
}

// Run subscribes to src and keeps the panel updated until ctx is cancelled.
func (p *Panel) Run(ctx context.Context, src model.CandleSource) {
	unsubscribe := src.Subscribe(p.Update)
	defer unsubscribe()
	<-ctx.Done()
}
