// Package tape maintains the ticker-tape quote: last price and the change
// over the visible history window.
package tape

import (
	"context"
	"math"
	"sync"
	"time"

	"marketfeed/internal/model"
)

// Quote is the ticker-tape line for the instrument.
type Quote struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Open       float64 `json:"open"` // open of the oldest bar in the window
	Change     float64 `json:"change"`
	ChangePct  float64 `json:"changePct"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Volume     float64 `json:"volume"`
	CandleTime int64   `json:"candleTime"`
	UpdatedAt  int64   `json:"updatedAt"` // Unix ms
	Valid      bool    `json:"valid"`
}

// Tape is a subscriber that keeps the latest Quote.
type Tape struct {
	symbol string
	now    func() time.Time

	mu    sync.RWMutex
	quote Quote
}

// New creates a tape for symbol.
func New(symbol string) *Tape {
	return &Tape{
		symbol: symbol,
		now:    time.Now,
		quote:  Quote{Symbol: symbol},
	}
}

// Update recomputes the quote. It has the model.Subscriber signature.
func (t *Tape) Update(latest model.Candle, history []model.Candle) {
	q := Build(t.symbol, latest, history)
	q.UpdatedAt = t.now().UnixMilli()
	t.mu.Lock()
	t.quote = q
	t.mu.Unlock()
}

// Quote returns the latest quote.
func (t *Tape) Quote() Quote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.quote
}

// Run subscribes to src and keeps the quote updated until ctx is cancelled.
func (t *Tape) Run(ctx context.Context, src model.CandleSource) {
	unsubscribe := src.Subscribe(t.Update)
	defer unsubscribe()
	<-ctx.Done()
}

// Build computes a quote from the newest bar and the history window. Change
// is measured against the oldest bar's open and is only reported once the
// window holds more than one bar.
func Build(symbol string, latest model.Candle, history []model.Candle) Quote {
	q := Quote{
		Symbol:     symbol,
		Price:      latest.Close,
		CandleTime: latest.Time,
		Valid:      true,
	}
	if len(history) == 0 {
		q.High, q.Low, q.Volume = latest.High, latest.Low, latest.Volume
		return q
	}

	q.High, q.Low = math.Inf(-1), math.Inf(1)
	for _, c := range history {
		q.High = math.Max(q.High, c.High)
		q.Low = math.Min(q.Low, c.Low)
		q.Volume += c.Volume
	}
	if len(history) > 1 {
		q.Open = history[0].Open
		q.Change = q.Price - q.Open
		if q.Open != 0 {
			q.ChangePct = q.Change / q.Open * 100
		}
	}
	return q
}
