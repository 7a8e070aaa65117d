// Package agg builds fixed-interval OHLCV bars from a stream of trades.
package agg

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketfeed/internal/model"
	"marketfeed/internal/ringbuf"
)

// Trade is one simulated or real execution.
type Trade struct {
	Price float64
	Qty   float64
	Time  time.Time
}

// Update is a bar state change. Final is set once the bar's interval has
// elapsed; otherwise the bar is still forming.
type Update struct {
	Candle model.Candle
	Final  bool
}

// Aggregator folds trades into bars of a fixed interval and keeps a bounded
// history of closed bars.
type Aggregator struct {
	interval time.Duration

	mu      sync.Mutex
	forming *model.Candle
	closed  *ringbuf.Ring

	// OnDroppedTrade is called for trades older than the forming bar.
	OnDroppedTrade func()
}

// New creates an Aggregator for bars of the given interval, keeping up to
// keep closed bars.
func New(interval time.Duration, keep int) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{interval: interval, closed: ringbuf.New(keep)}
}

func (a *Aggregator) bucket(t time.Time) int64 {
	return t.Truncate(a.interval).UnixMilli()
}

// Add folds one trade in. It returns the closed previous bar (if the trade
// opened a new one) followed by the forming bar's new state.
func (a *Aggregator) Add(tr Trade) []Update {
	b := a.bucket(tr.Time)

	a.mu.Lock()
	if a.forming != nil && b < a.forming.Time {
		a.mu.Unlock()
		if a.OnDroppedTrade != nil {
			a.OnDroppedTrade()
		}
		return nil
	}

	var out []Update
	if a.forming != nil && b > a.forming.Time {
		out = append(out, a.closeLocked())
	}
	if a.forming == nil {
		a.forming = &model.Candle{Time: b, Open: tr.Price, High: tr.Price, Low: tr.Price, Close: tr.Price, Volume: tr.Qty}
	} else {
		c := a.forming
		if tr.Price > c.High {
			c.High = tr.Price
		}
		if tr.Price < c.Low {
			c.Low = tr.Price
		}
		c.Close = tr.Price
		c.Volume += tr.Qty
	}
	out = append(out, Update{Candle: *a.forming})
	a.mu.Unlock()
	return out
}

// Roll closes the forming bar if its interval ended before now.
func (a *Aggregator) Roll(now time.Time) (Update, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.forming == nil || a.bucket(now) <= a.forming.Time {
		return Update{}, false
	}
	return a.closeLocked(), true
}

func (a *Aggregator) closeLocked() Update {
	c := *a.forming
	a.forming = nil
	a.closed.Push(c)
	return Update{Candle: c, Final: true}
}

// Klines returns up to limit bars ending with the forming bar, oldest first.
func (a *Aggregator) Klines(limit int) []model.Candle {
	a.mu.Lock()
	out := a.closed.Snapshot()
	if a.forming != nil {
		out = append(out, *a.forming)
	}
	a.mu.Unlock()
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Seed preloads closed bars, e.g. a synthetic history at startup.
func (a *Aggregator) Seed(bars []model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed.Reset(bars)
}

// Run folds trades from tradeCh and sends every update to out until ctx is
// cancelled or tradeCh closes. Bars are closed on time even without trades.
func (a *Aggregator) Run(ctx context.Context, tradeCh <-chan Trade, out chan<- Update, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	emit := func(u Update) {
		select {
		case out <- u:
		default:
			log.Warn("update channel full, dropping bar update",
				zap.Int64("time", u.Candle.Time), zap.Bool("final", u.Final))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-tradeCh:
			if !ok {
				return
			}
			for _, u := range a.Add(tr) {
				emit(u)
			}
		case now := <-ticker.C:
			if u, ok := a.Roll(now); ok {
				emit(u)
			}
		}
	}
}
