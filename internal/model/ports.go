package model

import "context"

// Subscriber receives the bar that was just applied and a snapshot of the
// history after it was applied, oldest first. The history slice belongs to
// the subscriber; mutating it does not affect the feed or other subscribers.
type Subscriber func(latest Candle, history []Candle)

// CandleSource is the read side of the market feed that downstream
// consumers (gateway, sinks, indicator panel) depend on.
type CandleSource interface {
	// Subscribe registers fn and returns a function that removes it.
	// Calling the returned function more than once is a no-op.
	Subscribe(fn Subscriber) (unsubscribe func())

	// Snapshot returns a copy of the current history, oldest first.
	Snapshot() []Candle
}

// CandleSink consumes candles pushed to it on a channel, typically one
// produced by the bus fan-out adapter.
type CandleSink interface {
	// Run drains candleCh until ctx is cancelled or the channel is closed.
	Run(ctx context.Context, candleCh <-chan Candle)

	// Close releases underlying resources.
	Close() error
}
