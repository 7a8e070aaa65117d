// Package ringbuf provides a fixed-capacity FIFO of model.Candle used as the
// feed's bounded history. Pushing into a full ring evicts the oldest entry.
// Ring is not safe for concurrent use; the owner serializes access.
package ringbuf

import "marketfeed/internal/model"

// Ring holds at most Cap candles, oldest first.
type Ring struct {
	buf   []model.Candle
	head  int // index of the oldest element
	count int

	// evicted counts entries dropped from the front (for metrics)
	evicted uint64
}

// New creates a ring holding exactly capacity candles. Minimum capacity is 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends c at the newest end. When the ring is full the oldest entry
// is evicted and true is returned.
func (r *Ring) Push(c model.Candle) (evicted bool) {
	if r.count < len(r.buf) {
		r.buf[r.index(r.count)] = c
		r.count++
		return false
	}
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
	return true
}

// Last returns the newest candle. ok is false when the ring is empty.
func (r *Ring) Last() (c model.Candle, ok bool) {
	if r.count == 0 {
		return model.Candle{}, false
	}
	return r.buf[r.index(r.count-1)], true
}

// ReplaceLast overwrites the newest candle in place. It returns false on an
// empty ring.
func (r *Ring) ReplaceLast(c model.Candle) bool {
	if r.count == 0 {
		return false
	}
	r.buf[r.index(r.count-1)] = c
	return true
}

// Reset empties the ring and refills it with candles, keeping only the newest
// Cap entries when more are given.
func (r *Ring) Reset(candles []model.Candle) {
	r.head, r.count = 0, 0
	if over := len(candles) - len(r.buf); over > 0 {
		candles = candles[over:]
	}
	r.count = copy(r.buf, candles)
}

// Snapshot returns a fresh slice of the contents, oldest first.
func (r *Ring) Snapshot() []model.Candle {
	out := make([]model.Candle, r.count)
	n := copy(out, r.buf[r.head:min(r.head+r.count, len(r.buf))])
	copy(out[n:], r.buf[:r.count-n])
	return out
}

// Len returns the current number of candles.
func (r *Ring) Len() int {
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Evicted returns the total number of candles dropped by Push on a full ring.
func (r *Ring) Evicted() uint64 {
	return r.evicted
}

func (r *Ring) index(i int) int {
	return (r.head + i) % len(r.buf)
}
