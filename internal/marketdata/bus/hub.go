// Package bus owns the canonical candle history and distributes every change
// to registered subscribers.
package bus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketfeed/internal/model"
	"marketfeed/internal/ringbuf"
)

// Update reports how Publish applied an incoming candle.
type Update int

const (
	UpdateAppend  Update = iota // new bucket appended (oldest evicted when full)
	UpdateReplace               // in-progress bucket replaced in place
	UpdateDiscard               // older than the newest bucket, ignored
)

func (u Update) String() string {
	switch u {
	case UpdateAppend:
		return "append"
	case UpdateReplace:
		return "replace"
	case UpdateDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Starter is started lazily when a subscriber registers. Start must be
// idempotent and must not block.
type Starter interface {
	Start()
}

type subscription struct {
	fn      model.Subscriber
	removed bool // guarded by Hub.subMu
}

// Hub holds the bounded history and the subscriber registry.
//
// Each update and its notification round run under dispatchMu, so
// subscribers observe updates one at a time and in production order.
// The ring has its own lock so a subscriber may call Snapshot from inside
// a callback, and the registry has its own lock so a subscriber may
// unsubscribe itself or another subscriber mid-round. Callbacks must not
// call Subscribe synchronously.
type Hub struct {
	dispatchMu sync.Mutex

	stateMu sync.RWMutex
	ring    *ringbuf.Ring

	subMu sync.Mutex
	subs  []*subscription

	starter Starter
	log     *zap.Logger

	// OnUpdate is called after every Publish with the applied update kind.
	OnUpdate func(u Update)
	// OnDispatch is called after each notification round.
	OnDispatch func(elapsed time.Duration, subscribers int)
}

// NewHub creates a hub that keeps at most capacity candles.
func NewHub(capacity int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		ring: ringbuf.New(capacity),
		log:  log.Named("hub"),
	}
}

// SetStarter attaches the component started on subscription.
func (h *Hub) SetStarter(s Starter) {
	h.subMu.Lock()
	h.starter = s
	h.subMu.Unlock()
}

// Publish applies c to the history and notifies every subscriber:
// a candle with the newest bucket time replaces it, a newer one is appended,
// and an older one is discarded without notification.
func (h *Hub) Publish(c model.Candle) Update {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.stateMu.Lock()
	u := UpdateAppend
	if last, ok := h.ring.Last(); ok {
		switch {
		case c.Time == last.Time:
			u = UpdateReplace
		case c.Time < last.Time:
			u = UpdateDiscard
		}
	}
	switch u {
	case UpdateAppend:
		h.ring.Push(c)
	case UpdateReplace:
		h.ring.ReplaceLast(c)
	}
	h.stateMu.Unlock()

	if h.OnUpdate != nil {
		h.OnUpdate(u)
	}
	if u == UpdateDiscard {
		last, _ := h.Last()
		h.log.Warn("discarding out-of-order candle",
			zap.Int64("time", c.Time),
			zap.Int64("last_time", last.Time))
		return u
	}

	h.notify(c)
	return u
}

// Load replaces the whole history with candles. The input is ordered by time,
// duplicate times keep the later entry and only the newest Cap candles are
// kept. When the result is non-empty, subscribers are notified once with the
// newest candle. Load returns the resulting history length.
func (h *Hub) Load(candles []model.Candle) int {
	sorted := model.CloneCandles(candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	dedup := sorted[:0]
	for _, c := range sorted {
		if n := len(dedup); n > 0 && dedup[n-1].Time == c.Time {
			dedup[n-1] = c
			continue
		}
		dedup = append(dedup, c)
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.stateMu.Lock()
	h.ring.Reset(dedup)
	last, ok := h.ring.Last()
	n := h.ring.Len()
	h.stateMu.Unlock()

	if ok {
		h.notify(last)
	}
	return n
}

// Subscribe registers fn. If the history is non-empty, fn is called once
// before Subscribe returns with the newest candle and a snapshot. The attached
// Starter is started afterwards. The returned function removes fn; calling
// it again is a no-op.
func (h *Hub) Subscribe(fn model.Subscriber) (unsubscribe func()) {
	sub := &subscription{fn: fn}

	h.dispatchMu.Lock()
	h.subMu.Lock()
	h.subs = append(h.subs, sub)
	starter := h.starter
	h.subMu.Unlock()

	h.stateMu.RLock()
	last, ok := h.ring.Last()
	snap := h.ring.Snapshot()
	h.stateMu.RUnlock()
	if ok {
		fn(last, snap)
	}
	h.dispatchMu.Unlock()

	if starter != nil {
		starter.Start()
	}
	return func() { h.remove(sub) }
}

// Snapshot returns a point-in-time copy of the history, oldest first.
func (h *Hub) Snapshot() []model.Candle {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.ring.Snapshot()
}

// Last returns the newest candle, if any.
func (h *Hub) Last() (model.Candle, bool) {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.ring.Last()
}

// Len returns the current history length.
func (h *Hub) Len() int {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.ring.Len()
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *subscription) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if sub.removed {
		return
	}
	sub.removed = true
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// notify runs one round over the subscribers registered when it starts.
// Caller holds dispatchMu.
func (h *Hub) notify(latest model.Candle) {
	h.subMu.Lock()
	round := make([]*subscription, len(h.subs))
	copy(round, h.subs)
	h.subMu.Unlock()

	if len(round) == 0 {
		return
	}

	start := time.Now()
	h.stateMu.RLock()
	snap := h.ring.Snapshot()
	h.stateMu.RUnlock()

	for i, sub := range round {
		if !h.active(sub) {
			continue
		}
		history := snap
		if i < len(round)-1 {
			history = model.CloneCandles(snap)
		}
		sub.fn(latest, history)
	}

	if h.OnDispatch != nil {
		h.OnDispatch(time.Since(start), len(round))
	}
}

func (h *Hub) active(sub *subscription) bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return !sub.removed
}
