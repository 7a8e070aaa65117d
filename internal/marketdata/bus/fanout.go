package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"marketfeed/internal/model"
)

// FanOut turns synchronous subscriber calls into buffered channels, one per
// sink. If a sink's channel is full, the candle is dropped for that sink so a
// slow consumer never holds up a notification round.
//
// Sinks see every bar the history gains, not only the latest one: a backfill
// that loads many bars in one round is forwarded bar by bar.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Candle
	bufSize int
	closed  bool
	log     *zap.Logger

	// open time of the newest bar forwarded so far
	last int64
	sent bool

	// OnDrop is called when a candle is dropped for a sink.
	// sinkIdx is the 0-based index of the slow consumer.
	OnDrop func(sinkIdx int)
}

// NewFanOut creates a FanOut with the given buffer size for output channels.
func NewFanOut(outputBufferSize int, log *zap.Logger) *FanOut {
	if log == nil {
		log = zap.NewNop()
	}
	return &FanOut{
		bufSize: outputBufferSize,
		log:     log.Named("fanout"),
	}
}

// Output creates and returns a new output channel.
func (f *FanOut) Output() <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Push forwards to every output, without blocking, each history bar at or
// after the newest bar forwarded so far, or just latest when history has
// nothing new. It has the model.Subscriber signature.
func (f *FanOut) Push(latest model.Candle, history []model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, c := range f.pending(latest, history) {
		f.forward(c)
	}
}

func (f *FanOut) pending(latest model.Candle, history []model.Candle) []model.Candle {
	start := len(history)
	for start > 0 && (!f.sent || history[start-1].Time >= f.last) {
		start--
	}
	batch := history[start:]
	if len(batch) == 0 || batch[len(batch)-1] != latest {
		batch = append(batch[:len(batch):len(batch)], latest)
	}
	if !f.sent || latest.Time > f.last {
		f.last = latest.Time
	}
	f.sent = true
	return batch
}

func (f *FanOut) forward(c model.Candle) {
	for i, ch := range f.outputs {
		select {
		case ch <- c:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i)
			} else {
				f.log.Warn("output channel full, dropping candle",
					zap.Int("sink", i), zap.Int64("time", c.Time))
			}
		}
	}
}

// Run subscribes to src and forwards updates until ctx is cancelled, then
// unsubscribes and closes every output channel.
func (f *FanOut) Run(ctx context.Context, src model.CandleSource) {
	unsubscribe := src.Subscribe(f.Push)
	<-ctx.Done()
	unsubscribe()
	f.Close()
}

// Close closes all output channels. Further pushes are ignored.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.outputs {
		close(ch)
	}
}

// ChannelStat reports (length, capacity) of one output channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Len int
	Cap int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
