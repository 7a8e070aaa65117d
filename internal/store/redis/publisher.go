// Package redis publishes feed updates to Redis for out-of-process
// consumers: a pub/sub message per update, the latest bar under a key with
// TTL, and a trimmed stream of updates.
package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"marketfeed/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	defaultStreamLen = 2000
	defaultPending   = 1000
)

// Config configures the publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// StreamMaxLen caps the update stream (approximate trimming).
	StreamMaxLen int64
	// MaxPending bounds the bars held back while the breaker is open.
	MaxPending int
}

// Keys are the Redis names used for one instrument.
type Keys struct {
	Channel string // pub/sub channel
	Latest  string // string key holding the latest bar
	Stream  string // stream of updates
}

// KeysFor returns the key set for inst, e.g. pub:candle:1m:PAXGUSDT.
func KeysFor(inst model.Instrument) Keys {
	k := inst.Key()
	return Keys{
		Channel: "pub:candle:" + k,
		Latest:  "candle:latest:" + k,
		Stream:  "candle:" + k,
	}
}

// Publisher writes candles to Redis through a circuit breaker. While the
// breaker is open the newest version of each bar is held back, keyed by bar
// time, and written once Redis recovers.
type Publisher struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	keys    Keys
	maxLen  int64
	maxPend int
	log     *zap.Logger

	mu      sync.Mutex
	pending map[int64]model.Candle

	// OnPublish is called after each write attempt with its outcome.
	OnPublish func(err error)
	// OnPending is called with the held-back count whenever it changes.
	OnPending func(n int)
}

// New connects to Redis, pings it and returns a publisher for inst.
func New(cfg Config, inst model.Instrument, log *zap.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	p := NewWithClient(client, cfg, inst, log)
	p.log.Info("connected", zap.String("addr", cfg.Addr))
	return p, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config, inst model.Instrument, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamLen
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultPending
	}
	return &Publisher{
		client:  client,
		cb:      NewCircuitBreaker(5, 10*time.Second),
		keys:    KeysFor(inst),
		maxLen:  cfg.StreamMaxLen,
		maxPend: cfg.MaxPending,
		log:     log.Named("redis"),
		pending: make(map[int64]model.Candle),
	}
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the circuit breaker guarding writes.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// Run writes candles from candleCh until ctx is cancelled or candleCh is
// closed.
func (p *Publisher) Run(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			p.Publish(ctx, c)
		}
	}
}

// Publish writes held-back bars, then c. When the breaker is open c is held
// back instead.
func (p *Publisher) Publish(ctx context.Context, c model.Candle) error {
	batch := p.takePending(c)
	err := p.cb.Execute(func() error { return p.write(ctx, batch) })
	if err != nil {
		p.restore(batch)
		if err != ErrCircuitOpen {
			p.log.Warn("publish failed", zap.Int64("time", c.Time), zap.Error(err))
		}
	}
	if p.OnPublish != nil {
		p.OnPublish(err)
	}
	return err
}

// Pending returns the number of held-back bars.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) write(ctx context.Context, batch []model.Candle) error {
	pipe := p.client.Pipeline()
	var latest string
	for _, c := range batch {
		b, err := c.JSON()
		if err != nil {
			p.log.Warn("skipping unencodable candle", zap.Int64("time", c.Time), zap.Error(err))
			continue
		}
		data := string(b)
		latest = data
		pipe.Publish(ctx, p.keys.Channel, data)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.keys.Stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"time": c.Time, "data": data},
		})
	}
	if latest == "" {
		return nil
	}
	pipe.Set(ctx, p.keys.Latest, latest, defaultLatestTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline (%d candles): %w", len(batch), err)
	}
	return nil
}

// takePending drains held-back bars plus c, ordered by time. A held-back
// bar with c's time is superseded by c.
func (p *Publisher) takePending(c model.Candle) []model.Candle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return []model.Candle{c}
	}
	p.pending[c.Time] = c
	batch := make([]model.Candle, 0, len(p.pending))
	for _, pc := range p.pending {
		batch = append(batch, pc)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Time < batch[j].Time })
	p.pending = make(map[int64]model.Candle)
	return batch
}

// restore puts a failed batch back, keeping the newest maxPend bars. Bars
// already pending with the same time are newer and win.
func (p *Publisher) restore(batch []model.Candle) {
	p.mu.Lock()
	for _, c := range batch {
		if _, ok := p.pending[c.Time]; !ok {
			p.pending[c.Time] = c
		}
	}
	if over := len(p.pending) - p.maxPend; over > 0 {
		times := make([]int64, 0, len(p.pending))
		for t := range p.pending {
			times = append(times, t)
		}
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		for _, t := range times[:over] {
			delete(p.pending, t)
		}
	}
	n := len(p.pending)
	p.mu.Unlock()

	if p.OnPending != nil {
		p.OnPending(n)
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
