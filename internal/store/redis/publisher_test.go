package redis

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketfeed/internal/model"
)

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func deadClient(t *testing.T) *goredis.Client {
	t.Helper()
	c := goredis.NewClient(&goredis.Options{
		Addr:        deadAddr(t),
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

var paxg = model.Instrument{Symbol: "PAXGUSDT", Interval: "1m"}

func TestKeysFor(t *testing.T) {
	k := KeysFor(paxg)
	if k.Channel != "pub:candle:1m:PAXGUSDT" || k.Latest != "candle:latest:1m:PAXGUSDT" || k.Stream != "candle:1m:PAXGUSDT" {
		t.Fatalf("unexpected keys %+v", k)
	}
}

func TestNew_PingFailure(t *testing.T) {
	if _, err := New(Config{Addr: deadAddr(t)}, paxg, nil); err == nil {
		t.Fatal("expected ping error for unreachable redis")
	}
}

func TestPublisher_HoldsBackWhileOpen(t *testing.T) {
	p := NewWithClient(deadClient(t), Config{MaxPending: 3}, paxg, nil)
	ctx := context.Background()

	var failures int
	p.OnPublish = func(err error) {
		if err != nil {
			failures++
		}
	}

	for i := 0; i < 5; i++ {
		if err := p.Publish(ctx, model.Candle{Time: 60_000, Close: float64(i)}); err == nil {
			t.Fatal("expected error against dead redis")
		}
	}
	if p.Breaker().CurrentState() != StateOpen {
		t.Fatalf("expected breaker open after 5 failures, got %v", p.Breaker().CurrentState())
	}
	if p.Pending() != 1 {
		t.Fatalf("updates of one bar should coalesce, got %d pending", p.Pending())
	}

	for i := int64(2); i <= 6; i++ {
		if err := p.Publish(ctx, model.Candle{Time: i * 60_000}); err != ErrCircuitOpen {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
	}
	if p.Pending() != 3 {
		t.Fatalf("expected pending capped at 3, got %d", p.Pending())
	}
	if failures != 10 {
		t.Fatalf("expected 10 failed publishes, got %d", failures)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range []int64{4 * 60_000, 5 * 60_000, 6 * 60_000} {
		if _, ok := p.pending[ts]; !ok {
			t.Errorf("expected newest bars kept, missing %d", ts)
		}
	}
}

func TestPublisher_TakePendingOrdersAndSupersedes(t *testing.T) {
	p := NewWithClient(deadClient(t), Config{}, paxg, nil)
	p.pending[300] = model.Candle{Time: 300, Close: 1}
	p.pending[100] = model.Candle{Time: 100}
	p.pending[200] = model.Candle{Time: 200}

	batch := p.takePending(model.Candle{Time: 300, Close: 2})
	if len(batch) != 3 || batch[0].Time != 100 || batch[2].Time != 300 || batch[2].Close != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if p.Pending() != 0 {
		t.Fatalf("expected pending drained, got %d", p.Pending())
	}
}

func TestPublisher_RunStopsOnClosedChannel(t *testing.T) {
	p := NewWithClient(deadClient(t), Config{}, paxg, nil)
	ch := make(chan model.Candle)
	close(ch)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on closed channel")
	}
}

func TestDecodeStream_DedupesAndOrders(t *testing.T) {
	// Newest first, as returned by XREVRANGE.
	msgs := []goredis.XMessage{
		{ID: "5-0", Values: map[string]interface{}{"data": `{"time":300,"close":3.5}`}},
		{ID: "4-0", Values: map[string]interface{}{"data": `{"time":300,"close":3}`}},
		{ID: "3-0", Values: map[string]interface{}{"data": `{"time":200,"close":2}`}},
		{ID: "2-0", Values: map[string]interface{}{"data": "not json"}},
		{ID: "1-0", Values: map[string]interface{}{"data": `{"time":100,"close":1}`}},
	}

	got := decodeStream(msgs, 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Time != 100 || got[1].Time != 200 || got[2].Time != 300 {
		t.Errorf("order = %d,%d,%d", got[0].Time, got[1].Time, got[2].Time)
	}
	if got[2].Close != 3.5 {
		t.Errorf("bar 300 close = %v, want newest update 3.5", got[2].Close)
	}

	if got := decodeStream(msgs, 2); len(got) != 2 || got[0].Time != 200 {
		t.Errorf("limit 2 = %+v, want bars 200 and 300", got)
	}
}

func TestRecent_Unreachable(t *testing.T) {
	p := NewWithClient(deadClient(t), Config{}, paxg, nil)
	if _, err := p.Recent(context.Background(), 10); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
}

func TestPublisher_WriteSkipsUnencodable(t *testing.T) {
	p := NewWithClient(deadClient(t), Config{}, paxg, nil)
	batch := []model.Candle{{Time: 60000, Close: math.NaN()}, {Time: 120000, Close: math.Inf(1)}}
	if err := p.write(context.Background(), batch); err != nil {
		t.Fatalf("batch with nothing encodable must not reach redis: %v", err)
	}
}

func TestLatest_Unreachable(t *testing.T) {
	p := NewWithClient(deadClient(t), Config{}, paxg, nil)
	if _, ok, err := p.Latest(context.Background()); err == nil || ok {
		t.Fatalf("expected error from unreachable redis, got ok=%v err=%v", ok, err)
	}
}
