package main

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketfeed/internal/marketdata/agg"
	"marketfeed/internal/marketdata/binance"
	"marketfeed/internal/model"
)

var paxg = model.Instrument{Symbol: "PAXGUSDT", Interval: "1m"}

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	bars := agg.New(time.Minute, 200)
	bars.Seed(seedHistory(rng, 150, time.Minute, time.Now(), 2650))
	s := newServer(paxg, time.Minute, bars, zap.NewNop())
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestSeedHistory_Contiguous(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 15, 0, time.UTC)
	bars := seedHistory(rand.New(rand.NewSource(7)), 10, time.Minute, now, 2650)

	if last := bars[len(bars)-1]; last.Time != now.Truncate(time.Minute).Add(-time.Minute).UnixMilli() || last.Close != 2650 {
		t.Errorf("last bar = %+v, want the bar before 10:30 closing at 2650", last)
	}
	for i, c := range bars {
		if i > 0 && c.Time-bars[i-1].Time != time.Minute.Milliseconds() {
			t.Fatalf("gap between bars %d and %d", i-1, i)
		}
		if i > 0 && bars[i-1].Close != c.Open {
			t.Errorf("bar %d opens at %v, previous closed at %v", i, c.Open, bars[i-1].Close)
		}
		if c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
			t.Errorf("bar %d has inconsistent range: %+v", i, c)
		}
	}
}

func TestKlines_ReadableByRESTClient(t *testing.T) {
	_, ts := newTestServer(t)

	client := binance.NewRESTClient(ts.URL, paxg, nil)
	candles, err := client.FetchHistory(context.Background(), 100)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(candles) != 100 {
		t.Fatalf("got %d candles, want 100", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time <= candles[i-1].Time {
			t.Fatalf("candles not ascending at %d", i)
		}
	}
}

func TestKlines_RejectsOtherSymbol(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v3/klines?symbol=BTCUSDT&interval=1m")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStream_EventsParse(t *testing.T) {
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + paxg.StreamName()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.clientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bar := model.Candle{Time: 1_700_000_040_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3}
	s.broadcast(s.encodeUpdate(agg.Update{Candle: bar, Final: true}, time.Now()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, final, ok := binance.ParseKline(msg)
	if !ok || !final || got != bar {
		t.Fatalf("ParseKline = %+v final=%v ok=%v, want %+v final", got, final, ok, bar)
	}
}

func TestStream_UnknownPath(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ws/btcusdt@kline_1m")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
