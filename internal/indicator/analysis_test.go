package indicator

import (
	"math"
	"testing"

	"marketfeed/internal/model"
)

func series(closes ...float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{Time: int64(i+1) * 60_000, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1}
	}
	return out
}

func ramp(n int, start, step float64) []model.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + float64(i)*step
	}
	return series(closes...)
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol %.6f)", label, got, want, tol)
	}
}

func reading(t *testing.T, a Analysis, name string) Reading {
	t.Helper()
	for _, r := range a.Readings {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("reading %s not found in %+v", name, a.Readings)
	return Reading{}
}

func TestAnalyze_Empty(t *testing.T) {
	a := Analyze(nil, DefaultSettings())
	if a.Ready || a.Candles != 0 {
		t.Fatalf("expected not ready on empty history, got %+v", a)
	}
	if a.Readings == nil || a.Overlay == nil {
		t.Fatal("expected non-nil empty slices")
	}
}

func TestAnalyze_BelowMinimum(t *testing.T) {
	a := Analyze(ramp(49, 100, 1), DefaultSettings())
	if a.Ready {
		t.Fatal("49 candles should not be enough")
	}
	if a.CurrentPrice != 148 || a.Candles != 49 {
		t.Fatalf("expected current price 148 over 49 candles, got %+v", a)
	}
	if len(a.Readings) != 0 {
		t.Fatalf("expected no readings, got %d", len(a.Readings))
	}
}

func TestAnalyze_Uptrend(t *testing.T) {
	a := Analyze(ramp(100, 100, 1), DefaultSettings())
	if !a.Ready {
		t.Fatal("expected ready with 100 candles")
	}
	assertClose(t, "price", a.CurrentPrice, 199, 1e-9)
	// Mean of the last 20 closes 180..199.
	assertClose(t, "sma20", a.SMA, 189.5, 1e-9)
	assertClose(t, "rsi", a.RSI, 100, 1e-9)

	if r := reading(t, a, "RSI"); r.Signal != SignalSell {
		t.Errorf("overbought RSI should signal SELL, got %s", r.Signal)
	}
	if r := reading(t, a, "SMA"); r.Signal != SignalBuy {
		t.Errorf("price above SMA should signal BUY, got %s", r.Signal)
	}
	if r := reading(t, a, "EMA"); r.Signal != SignalBuy || a.EMA >= a.CurrentPrice {
		t.Errorf("price above EMA should signal BUY, got %s (ema %.2f)", r.Signal, a.EMA)
	}
	if a.SMA <= a.EMA {
		t.Errorf("in an uptrend SMA20 should lead EMA50: sma=%.2f ema=%.2f", a.SMA, a.EMA)
	}
	// Constant range of 2 with no gaps.
	assertClose(t, "atr", a.ATR, 2, 1e-6)
	if r := reading(t, a, "ATR"); r.Signal != SignalNeutral {
		t.Errorf("ATR 2 below threshold should be NEUTRAL, got %s", r.Signal)
	}
	if a.MACD.MACD <= 0 {
		t.Errorf("expected positive MACD in uptrend, got %.4f", a.MACD.MACD)
	}
}

func TestAnalyze_Downtrend(t *testing.T) {
	a := Analyze(ramp(60, 300, -2), DefaultSettings())
	assertClose(t, "rsi", a.RSI, 0, 1e-9)
	if r := reading(t, a, "RSI"); r.Signal != SignalBuy {
		t.Errorf("oversold RSI should signal BUY, got %s", r.Signal)
	}
	if r := reading(t, a, "SMA"); r.Signal != SignalSell {
		t.Errorf("price below SMA should signal SELL, got %s", r.Signal)
	}
	if r := reading(t, a, "EMA"); r.Signal != SignalSell {
		t.Errorf("price below EMA should signal SELL, got %s", r.Signal)
	}
}

func TestAnalyze_VolatileATR(t *testing.T) {
	candles := ramp(60, 2000, 0)
	for i := range candles {
		candles[i].High = candles[i].Close + 5
		candles[i].Low = candles[i].Close - 5
	}
	a := Analyze(candles, DefaultSettings())
	assertClose(t, "atr", a.ATR, 10, 1e-6)
	if r := reading(t, a, "ATR"); r.Signal != SignalVolatile {
		t.Errorf("ATR 10 should be VOLATILE, got %s", r.Signal)
	}
	assertClose(t, "flat macd histogram", a.MACD.Histogram, 0, 1e-9)
}

func TestAnalyze_ShortPeriodsStayGuarded(t *testing.T) {
	s := DefaultSettings()
	s.MinCandles = 5
	a := Analyze(ramp(10, 1, 1), s)
	if !a.Ready {
		t.Fatal("expected ready with lowered minimum")
	}
	for _, name := range []string{"SMA", "EMA", "MACD", "RSI", "ATR"} {
		if reading(t, a, name).Ready {
			t.Errorf("%s should not be ready with 10 candles", name)
		}
	}
	if a.RSI != 50 {
		t.Errorf("unready RSI should read 50, got %.2f", a.RSI)
	}
}

func TestAnalyze_Overlay(t *testing.T) {
	a := Analyze(ramp(100, 100, 1), DefaultSettings())
	if len(a.Overlay) != 30 {
		t.Fatalf("expected 30 overlay points, got %d", len(a.Overlay))
	}
	first, last := a.Overlay[0], a.Overlay[29]
	if first.Time != 71*60_000 || last.Price != 199 {
		t.Fatalf("unexpected overlay bounds %+v .. %+v", first, last)
	}
	if first.SMA == nil || first.EMA == nil {
		t.Fatal("averages should be defined over the overlay window")
	}
	assertClose(t, "overlay sma", *last.SMA, a.SMA, 1e-9)

	short := Analyze(ramp(50, 100, 1), DefaultSettings())
	if short.Overlay[0].EMA != nil {
		t.Error("EMA50 is undefined before the 50th bar")
	}
	if short.Overlay[29].EMA == nil {
		t.Error("EMA50 should be defined on the 50th bar")
	}
}

func TestConsensus(t *testing.T) {
	a := Analysis{Readings: []Reading{
		{Signal: SignalBuy, Ready: true},
		{Signal: SignalBuy, Ready: true},
		{Signal: SignalSell, Ready: true},
		{Signal: SignalSell, Ready: false},
		{Signal: SignalVolatile, Ready: true},
	}}
	if got := a.Consensus(); got != SignalBuy {
		t.Fatalf("expected BUY, got %s", got)
	}
	if got := (Analysis{}).Consensus(); got != SignalNeutral {
		t.Fatalf("expected NEUTRAL for empty readings, got %s", got)
	}
}
