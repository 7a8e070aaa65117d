// Package indicator computes the technical-analysis panel shown next to the
// chart: RSI, SMA, EMA, MACD and ATR over the feed history, each with a
// simple trading signal.
package indicator

import (
	"math"

	"github.com/markcheno/go-talib"

	"marketfeed/internal/model"
)

// Signal is the panel's verdict for one indicator.
type Signal string

const (
	SignalBuy      Signal = "BUY"
	SignalSell     Signal = "SELL"
	SignalNeutral  Signal = "NEUTRAL"
	SignalVolatile Signal = "VOLATILE"
)

// Settings holds indicator periods and signal thresholds.
type Settings struct {
	RSIPeriod  int
	SMAPeriod  int
	EMAPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ATRPeriod  int

	RSIOverbought float64
	RSIOversold   float64
	ATRVolatile   float64

	// MinCandles is the history length below which nothing is computed.
	MinCandles int
	// OverlayPoints is the number of trailing bars in the price overlay.
	OverlayPoints int
}

// DefaultSettings returns the panel's standard configuration.
func DefaultSettings() Settings {
	return Settings{
		RSIPeriod:     14,
		SMAPeriod:     20,
		EMAPeriod:     50,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		ATRPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		ATRVolatile:   5,
		MinCandles:    50,
		OverlayPoints: 30,
	}
}

// Reading is one row of the panel.
type Reading struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Signal Signal  `json:"signal"`
	Ready  bool    `json:"ready"`
}

// MACD holds the latest MACD line, signal line and histogram.
type MACD struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// OverlayPoint is one bar of the price chart with its moving averages.
// SMA and EMA are nil where the average is not defined yet.
type OverlayPoint struct {
	Time  int64    `json:"time"`
	Price float64  `json:"price"`
	SMA   *float64 `json:"sma"`
	EMA   *float64 `json:"ema"`
}

// Analysis is the plain-data result handed to the panel and to downstream
// forecast or chat services.
type Analysis struct {
	Ready        bool           `json:"ready"`
	Candles      int            `json:"candles"`
	LastTime     int64          `json:"lastTime"`
	CurrentPrice float64        `json:"currentPrice"`
	RSI          float64        `json:"rsi"`
	MACD         MACD           `json:"macd"`
	SMA          float64        `json:"sma20"`
	EMA          float64        `json:"ema50"`
	ATR          float64        `json:"atr"`
	Readings     []Reading      `json:"readings"`
	Overlay      []OverlayPoint `json:"overlay"`
}

// Analyze computes the panel over history (oldest first). With fewer than
// MinCandles bars it reports only the current price and Ready=false.
func Analyze(history []model.Candle, s Settings) Analysis {
	a := Analysis{
		Candles:  len(history),
		Readings: []Reading{},
		Overlay:  []OverlayPoint{},
	}
	if len(history) == 0 {
		return a
	}
	last := history[len(history)-1]
	a.LastTime = last.Time
	a.CurrentPrice = last.Close
	if len(history) < s.MinCandles {
		return a
	}
	a.Ready = true

	n := len(history)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range history {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	price := a.CurrentPrice

	// RSI reads 50 until it has enough data.
	rsi := Reading{Name: "RSI", Value: 50, Signal: SignalNeutral}
	if s.RSIPeriod >= 2 && n > s.RSIPeriod {
		rsi.Value = lastValue(talib.Rsi(closes, s.RSIPeriod))
		rsi.Ready = true
		switch {
		case rsi.Value > s.RSIOverbought:
			rsi.Signal = SignalSell
		case rsi.Value < s.RSIOversold:
			rsi.Signal = SignalBuy
		}
	}
	a.RSI = rsi.Value

	var smaSeries, emaSeries []float64
	sma := Reading{Name: "SMA", Signal: SignalNeutral}
	if s.SMAPeriod >= 2 && n >= s.SMAPeriod {
		smaSeries = talib.Sma(closes, s.SMAPeriod)
		sma.Value, sma.Ready = lastValue(smaSeries), true
		sma.Signal = aboveBelow(price, sma.Value)
	}
	a.SMA = sma.Value

	ema := Reading{Name: "EMA", Signal: SignalNeutral}
	if s.EMAPeriod >= 2 && n >= s.EMAPeriod {
		emaSeries = talib.Ema(closes, s.EMAPeriod)
		ema.Value, ema.Ready = lastValue(emaSeries), true
		ema.Signal = aboveBelow(price, ema.Value)
	}
	a.EMA = ema.Value

	macd := Reading{Name: "MACD", Signal: SignalNeutral}
	if s.MACDFast >= 2 && s.MACDSlow > s.MACDFast && s.MACDSignal >= 1 && n >= s.MACDSlow+s.MACDSignal-1 {
		m, sig, hist := talib.Macd(closes, s.MACDFast, s.MACDSlow, s.MACDSignal)
		a.MACD = MACD{MACD: lastValue(m), Signal: lastValue(sig), Histogram: lastValue(hist)}
		macd.Value, macd.Ready = a.MACD.Histogram, true
		macd.Signal = SignalSell
		if a.MACD.Histogram > 0 {
			macd.Signal = SignalBuy
		}
	}

	atr := Reading{Name: "ATR", Signal: SignalNeutral}
	if s.ATRPeriod >= 1 && n > s.ATRPeriod {
		atr.Value, atr.Ready = lastValue(talib.Atr(highs, lows, closes, s.ATRPeriod)), true
		if atr.Value > s.ATRVolatile {
			atr.Signal = SignalVolatile
		}
	}
	a.ATR = atr.Value

	a.Readings = []Reading{rsi, sma, ema, macd, atr}
	a.Overlay = overlay(history, smaSeries, emaSeries, s)
	return a
}

// Consensus counts BUY against SELL readings.
func (a Analysis) Consensus() Signal {
	score := 0
	for _, r := range a.Readings {
		if !r.Ready {
			continue
		}
		switch r.Signal {
		case SignalBuy:
			score++
		case SignalSell:
			score--
		}
	}
	switch {
	case score > 0:
		return SignalBuy
	case score < 0:
		return SignalSell
	default:
		return SignalNeutral
	}
}

func overlay(history []model.Candle, sma, ema []float64, s Settings) []OverlayPoint {
	n := len(history)
	from := n - s.OverlayPoints
	if from < 0 || s.OverlayPoints <= 0 {
		from = 0
	}
	out := make([]OverlayPoint, 0, n-from)
	for i := from; i < n; i++ {
		p := OverlayPoint{Time: history[i].Time, Price: history[i].Close}
		if sma != nil && i >= s.SMAPeriod-1 {
			v := sma[i]
			p.SMA = &v
		}
		if ema != nil && i >= s.EMAPeriod-1 {
			v := ema[i]
			p.EMA = &v
		}
		out = append(out, p)
	}
	return out
}

func aboveBelow(price, avg float64) Signal {
	if price > avg {
		return SignalBuy
	}
	return SignalSell
}

func lastValue(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
