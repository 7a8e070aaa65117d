package model

import (
	"time"

	"github.com/bytedance/sonic"
)

// Candle is one OHLCV bar for the feed's instrument and interval.
// Time is the bar open time in Unix milliseconds and identifies the bar:
// successive updates of a forming bar carry the same Time.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// OpenTime returns Time as a UTC time.Time.
func (c Candle) OpenTime() time.Time {
	return time.UnixMilli(c.Time).UTC()
}

// JSON returns the JSON-encoded candle. Non-finite prices cannot be
// encoded and yield an error.
func (c Candle) JSON() ([]byte, error) {
	return sonic.Marshal(c)
}

// CloneCandles returns an independent copy of src. A nil or empty input yields
// an empty, non-nil slice so callers can always range and JSON-encode it as [].
func CloneCandles(src []Candle) []Candle {
	out := make([]Candle, len(src))
	copy(out, src)
	return out
}
