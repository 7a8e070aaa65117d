package model

import "strings"

// Instrument identifies the single market the feed follows.
type Instrument struct {
	Symbol   string `json:"symbol"`   // exchange symbol, e.g. PAXGUSDT
	Interval string `json:"interval"` // bar interval, e.g. 1m
}

// Key returns a unique key for this instrument: "interval:symbol".
func (i Instrument) Key() string {
	return i.Interval + ":" + strings.ToUpper(i.Symbol)
}

// StreamName returns the exchange stream name, e.g. "paxgusdt@kline_1m".
func (i Instrument) StreamName() string {
	return strings.ToLower(i.Symbol) + "@kline_" + i.Interval
}
