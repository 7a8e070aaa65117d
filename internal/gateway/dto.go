package gateway

import (
	"encoding/json"

	"marketfeed/internal/model"
)

// CandlesOut is the REST response type for /api/candles and /api/archive.
type CandlesOut struct {
	Symbol   string         `json:"symbol"`
	Interval string         `json:"interval"`
	Count    int            `json:"count"`
	Candles  []model.Candle `json:"candles"`
}

// LatestOut is the REST response type for /api/published/latest.
type LatestOut struct {
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Candle   model.Candle `json:"candle"`
}

// MissedOut is the REST response type for /api/missed.
type MissedOut struct {
	From     int64             `json:"from"`
	To       int64             `json:"to"`
	Seq      int64             `json:"seq"`
	Messages []json.RawMessage `json:"messages"`
}

// ErrorOut is the body of every non-2xx REST response.
type ErrorOut struct {
	Error string `json:"error"`
}
