package binance

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"marketfeed/internal/model"
)

// DefaultStreamURL is the public spot stream base.
const DefaultStreamURL = "wss://stream.binance.com:9443"

const eventKline = "kline"

// StreamURL returns the raw-stream endpoint for inst, e.g.
// wss://stream.binance.com:9443/ws/paxgusdt@kline_1m.
func StreamURL(base string, inst model.Instrument) string {
	if base == "" {
		base = DefaultStreamURL
	}
	return strings.TrimRight(base, "/") + "/ws/" + inst.StreamName()
}

type klineEvent struct {
	EventType string `json:"e"`
	Kline     *struct {
		StartTime *flexNum `json:"t"`
		Open      *flexNum `json:"o"`
		High      *flexNum `json:"h"`
		Low       *flexNum `json:"l"`
		Close     *flexNum `json:"c"`
		Volume    *flexNum `json:"v"`
		IsFinal   bool     `json:"x"`
	} `json:"k"`
}

// flexNum accepts a JSON number or a numeric string.
type flexNum string

func (n *flexNum) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := sonic.Unmarshal(b, &v); err != nil {
			return err
		}
		*n = flexNum(v)
		return nil
	}
	if string(b) == "null" {
		return errors.New("null number")
	}
	*n = flexNum(b)
	return nil
}

func (n *flexNum) float() (float64, bool) {
	if n == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(*n), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseKline normalizes one stream frame. ok is false for frames that are
// not kline events or that miss a required field; such frames are meant to
// be ignored. final reports whether the exchange marked the bar closed.
func ParseKline(raw []byte) (c model.Candle, final bool, ok bool) {
	var ev klineEvent
	if err := sonic.Unmarshal(raw, &ev); err != nil {
		return model.Candle{}, false, false
	}
	if ev.EventType != eventKline || ev.Kline == nil {
		return model.Candle{}, false, false
	}
	k := ev.Kline

	start, ok := k.StartTime.float()
	if !ok {
		return model.Candle{}, false, false
	}
	c.Time = int64(start)
	for _, f := range []struct {
		dst *float64
		src *flexNum
	}{
		{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close}, {&c.Volume, k.Volume},
	} {
		if *f.dst, ok = f.src.float(); !ok {
			return model.Candle{}, false, false
		}
	}
	return c, k.IsFinal, true
}
