package gateway

import (
	"strconv"
	"time"

	"marketfeed/internal/model"
)

// buildEnvelope hand-crafts the candle envelope:
//
//	{"type":"candle","symbol":"...","interval":"...","seq":N,"ts":"...","data":{...},"history_len":N}
func buildEnvelope(inst model.Instrument, seq int64, now time.Time, c model.Candle, historyLen int) ([]byte, error) {
	data, err := c.JSON()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+160)
	buf = append(buf, `{"type":"candle","symbol":`...)
	buf = strconv.AppendQuote(buf, inst.Symbol)
	buf = append(buf, `,"interval":`...)
	buf = strconv.AppendQuote(buf, inst.Interval)
	buf = append(buf, `,"seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"history_len":`...)
	buf = strconv.AppendInt(buf, int64(historyLen), 10)
	buf = append(buf, '}')
	return buf, nil
}
