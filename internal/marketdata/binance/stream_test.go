package binance

import (
	"testing"

	"marketfeed/internal/model"
)

func TestParseKline(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		ok    bool
		final bool
		want  model.Candle
	}{
		{
			name: "string prices with extra fields",
			raw: `{"e":"kline","E":1700000001000,"s":"PAXGUSDT","k":{"t":1700000000000,"T":1700000059999,` +
				`"s":"PAXGUSDT","i":"1m","o":"2031.50","c":"2032.10","h":"2033.00","l":"2030.90","v":"12.5","n":40,"x":false,"q":"1","B":"0"}}`,
			ok:   true,
			want: model.Candle{Time: 1700000000000, Open: 2031.5, High: 2033, Low: 2030.9, Close: 2032.1, Volume: 12.5},
		},
		{
			name:  "numeric prices final bar",
			raw:   `{"e":"kline","k":{"t":60000,"o":1,"h":2,"l":0.5,"c":1.5,"v":3,"x":true}}`,
			ok:    true,
			final: true,
			want:  model.Candle{Time: 60000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3},
		},
		{name: "trade event", raw: `{"e":"trade","p":"2031.5","q":"1"}`},
		{name: "subscription ack", raw: `{"result":null,"id":1}`},
		{name: "kline without bar", raw: `{"e":"kline"}`},
		{name: "missing close", raw: `{"e":"kline","k":{"t":1,"o":"1","h":"1","l":"1","v":"1"}}`},
		{name: "bad number", raw: `{"e":"kline","k":{"t":1,"o":"abc","h":"1","l":"1","c":"1","v":"1"}}`},
		{name: "null number", raw: `{"e":"kline","k":{"t":1,"o":null,"h":"1","l":"1","c":"1","v":"1"}}`},
		{name: "nan", raw: `{"e":"kline","k":{"t":1,"o":"NaN","h":"1","l":"1","c":"1","v":"1"}}`},
		{name: "array frame", raw: `[1,2,3]`},
		{name: "not json", raw: `ping`},
		{name: "empty", raw: ``},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, final, ok := ParseKline([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
			if final != tc.final {
				t.Errorf("final=%v, want %v", final, tc.final)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	inst := model.Instrument{Symbol: "PAXGUSDT", Interval: "1m"}

	if got, want := StreamURL("", inst), "wss://stream.binance.com:9443/ws/paxgusdt@kline_1m"; got != want {
		t.Errorf("default: got %q, want %q", got, want)
	}
	if got, want := StreamURL("ws://127.0.0.1:8081/", inst), "ws://127.0.0.1:8081/ws/paxgusdt@kline_1m"; got != want {
		t.Errorf("custom: got %q, want %q", got, want)
	}
}
