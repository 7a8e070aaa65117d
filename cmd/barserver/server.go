package main

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketfeed/internal/logger"
	"marketfeed/internal/marketdata/agg"
	"marketfeed/internal/model"
)

// server mimics the exchange's public kline REST endpoint and raw kline
// stream for one instrument.
type server struct {
	inst     model.Instrument
	interval time.Duration
	bars     *agg.Aggregator
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newServer(inst model.Instrument, interval time.Duration, bars *agg.Aggregator, log *zap.Logger) *server {
	return &server{
		inst:     inst,
		interval: interval,
		bars:     bars,
		log:      log,
		clients:  make(map[*websocket.Conn]chan []byte),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", s.handleKlines)
	mux.HandleFunc("/ws/", s.handleStream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"barserver"}`))
	})
	return mux
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, _ := sonic.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

func (s *server) closeTime(c model.Candle) int64 {
	return c.Time + s.interval.Milliseconds() - 1
}

// handleKlines serves GET /api/v3/klines?symbol=&interval=&limit= as
// 12-field rows.
func (s *server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !strings.EqualFold(q.Get("symbol"), s.inst.Symbol) {
		writeJSON(w, http.StatusBadRequest, apiError{Code: -1121, Msg: "Invalid symbol."})
		return
	}
	if q.Get("interval") != s.inst.Interval {
		writeJSON(w, http.StatusBadRequest, apiError{Code: -1120, Msg: "Invalid interval."})
		return
	}
	limit := 500
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = min(v, 1000)
	}

	bars := s.bars.Klines(limit)
	rows := make([][]interface{}, 0, len(bars))
	for _, c := range bars {
		rows = append(rows, []interface{}{
			c.Time,
			fmtNum(c.Open), fmtNum(c.High), fmtNum(c.Low), fmtNum(c.Close), fmtNum(c.Volume),
			s.closeTime(c),
			fmtNum(c.Volume * c.Close),
			int64(math.Max(1, math.Round(c.Volume*10))),
			fmtNum(c.Volume / 2),
			fmtNum(c.Volume * c.Close / 2),
			"0",
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	IsFinal   bool   `json:"x"`
}

func (s *server) encodeUpdate(u agg.Update, now time.Time) []byte {
	c := u.Candle
	b, _ := sonic.Marshal(klineEvent{
		EventType: "kline",
		EventTime: now.UnixMilli(),
		Symbol:    s.inst.Symbol,
		Kline: klinePayload{
			StartTime: c.Time,
			CloseTime: s.closeTime(c),
			Symbol:    s.inst.Symbol,
			Interval:  s.inst.Interval,
			Open:      fmtNum(c.Open),
			Close:     fmtNum(c.Close),
			High:      fmtNum(c.High),
			Low:       fmtNum(c.Low),
			Volume:    fmtNum(c.Volume),
			IsFinal:   u.Final,
		},
	})
	return b
}

// handleStream serves /ws/<symbol>@kline_<interval>.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/ws/") != s.inst.StreamName() {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	log := s.log.With(zap.String("conn", logger.GenerateTraceID("ws", time.Now())), zap.String("remote", r.RemoteAddr))
	log.Info("client connected")

	ch := make(chan []byte, 256)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	// Drain reads so control frames are handled and disconnects noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.unregister(conn)
				return
			}
		}
	}()

	defer func() {
		s.unregister(conn)
		conn.Close()
		log.Info("client disconnected")
	}()
	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *server) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.clients[conn]; ok {
		close(ch)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
}

func (s *server) broadcast(msg []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// walk applies a small random step (up to ±0.05%) to price.
func walk(rng *rand.Rand, price float64) float64 {
	next := price * (1 + (rng.Float64()*0.1-0.05)/100)
	return math.Max(next, 0.01)
}

// seedHistory builds n closed bars ending just before the bucket holding
// now, by random walk backwards from price.
func seedHistory(rng *rand.Rand, n int, interval time.Duration, now time.Time, price float64) []model.Candle {
	bars := make([]model.Candle, n)
	start := now.Truncate(interval)
	closePx := price
	for i := n - 1; i >= 0; i-- {
		open := walk(rng, closePx)
		hi := math.Max(open, closePx) * (1 + rng.Float64()*0.0005)
		lo := math.Min(open, closePx) * (1 - rng.Float64()*0.0005)
		bars[i] = model.Candle{
			Time:   start.Add(-time.Duration(n-i) * interval).UnixMilli(),
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  closePx,
			Volume: math.Round(rng.Float64()*500) / 100,
		}
		closePx = open
	}
	return bars
}
