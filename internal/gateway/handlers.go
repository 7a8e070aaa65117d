package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketfeed/internal/indicator"
	"marketfeed/internal/logger"
	"marketfeed/internal/model"
	"marketfeed/internal/tape"
)

const (
	defaultCandleLimit = 100
	maxCandleLimit     = 1000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Quoter supplies the current ticker quote.
type Quoter interface {
	Quote() tape.Quote
}

// Analyzer supplies the latest indicator analysis.
type Analyzer interface {
	Latest() indicator.Analysis
}

// Archive serves stored bars in a time range.
type Archive interface {
	Range(ctx context.Context, from, to int64) ([]model.Candle, error)
}

// Published reads back what was published to Redis.
type Published interface {
	Recent(ctx context.Context, n int) ([]model.Candle, error)
	Latest(ctx context.Context) (c model.Candle, ok bool, err error)
}

// Routes groups the sources behind the REST endpoints. Nil sources make
// their endpoint answer 503.
type Routes struct {
	Hub      *Hub
	Ticker   Quoter
	Analysis Analyzer
	Archive  Archive
	Redis    Published

	// Per-IP request rate; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
}

// Handler builds the gateway's HTTP handler.
func Handler(rt Routes, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("gateway")
	mux := http.NewServeMux()
	h := rt.Hub

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.L(r.Context(), log).Warn("ws upgrade failed", zap.Error(err))
			return
		}
		h.HandleWSRequest(conn)
	})

	mux.HandleFunc("/api/candles", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultCandleLimit)
		if limit <= 0 || limit > maxCandleLimit {
			limit = defaultCandleLimit
		}
		candles := h.src.Snapshot()
		if len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}
		writeJSON(w, http.StatusOK, h.candlesOut(candles))
	})

	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		from := queryInt64(r, "from", 0)
		to := queryInt64(r, "to", 0)
		seq := h.Seq()
		if to <= 0 || to > seq {
			to = seq
		}
		if from <= 0 || from > to {
			writeJSON(w, http.StatusBadRequest, ErrorOut{Error: "from must be in [1, to]"})
			return
		}
		msgs := h.Missed(from, to)
		out := MissedOut{From: from, To: to, Seq: seq, Messages: make([]json.RawMessage, len(msgs))}
		for i, m := range msgs {
			out.Messages[i] = m
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("/api/ticker", func(w http.ResponseWriter, r *http.Request) {
		if rt.Ticker == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorOut{Error: "ticker disabled"})
			return
		}
		writeJSON(w, http.StatusOK, rt.Ticker.Quote())
	})

	mux.HandleFunc("/api/analysis", func(w http.ResponseWriter, r *http.Request) {
		if rt.Analysis == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorOut{Error: "analysis disabled"})
			return
		}
		writeJSON(w, http.StatusOK, rt.Analysis.Latest())
	})

	mux.HandleFunc("/api/archive", func(w http.ResponseWriter, r *http.Request) {
		if rt.Archive == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorOut{Error: "archive disabled"})
			return
		}
		from := queryInt64(r, "from", 0)
		to := queryInt64(r, "to", 0)
		if to != 0 && to < from {
			writeJSON(w, http.StatusBadRequest, ErrorOut{Error: "to must not be before from"})
			return
		}
		candles, err := rt.Archive.Range(r.Context(), from, to)
		if err != nil {
			logger.L(r.Context(), log).Error("archive range failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorOut{Error: "archive unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, h.candlesOut(candles))
	})

	mux.HandleFunc("/api/published", func(w http.ResponseWriter, r *http.Request) {
		if rt.Redis == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorOut{Error: "redis disabled"})
			return
		}
		limit := queryInt(r, "limit", defaultCandleLimit)
		if limit <= 0 || limit > maxCandleLimit {
			limit = defaultCandleLimit
		}
		candles, err := rt.Redis.Recent(r.Context(), limit)
		if err != nil {
			logger.L(r.Context(), log).Warn("redis read-back failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, ErrorOut{Error: "redis unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, h.candlesOut(candles))
	})

	mux.HandleFunc("/api/published/latest", func(w http.ResponseWriter, r *http.Request) {
		if rt.Redis == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorOut{Error: "redis disabled"})
			return
		}
		c, ok, err := rt.Redis.Latest(r.Context())
		if err != nil {
			logger.L(r.Context(), log).Warn("redis latest read failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, ErrorOut{Error: "redis unavailable"})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorOut{Error: "nothing published yet"})
			return
		}
		writeJSON(w, http.StatusOK, LatestOut{Symbol: h.inst.Symbol, Interval: h.inst.Interval, Candle: c})
	})

	var handler http.Handler = mux
	if rt.RateLimit > 0 {
		handler = RateLimit(handler, rt.RateLimit, rt.RateBurst)
	}
	return RequestID(handler)
}

func (h *Hub) candlesOut(candles []model.Candle) CandlesOut {
	return CandlesOut{
		Symbol:   h.inst.Symbol,
		Interval: h.inst.Interval,
		Count:    len(candles),
		Candles:  model.CloneCandles(candles),
	}
}

// RequestID tags each request with an X-Request-ID (generated when absent),
// stores it as the context trace id and answers CORS preflights.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), id)))
	})
}

// RateLimit applies a per-IP token bucket. WebSocket upgrades count as one
// request.
func RateLimit(next http.Handler, limit rate.Limit, burst int) http.Handler {
	if burst <= 0 {
		burst = 1
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(limit, burst)
			limiters[ip] = l
		}
		return l
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !get(ip).Allow() {
			writeJSON(w, http.StatusTooManyRequests, ErrorOut{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
