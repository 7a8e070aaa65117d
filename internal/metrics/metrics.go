// Package metrics exposes Prometheus metrics and the /healthz status for the
// feed daemon.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the feed.
type Metrics struct {
	// Feed connector
	StreamMessages prometheus.Counter
	DroppedFrames  prometheus.Counter
	Reconnects     prometheus.Counter
	Backfills      *prometheus.CounterVec // labels: result
	BackfillLen    prometheus.Gauge
	FeedState      prometheus.Gauge // 0=disconnected 1=backfilling 2=connecting 3=streaming

	// Distribution hub
	CandleUpdates *prometheus.CounterVec // labels: update=append|replace|discard
	HistoryLen    prometheus.Gauge
	Subscribers   prometheus.Gauge
	DispatchDur   prometheus.Histogram
	CandleLag     prometheus.Gauge

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: sink
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Sinks
	RedisPublish             *prometheus.CounterVec // labels: result
	RedisCircuitBreakerState prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisPending             prometheus.Gauge
	SQLiteCommitDur          prometheus.Histogram

	// Gateway
	GatewayClients  prometheus.Gauge
	GatewayMessages prometheus.Counter
	GatewaySlowDrop prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		StreamMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_stream_messages_total",
			Help: "Frames received on the kline stream",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_dropped_frames_total",
			Help: "Stream frames ignored because they were not valid kline updates",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Reconnect attempts after a stream session ended",
		}),
		Backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_backfills_total",
			Help: "History backfills by result",
		}, []string{"result"}),
		BackfillLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_backfill_candles",
			Help: "Candles loaded by the last successful backfill",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_state",
			Help: "Connector state (0=disconnected, 1=backfilling, 2=connecting, 3=streaming)",
		}),

		CandleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_candle_updates_total",
			Help: "Candles applied to the history by kind",
		}, []string{"update"}),
		HistoryLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_history_len",
			Help: "Candles currently held in the history",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_subscribers",
			Help: "Subscribers notified in the last round",
		}),
		DispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_dispatch_duration_seconds",
			Help:    "Time to notify all subscribers of one update",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_candle_lag_seconds",
			Help: "Wall clock minus the open time of the newest candle",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_fanout_drops_total",
			Help: "Candles dropped by the fan-out per sink",
		}, []string{"sink"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feed_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_redis_publish_total",
			Help: "Redis publish attempts by result",
		}, []string{"result"}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_redis_pending_candles",
			Help: "Candles held back while the Redis breaker is open",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_gateway_clients",
			Help: "Connected WebSocket clients",
		}),
		GatewayMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_gateway_messages_total",
			Help: "Envelopes broadcast to WebSocket clients",
		}),
		GatewaySlowDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_gateway_slow_client_drops_total",
			Help: "Messages dropped because a client's send buffer was full",
		}),
	}

	reg.MustRegister(
		m.StreamMessages,
		m.DroppedFrames,
		m.Reconnects,
		m.Backfills,
		m.BackfillLen,
		m.FeedState,
		m.CandleUpdates,
		m.HistoryLen,
		m.Subscribers,
		m.DispatchDur,
		m.CandleLag,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisPublish,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisPending,
		m.SQLiteCommitDur,
		m.GatewayClients,
		m.GatewayMessages,
		m.GatewaySlowDrop,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	Symbol          string
	FeedState       string
	WSConnected     bool
	LastMessageTime time.Time
	HistoryLen      int
	RedisEnabled    bool
	RedisConnected  bool
	SQLiteOK        bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(symbol string) *HealthStatus {
	return &HealthStatus{
		Symbol:    symbol,
		FeedState: "DISCONNECTED",
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedState(state string, connected bool) {
	h.mu.Lock()
	h.FeedState = state
	h.WSConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastMessageTime(t time.Time) {
	h.mu.Lock()
	h.LastMessageTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetHistoryLen(n int) {
	h.mu.Lock()
	h.HistoryLen = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the archive and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker probes dependencies every interval until ctx is
// cancelled. Either client may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	Symbol          string  `json:"symbol"`
	FeedState       string  `json:"feed_state"`
	WSConnected     bool    `json:"ws_connected"`
	LastMessageTime string  `json:"last_message_time"`
	MessageAge      string  `json:"message_age"`
	HistoryLen      int     `json:"history_len"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// Report evaluates the overall status. The feed is unhealthy with neither a
// stream nor any history to serve, degraded when the stream or a sink is
// down.
func (h *HealthStatus) Report() (HealthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	if !h.WSConnected || !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if !h.WSConnected && h.HistoryLen == 0 {
		status = "unhealthy"
	}

	age := ""
	if !h.LastMessageTime.IsZero() {
		age = time.Since(h.LastMessageTime).Round(time.Millisecond).String()
	}

	return HealthReport{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Symbol:          h.Symbol,
		FeedState:       h.FeedState,
		WSConnected:     h.WSConnected,
		LastMessageTime: h.LastMessageTime.Format(time.RFC3339),
		MessageAge:      age,
		HistoryLen:      h.HistoryLen,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server. gatherer defaults to
// prometheus.DefaultGatherer when nil.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.Named("metrics"),
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
