// cmd/feedd: live candle feed daemon for one instrument.
//
// Pipeline:
//
//	[REST backfill + kline stream] → [history hub] → gateway WS/REST
//	                                              ├→ indicator panel, ticker
//	                                              └→ fan-out → Redis, SQLite archive
//
// Configuration comes from the environment (see config.Load).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketfeed/config"
	"marketfeed/internal/gateway"
	"marketfeed/internal/indicator"
	"marketfeed/internal/logger"
	"marketfeed/internal/marketdata"
	"marketfeed/internal/marketdata/binance"
	"marketfeed/internal/marketdata/bus"
	"marketfeed/internal/marketdata/feed"
	"marketfeed/internal/metrics"
	"marketfeed/internal/model"
	redisstore "marketfeed/internal/store/redis"
	sqlitestore "marketfeed/internal/store/sqlite"
	"marketfeed/internal/tape"
)

const sinkBuffer = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet.
		logger.Init("feedd", "info").Fatal("config", zap.Error(err))
	}
	log := logger.Init("feedd", cfg.LogLevel)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("feedd stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("feedd stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	inst := cfg.Instrument()
	start := time.Now()
	if cfg.StagingMode {
		log.Warn("staging mode: using local barserver", zap.String("addr", cfg.BarServer))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus(inst.Symbol)

	// Feed
	mf, err := marketdata.New(marketdata.Options{
		Instrument: inst,
		RESTURL:    cfg.RESTURL,
		Feed: feed.Config{
			URL:            feedStreamURL(cfg),
			HistorySize:    cfg.HistorySize,
			ReconnectDelay: cfg.ReconnectDelay,
		},
	}, log)
	if err != nil {
		return err
	}
	defer mf.Dispose()
	instrumentFeed(mf, prom, health)

	// Sinks
	archive, err := sqlitestore.Open(sqlitestore.Config{DSN: cfg.SQLiteDSN}, inst, log)
	if err != nil {
		return err
	}
	defer archive.Close()
	health.SetSQLiteOK(true)
	archive.OnFlush = func(_ int, elapsed time.Duration) {
		prom.SQLiteCommitDur.Observe(elapsed.Seconds())
	}

	var publisher *redisstore.Publisher
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		publisher, err = redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, inst, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", zap.Error(err))
			publisher = nil
		} else {
			defer publisher.Close()
			instrumentPublisher(publisher, prom)
		}
	}

	fanout := bus.NewFanOut(sinkBuffer, log)
	fanout.OnDrop = func(sinkIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(sinkIdx)).Inc()
	}
	archiveIn := fanout.Output()
	var redisIn <-chan model.Candle
	if publisher != nil {
		redisIn = fanout.Output()
	}

	// Consumers
	panel := indicator.NewPanel(indicator.DefaultSettings())
	ticker := tape.New(inst.Symbol)
	wsHub := gateway.NewHub(inst, mf, log)
	wsHub.State = func() string { return mf.State().String() }
	wsHub.OnClients = func(n int) { prom.GatewayClients.Set(float64(n)) }
	wsHub.OnBroadcast = prom.GatewayMessages.Inc
	wsHub.OnSlowDrop = prom.GatewaySlowDrop.Inc

	routes := gateway.Routes{
		Hub:       wsHub,
		Ticker:    ticker,
		Analysis:  panel,
		Archive:   archive,
		RateLimit: rate.Limit(20),
		RateBurst: 50,
	}
	if publisher != nil {
		routes.Redis = publisher
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.Handler(routes, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg, log)

	g, ctx := errgroup.WithContext(ctx)

	// Each Run subscribes to the feed; the first subscription starts it.
	g.Go(func() error { fanout.Run(ctx, mf); return nil })
	g.Go(func() error { archive.Run(ctx, archiveIn); return nil })
	if redisIn != nil {
		g.Go(func() error { publisher.Run(ctx, redisIn); return nil })
	}
	g.Go(func() error { panel.Run(ctx, mf); return nil })
	g.Go(func() error { ticker.Run(ctx, mf); return nil })
	g.Go(func() error { wsHub.Run(ctx); return nil })
	g.Go(func() error { wsHub.RunStatsBroadcast(ctx, 2*time.Second, start); return nil })
	g.Go(func() error { sampleState(ctx, mf, fanout, prom, health); return nil })
	g.Go(func() error {
		var rdb *goredis.Client
		if publisher != nil {
			rdb = publisher.Client()
		}
		health.RunLivenessChecker(ctx, rdb, archive.DB(), 10*time.Second)
		return nil
	})
	g.Go(func() error { return metricsSrv.Run(ctx) })
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info("feedd running",
		zap.String("instrument", inst.Key()),
		zap.Int("history", cfg.HistorySize),
		zap.String("stream", feedStreamURL(cfg)),
		zap.Bool("redis", publisher != nil))

	return g.Wait()
}

func feedStreamURL(cfg *config.Config) string {
	return binance.StreamURL(cfg.StreamURL, cfg.Instrument())
}

// instrumentFeed wires connector and hub hooks to metrics and health.
func instrumentFeed(mf *marketdata.MarketFeed, prom *metrics.Metrics, health *metrics.HealthStatus) {
	conn := mf.Connector()
	conn.OnConnect = func() {
		health.SetFeedState(feed.StateStreaming.String(), true)
	}
	conn.OnDisconnect = func(error) {
		health.SetFeedState(feed.StateDisconnected.String(), false)
	}
	conn.OnReconnect = prom.Reconnects.Inc
	conn.OnMessage = func() {
		prom.StreamMessages.Inc()
		health.SetLastMessageTime(time.Now())
	}
	conn.OnDrop = prom.DroppedFrames.Inc
	conn.OnBackfill = func(n int, err error) {
		if err != nil {
			prom.Backfills.WithLabelValues("error").Inc()
			return
		}
		prom.Backfills.WithLabelValues("ok").Inc()
		prom.BackfillLen.Set(float64(n))
	}

	hub := mf.Hub()
	hub.OnUpdate = func(u bus.Update) {
		prom.CandleUpdates.WithLabelValues(u.String()).Inc()
		health.SetHistoryLen(hub.Len())
		prom.HistoryLen.Set(float64(hub.Len()))
		if last, ok := hub.Last(); ok {
			prom.CandleLag.Set(time.Since(last.OpenTime()).Seconds())
		}
	}
	hub.OnDispatch = func(elapsed time.Duration, subscribers int) {
		prom.DispatchDur.Observe(elapsed.Seconds())
		prom.Subscribers.Set(float64(subscribers))
	}
}

func instrumentPublisher(p *redisstore.Publisher, prom *metrics.Metrics) {
	p.OnPublish = func(err error) {
		if err != nil {
			prom.RedisPublish.WithLabelValues("error").Inc()
			return
		}
		prom.RedisPublish.WithLabelValues("ok").Inc()
	}
	p.OnPending = func(n int) { prom.RedisPending.Set(float64(n)) }
	p.Breaker().OnStateChange = func(_, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
	}
}

// sampleState publishes the connector state and fan-out saturation every
// few seconds.
func sampleState(ctx context.Context, mf *marketdata.MarketFeed, fanout *bus.FanOut, prom *metrics.Metrics, health *metrics.HealthStatus) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := mf.State()
			prom.FeedState.Set(float64(st))
			health.SetFeedState(st.String(), st == feed.StateStreaming)
			health.SetHistoryLen(mf.Hub().Len())
			for i, s := range fanout.ChannelStats() {
				if s.Cap > 0 {
					prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(float64(s.Len) / float64(s.Cap) * 100)
				}
			}
		}
	}
}
