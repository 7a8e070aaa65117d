// cmd/barserver: local stand-in for the exchange's kline REST and stream
// endpoints. Serves a random-walk market for one instrument so the feed can
// run in staging mode without internet access.
//
// Config (env vars):
//
//	BARSERVER_ADDR       listen address (default ":9001")
//	FEED_SYMBOL          instrument (default "PAXGUSDT")
//	FEED_INTERVAL        bar interval (default "1m")
//	BARSERVER_TRADE_MS   trade interval in milliseconds (default 250)
//	BARSERVER_PRICE      starting price (default 2650)
//	LOG_LEVEL            zap level (default "info")
package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketfeed/config"
	"marketfeed/internal/logger"
	"marketfeed/internal/marketdata/agg"
	"marketfeed/internal/model"
)

const historyBars = 1000

func main() {
	_ = godotenv.Load()
	log := logger.Init("barserver", envOr("LOG_LEVEL", "info"))
	defer log.Sync()

	inst := model.Instrument{
		Symbol:   strings.ToUpper(envOr("FEED_SYMBOL", "PAXGUSDT")),
		Interval: envOr("FEED_INTERVAL", "1m"),
	}
	interval, err := config.IntervalDuration(inst.Interval)
	if err != nil {
		log.Fatal("invalid interval", zap.Error(err))
	}
	addr := envOr("BARSERVER_ADDR", ":9001")
	tradeEvery := time.Duration(envInt("BARSERVER_TRADE_MS", 250)) * time.Millisecond
	price, _ := strconv.ParseFloat(envOr("BARSERVER_PRICE", "2650"), 64)
	if price <= 0 {
		price = 2650
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	bars := agg.New(interval, historyBars)
	bars.Seed(seedHistory(rng, historyBars-1, interval, time.Now(), price))
	srv := newServer(inst, interval, bars, log.Named("barserver"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	trades := make(chan agg.Trade, 64)
	updates := make(chan agg.Update, 256)

	g.Go(func() error {
		ticker := time.NewTicker(tradeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				price = walk(rng, price)
				select {
				case trades <- agg.Trade{Price: price, Qty: float64(rng.Intn(100)+1) / 100, Time: now}:
				default:
				}
			}
		}
	})
	g.Go(func() error {
		bars.Run(ctx, trades, updates, log)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case u := <-updates:
				srv.broadcast(srv.encodeUpdate(u, time.Now()))
			}
		}
	})

	httpSrv := &http.Server{Addr: addr, Handler: srv.routes(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", addr),
			zap.String("klines", "/api/v3/klines"),
			zap.String("stream", "/ws/"+inst.StreamName()))
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

	if err := g.Wait(); err != nil {
		log.Error("barserver stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("barserver stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
