// Package binance adapts the exchange's kline REST and stream formats to
// model.Candle.
package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	gobinance "github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"marketfeed/internal/model"
)

// DefaultRESTURL is the public spot API base.
const DefaultRESTURL = "https://api.binance.com"

// maxHistoryLimit is the exchange's per-request kline cap.
const maxHistoryLimit = 1000

// RESTClient fetches historical klines for one instrument.
type RESTClient struct {
	client *gobinance.Client
	inst   model.Instrument
	log    *zap.Logger
}

// NewRESTClient creates a client against baseURL (DefaultRESTURL when empty).
// Only public endpoints are used, so no API keys are needed.
func NewRESTClient(baseURL string, inst model.Instrument, log *zap.Logger) *RESTClient {
	if log == nil {
		log = zap.NewNop()
	}
	c := gobinance.NewClient("", "")
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	c.BaseURL = strings.TrimRight(baseURL, "/")
	return &RESTClient{
		client: c,
		inst:   inst,
		log:    log.Named("binance-rest"),
	}
}

// FetchHistory returns up to limit most recent candles, oldest first. The
// last one is usually the bucket still in progress. Rows whose prices do
// not parse are skipped.
func (r *RESTClient) FetchHistory(ctx context.Context, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	klines, err := r.client.NewKlinesService().
		Symbol(strings.ToUpper(r.inst.Symbol)).
		Interval(r.inst.Interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", r.inst.Key(), err)
	}

	out := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := fromKline(k)
		if err != nil {
			r.log.Debug("skipping kline row", zap.Int64("time", k.OpenTime), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	r.log.Debug("fetched history", zap.String("instrument", r.inst.Key()), zap.Int("candles", len(out)))
	return out, nil
}

func fromKline(k *gobinance.Kline) (model.Candle, error) {
	var (
		c   = model.Candle{Time: k.OpenTime}
		err error
	)
	fields := []struct {
		dst *float64
		src string
	}{
		{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close}, {&c.Volume, k.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.src, 64); err != nil {
			return model.Candle{}, err
		}
		if math.IsNaN(*f.dst) || math.IsInf(*f.dst, 0) {
			return model.Candle{}, fmt.Errorf("non-finite value %q", f.src)
		}
	}
	return c, nil
}
