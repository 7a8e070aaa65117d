// Package marketdata assembles the live market feed for one instrument: a
// bus.Hub holding the history and a feed.Connector keeping it current.
package marketdata

import (
	"go.uber.org/zap"

	"marketfeed/internal/marketdata/binance"
	"marketfeed/internal/marketdata/bus"
	"marketfeed/internal/marketdata/feed"
	"marketfeed/internal/model"
)

// Options configures a MarketFeed.
type Options struct {
	Instrument model.Instrument
	Feed       feed.Config

	// Backfiller overrides the REST client built from RESTURL.
	Backfiller feed.Backfiller
	RESTURL    string
	// DisableBackfill streams without fetching history first.
	DisableBackfill bool
}

// MarketFeed is the injectable handle consumers depend on. Nothing touches
// the network until the first Subscribe or an explicit Start.
type MarketFeed struct {
	inst model.Instrument
	hub  *bus.Hub
	conn *feed.Connector
	log  *zap.Logger
}

var _ model.CandleSource = (*MarketFeed)(nil)

// New wires a hub and a connector. When opts.Feed.URL is empty the stream
// URL is derived from the instrument and the public exchange endpoint.
func New(opts Options, log *zap.Logger) (*MarketFeed, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("instrument", opts.Instrument.Key()))

	cfg := opts.Feed
	if cfg.URL == "" {
		cfg.URL = binance.StreamURL("", opts.Instrument)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}

	backfiller := opts.Backfiller
	if backfiller == nil && !opts.DisableBackfill {
		backfiller = binance.NewRESTClient(opts.RESTURL, opts.Instrument, log)
	}

	hub := bus.NewHub(cfg.HistorySize, log)
	conn, err := feed.New(cfg, hub, backfiller, log)
	if err != nil {
		return nil, err
	}
	hub.SetStarter(conn)

	return &MarketFeed{inst: opts.Instrument, hub: hub, conn: conn, log: log}, nil
}

// Subscribe registers fn, replays the current state to it if any, and starts
// the feed if it is not running.
func (m *MarketFeed) Subscribe(fn model.Subscriber) (unsubscribe func()) {
	return m.hub.Subscribe(fn)
}

// Snapshot returns a copy of the current history, oldest first.
func (m *MarketFeed) Snapshot() []model.Candle {
	return m.hub.Snapshot()
}

// Start starts the feed without registering a subscriber.
func (m *MarketFeed) Start() {
	m.conn.Start()
}

// State reports the connector state.
func (m *MarketFeed) State() feed.State {
	return m.conn.State()
}

// Dispose tears down the connection and any pending reconnect. The history
// stays readable.
func (m *MarketFeed) Dispose() {
	m.conn.Dispose()
}

// Instrument returns the instrument this feed follows.
func (m *MarketFeed) Instrument() model.Instrument {
	return m.inst
}

// Hub exposes the distribution hub for instrumentation hooks.
func (m *MarketFeed) Hub() *bus.Hub {
	return m.hub
}

// Connector exposes the feed connector for instrumentation hooks.
func (m *MarketFeed) Connector() *feed.Connector {
	return m.conn
}
