// Package feed keeps one live kline stream connected and hands every bar it
// receives to the history owner.
//
// Each Start runs, concurrently, a one-shot REST backfill and a stream
// session. When a session ends for any reason a single reconnect timer is
// armed with a fixed delay; when it fires Start runs again. There is no
// backoff growth and no retry limit. Dispose stops everything.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketfeed/internal/marketdata/binance"
	"marketfeed/internal/marketdata/bus"
	"marketfeed/internal/model"
)

// State is the connector's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateBackfilling
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateBackfilling:
		return "BACKFILLING"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Backfiller fetches the most recent candles, oldest first.
type Backfiller interface {
	FetchHistory(ctx context.Context, limit int) ([]model.Candle, error)
}

// Sink owns the canonical history. *bus.Hub implements it.
type Sink interface {
	Publish(c model.Candle) bus.Update
	Load(candles []model.Candle) int
}

// Config holds connector settings.
type Config struct {
	// URL of the kline stream, e.g. "wss://stream.binance.com:9443/ws/paxgusdt@kline_1m"
	URL string

	// HistorySize is the number of candles requested by the backfill.
	HistorySize int

	// ReconnectDelay is the fixed wait between a session ending and the
	// next Start. Defaults to 5 seconds.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the WebSocket dial. Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// BackfillTimeout bounds the REST request. Defaults to 15 seconds.
	BackfillTimeout time.Duration

	// ReadTimeout closes a session that receives neither data nor pings for
	// this long. Defaults to 5 minutes.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackfillTimeout <= 0 {
		c.BackfillTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Minute
	}
}

const writeWait = 5 * time.Second

// Connector owns the stream connection and the reconnect timer.
type Connector struct {
	cfg      Config
	sink     Sink
	backfill Backfiller
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool        // a stream session is dialing or reading
	disposed bool        // Dispose was called; Start is a no-op
	retry    *time.Timer // pending reconnect, at most one

	conn        atomic.Int32 // connection State owned by the session goroutine
	backfilling atomic.Bool

	// Optional hooks, set before the first Start.
	OnConnect    func()
	OnDisconnect func(err error)
	OnReconnect  func()
	OnMessage    func()
	OnDrop       func()
	OnBackfill   func(candles int, err error)
}

// New creates a Connector. backfill may be nil to stream without history.
// It returns an error if the URL is unparseable.
func New(cfg Config, sink Sink, backfill Backfiller, log *zap.Logger) (*Connector, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:      cfg,
		sink:     sink,
		backfill: backfill,
		log:      log.Named("feed"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// State reports the current lifecycle state. BACKFILLING is only reported
// while a session is dialing; a backfill still in flight after the session
// dropped does not hide the disconnect.
func (c *Connector) State() State {
	s := State(c.conn.Load())
	if s == StateConnecting && c.backfilling.Load() {
		return StateBackfilling
	}
	return s
}

// Start launches a backfill and a stream session. It is a no-op while a
// session is live, while a reconnect is pending, or after Dispose, and it
// never blocks. The reconnect timer is the only path back from a
// disconnect, so dials stay one ReconnectDelay apart however often Start
// is called.
func (c *Connector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.running || c.retry != nil {
		return
	}
	c.running = true
	c.conn.Store(int32(StateConnecting))

	if c.backfill != nil && c.backfilling.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.runBackfill()
	}
	c.wg.Add(1)
	go c.runSession()
}

// Dispose closes the connection, cancels a pending reconnect and any
// in-flight backfill, and waits for the connector's goroutines to exit.
// Later calls to Start do nothing.
func (c *Connector) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.conn.Store(int32(StateDisconnected))
	c.log.Info("feed disposed")
}

func (c *Connector) runBackfill() {
	defer c.wg.Done()
	defer c.backfilling.Store(false)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.BackfillTimeout)
	candles, err := c.backfill.FetchHistory(ctx, c.cfg.HistorySize)
	cancel()

	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.log.Warn("backfill failed, keeping current history", zap.Error(err))
		if c.OnBackfill != nil {
			c.OnBackfill(0, err)
		}
		return
	}

	n := c.sink.Load(candles)
	c.log.Info("backfill loaded", zap.Int("candles", n))
	if c.OnBackfill != nil {
		c.OnBackfill(n, nil)
	}
}

func (c *Connector) runSession() {
	defer c.wg.Done()

	err := c.stream()

	c.mu.Lock()
	c.running = false
	c.conn.Store(int32(StateDisconnected))
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.retry = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
	c.mu.Unlock()

	c.log.Warn("stream disconnected, reconnecting",
		zap.Error(err), zap.Duration("delay", c.cfg.ReconnectDelay))
	if c.OnDisconnect != nil {
		c.OnDisconnect(err)
	}
}

func (c *Connector) reconnect() {
	c.mu.Lock()
	c.retry = nil
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return
	}
	if c.OnReconnect != nil {
		c.OnReconnect()
	}
	c.Start()
}

// stream makes a single connection and reads until disconnect or dispose.
// A nil error means the stream closed cleanly.
func (c *Connector) stream() error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	c.conn.Store(int32(StateStreaming))
	c.log.Info("stream connected", zap.String("url", c.cfg.URL))
	if c.OnConnect != nil {
		c.OnConnect()
	}

	// Closes the connection on dispose so ReadMessage returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(writeWait))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if c.OnMessage != nil {
			c.OnMessage()
		}

		candle, _, ok := binance.ParseKline(raw)
		if !ok {
			if c.OnDrop != nil {
				c.OnDrop()
			}
			c.log.Debug("ignoring non-kline frame", zap.Int("bytes", len(raw)))
			continue
		}
		c.sink.Publish(candle)
	}
}
