// Package gateway serves the feed to browsers: a WebSocket stream of candle
// envelopes plus a small REST surface over the history, ticker, analysis and
// session archive.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketfeed/internal/model"
)

const (
	replayCapacity = 500
	clientSendBuf  = 256
)

// Hub manages WebSocket clients and fans feed updates out to them.
type Hub struct {
	inst model.Instrument
	src  model.CandleSource
	log  *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	replay *ReplayBuffer

	// Broadcast duration tracker.
	Latency *LatencyTracker

	// State reports the connector state for stats envelopes. Optional.
	State func() string

	// Hooks for metrics. All optional.
	OnClients   func(n int)
	OnBroadcast func()
	OnSlowDrop  func()
}

// NewHub creates a Hub serving updates from src.
func NewHub(inst model.Instrument, src model.CandleSource, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		inst:    inst,
		src:     src,
		log:     log.Named("gateway"),
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replayCapacity),
		Latency: NewLatencyTracker(10000),
	}
}

// Run subscribes to the feed and broadcasts every update until ctx is
// cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.src.Subscribe(h.Broadcast)
	<-ctx.Done()
	unsubscribe()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.notifyClients()
}

// Broadcast builds the envelope for latest, stores it for replay and queues
// it on every client. It has the model.Subscriber signature.
func (h *Hub) Broadcast(latest model.Candle, history []model.Candle) {
	start := time.Now()

	h.mu.Lock()
	seq := h.seq + 1
	buf, err := buildEnvelope(h.inst, seq, start.UTC(), latest, len(history))
	if err != nil {
		h.mu.Unlock()
		h.log.Warn("dropping unencodable candle",
			zap.Int64("time", latest.Time), zap.Error(err))
		return
	}
	h.seq = seq
	h.mu.Unlock()

	h.replay.Push(seq, buf)

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- buf:
		default:
			if h.OnSlowDrop != nil {
				h.OnSlowDrop()
			}
			h.log.Debug("slow client, message dropped",
				zap.String("client", c.id.String()), zap.Int64("seq", seq))
		}
	}
	h.mu.RUnlock()

	h.Latency.Record(time.Since(start))
	if h.OnBroadcast != nil {
		h.OnBroadcast()
	}
}

// snapshotMsg is the first message every client receives.
type snapshotMsg struct {
	Type     string         `json:"type"`
	Symbol   string         `json:"symbol"`
	Interval string         `json:"interval"`
	Seq      int64          `json:"seq"`
	History  []model.Candle `json:"history"`
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
func (h *Hub) HandleWSRequest(conn *websocket.Conn) *Client {
	client := &Client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		hub:  h,
	}

	// The snapshot is queued under the write lock so no envelope can reach
	// the client ahead of it.
	h.mu.Lock()
	snap, err := sonic.Marshal(snapshotMsg{
		Type:     "snapshot",
		Symbol:   h.inst.Symbol,
		Interval: h.inst.Interval,
		Seq:      h.seq,
		History:  model.CloneCandles(h.src.Snapshot()),
	})
	if err != nil {
		h.log.Error("encode snapshot", zap.String("client", client.id.String()), zap.Error(err))
	} else {
		client.send <- snap
	}
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected",
		zap.String("client", client.id.String()), zap.Int("total", count))
	h.notifyClients()

	go client.writePump()
	go client.readPump()
	return client
}

// RemoveClient removes a client from the hub. Safe to call more than once.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	h.notifyClients()
}

func (h *Hub) notifyClients() {
	if h.OnClients != nil {
		h.OnClients(h.ClientCount())
	}
}

// trySend queues msg on c unless c has been removed or its buffer is full.
func (h *Hub) trySend(c *Client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Missed returns buffered envelopes with seq in [fromSeq, toSeq].
func (h *Hub) Missed(fromSeq, toSeq int64) [][]byte {
	entries := h.replay.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Seq returns the sequence number of the last broadcast.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunStatsBroadcast sends process stats to all clients every interval.
func (h *Hub) RunStatsBroadcast(ctx context.Context, interval time.Duration, start time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := CollectStats(start)
			s.LatencyP50, s.LatencyP95, s.LatencyP99 = h.Latency.Percentiles()
			s.Clients = h.ClientCount()
			if h.State != nil {
				s.FeedState = h.State()
			}
			envelope, _ := sonic.Marshal(map[string]interface{}{
				"type":  "stats",
				"stats": s,
			})
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
