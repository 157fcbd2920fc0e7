package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gary322/flashbets-sub009/internal/metrics"
	"github.com/gary322/flashbets-sub009/internal/model"
)

const (
	writeWait  = 10 * time.Second // per-message write deadline
	pongWait   = 60 * time.Second // read deadline, extended by each pong
	pingPeriod = 30 * time.Second // must be shorter than pongWait
	sendBuffer = 64               // outbound queue before a subscriber is dropped
)

// Event is a JSON message pushed to WebSocket subscribers. Measurement
// events carry the realized outcome; price events carry only the market.
type Event struct {
	Type       string `json:"type"`
	PositionID string `json:"position_id,omitempty"`
	WalletID   string `json:"wallet_id,omitempty"`
	MarketID   string `json:"market_id"`
	Outcome    *int   `json:"outcome,omitempty"`
	Payoff     string `json:"payoff,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
}

// subscriber is one connected client. The hub loop owns membership; the
// write pump drains send until the hub closes it.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	wallet string // non-empty limits delivery to one wallet's events
}

// Hub fans events out to WebSocket subscribers. Membership and delivery
// both run on the hub goroutine, so the subscriber set needs no lock.
type Hub struct {
	subscribers map[*subscriber]struct{}
	events      chan Event
	register    chan *subscriber
	unregister  chan *subscriber
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		events:      make(chan Event, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
	}
}

// Run starts the hub's event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.subscribers[sub] = struct{}{}
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.subscribers), "wallet", sub.wallet)

		case sub := <-h.unregister:
			h.drop(sub)

		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for sub := range h.subscribers {
				if sub.wallet != "" && ev.WalletID != "" && ev.WalletID != sub.wallet {
					continue
				}
				select {
				case sub.send <- data:
				default:
					// Queue full: the subscriber stopped reading.
					h.drop(sub)
				}
			}
		}
	}
}

// drop removes a subscriber and closes its queue, which ends its write
// pump. Safe to call twice; the second call is a no-op.
func (h *Hub) drop(sub *subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.send)
	metrics.WebSocketClients.Dec()
}

// Broadcast queues an event for delivery. Drops the event when the hub is
// saturated rather than blocking measurement paths.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// BroadcastMeasurement pushes one collapse record to subscribers.
func (h *Hub) BroadcastMeasurement(m model.QuantumMeasurement) {
	outcome := m.Outcome
	h.Broadcast(Event{
		Type:       "measurement",
		PositionID: m.PositionID,
		WalletID:   m.WalletID,
		MarketID:   m.MarketID,
		Outcome:    &outcome,
		Payoff:     m.Payoff.String(),
		Trigger:    m.Trigger,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An
// optional ?wallet= query narrows the stream to that wallet's
// measurements; market-wide events always pass.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := &subscriber{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		wallet: r.URL.Query().Get("wallet"),
	}
	h.register <- sub

	go sub.writePump()
	go sub.readPump(h)
}

// readPump discards inbound frames and tells the hub when the peer goes
// away. Pongs extend the read deadline.
func (s *subscriber) readPump(h *Hub) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send queue and pings on an interval. It exits when
// the hub closes the queue or a write fails.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
