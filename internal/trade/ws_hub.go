package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seedsx/market-engine/internal/curve"
	"github.com/seedsx/market-engine/internal/events"
	"github.com/seedsx/market-engine/internal/metrics"
)

// ErrHubBusy is returned by Publish when the broadcast buffer is full.
var ErrHubBusy = errors.New("ws hub: broadcast buffer full")

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type        string `json:"type"`
	DecisionID  string `json:"decision_id"`
	YesPrice    string `json:"yes_price,omitempty"`
	NoPrice     string `json:"no_price,omitempty"`
	YesCount    string `json:"yes_count,omitempty"`
	NoCount     string `json:"no_count,omitempty"`
	Probability string `json:"probability,omitempty"`
	Position    string `json:"position,omitempty"`
	TradeType   string `json:"trade_type,omitempty"`
	Shares      string `json:"shares,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when pool prices change.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			var dead []*websocket.Conn
			h.mu.RLock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		metrics.WebSocketClients.Dec()
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		// Drop if buffer full to avoid blocking trade execution.
		return ErrHubBusy
	}
}

// Publish implements events.Publisher. Trades carry the new prices; a
// resolution tells clients to stop quoting.
func (h *WSHub) Publish(_ context.Context, e events.Event) error {
	msg := WSMessage{
		Type:       string(e.Kind),
		DecisionID: e.DecisionID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch e.Kind {
	case events.KindTradeExecuted:
		if e.Tick != nil {
			msg.YesPrice = e.Tick.YesPrice.String()
			msg.NoPrice = e.Tick.NoPrice.String()
			msg.YesCount = e.Tick.YesCount.String()
			msg.NoCount = e.Tick.NoCount.String()
			msg.Probability = curve.Probability(e.Tick.YesPrice, e.Tick.NoPrice).String()
		}
		if e.Trade != nil {
			msg.Position = string(e.Trade.Position)
			msg.TradeType = string(e.Trade.Type)
			msg.Shares = e.Trade.Shares.String()
		}
	case events.KindDecisionResolved:
		if e.Resolution != nil && e.Resolution.Resolution != nil {
			msg.Outcome = string(e.Resolution.Kind())
		}
	default:
		return nil // ledger and lifecycle events are not broadcast
	}
	return h.Broadcast(msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
