// Package stream pushes committed wallet events to connected WebSocket
// clients, one subscription per user.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	send chan []byte
}

// Hub is a wallet.Publisher that fans events out to live connections.
// A slow client loses events instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[wallet.UserID]map[*client]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[wallet.UserID]map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Publish(_ context.Context, ev wallet.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.clients[ev.UserID]
	if len(subs) == 0 {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	for c := range subs {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stream client too slow, dropping event",
				zap.String("user_id", string(ev.UserID)),
				zap.String("kind", string(ev.Kind)),
			)
		}
	}
	return nil
}

// Subscribers is the number of open connections for userID.
func (h *Hub) Subscribers(userID wallet.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) register(userID wallet.UserID) *client {
	c := &client{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	return c
}

func (h *Hub) unregister(userID wallet.UserID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], c)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// Serve upgrades the request and streams userID's events until the client
// goes away. initial, if non-nil, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID wallet.UserID, initial any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", string(userID)), zap.Error(err))
		return
	}

	c := h.register(userID)
	defer h.unregister(userID, c)

	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.send <- data
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

var _ wallet.Publisher = (*Hub)(nil)
