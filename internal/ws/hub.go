package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Client is one WebSocket connection of an authenticated user.
type Client struct {
	UserID uint
	Role   string
	Send   chan []byte
	hub    *Hub
	once   sync.Once
}

func NewClient(userID uint, role string) *Client {
	return &Client{UserID: userID, Role: role, Send: make(chan []byte, 32)}
}

// Close unregisters the client before closing Send so no broadcast can hit a closed channel.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.hub != nil {
			c.hub.unregister(c)
		}
		close(c.Send)
	})
}

// Hub fans payment status messages out to the connections of each user.
type Hub struct {
	mu     sync.RWMutex
	byUser map[uint]map[*Client]struct{}
	count  int
	log    *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{byUser: make(map[uint]map[*Client]struct{}), log: log}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.hub = h
	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[*Client]struct{})
	}
	if _, ok := h.byUser[c.UserID][c]; !ok {
		h.byUser[c.UserID][c] = struct{}{}
		h.count++
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.byUser[c.UserID]
	if _, ok := m[c]; !ok {
		return
	}
	delete(m, c)
	h.count--
	if len(m) == 0 {
		delete(h.byUser, c.UserID)
	}
}

// BroadcastToUser never blocks; a client whose buffer is full misses the message.
func (h *Hub) BroadcastToUser(userID uint, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("ws payload marshal failed", slog.Uint64("user_id", uint64(userID)), slog.Any("err", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		select {
		case c.Send <- data:
		default:
			h.log.Warn("ws client buffer full, dropping message", slog.Uint64("user_id", uint64(userID)))
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
