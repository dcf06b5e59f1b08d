// Package ws реализует relay событий синхронизации, websocket-хаб, который пересылает конверты
// всем подключённым клиентам сессии или одному клиенту. Состояния не хранит.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/metrics"
)

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	limits     Limits
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(limits Limits) *Hub {
	def := DefaultLimits()
	if limits.MaxConns <= 0 {
		limits.MaxConns = def.MaxConns
	}
	if limits.SendBufSize <= 0 {
		limits.SendBufSize = def.SendBufSize
	}
	if limits.WriteWait <= 0 {
		limits.WriteWait = def.WriteWait
	}
	if limits.PongWait <= 0 {
		limits.PongWait = def.PongWait
	}
	if limits.MaxMessageSize <= 0 {
		limits.MaxMessageSize = def.MaxMessageSize
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		limits:     limits,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.RelayClients.Set(0)

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.limits.MaxConns {
		h.mu.Unlock()
		logger.Errorf("relay connection limit reached (%d), rejecting client=%s", h.limits.MaxConns, c.clientID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.clientID]; !ok {
		h.clients[c.clientID] = make(map[*Client]struct{})
	}
	h.clients[c.clientID][c] = struct{}{}
	h.total++
	total := h.total
	h.mu.Unlock()
	metrics.RelayClients.Set(float64(total))
	logger.Infof("relay: client %s connected (%d total)", c.clientID, total)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.clientID)
	}
	total := h.total
	h.mu.Unlock()
	metrics.RelayClients.Set(float64(total))

	// Network I/O outside the lock.
	c.Close()
	logger.Infof("relay: client %s disconnected", c.clientID)
}

// HandleFrame проверяет конверт и пересылает его. Клиент не может выдать себя за другого.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("relay.HandleFrame", time.Now())()
	env, err := event.Decode(frame.Envelope)
	if err != nil {
		h.sendToClient(c, OutgoingFrame{Type: FrameError, Error: err.Error()})
		return
	}
	if env.OriginID != c.clientID {
		h.sendToClient(c, OutgoingFrame{Type: FrameError, Error: "origin mismatch"})
		return
	}
	out := OutgoingFrame{Type: FrameEvent, From: c.clientID, Envelope: frame.Envelope}
	if frame.To == "" {
		h.broadcast(c.clientID, out)
		return
	}
	if !h.sendToID(frame.To, out) {
		metrics.DeliveriesDropped.WithLabelValues(string(env.Type)).Inc()
		h.sendToClient(c, OutgoingFrame{Type: FrameError, Error: "recipient offline: " + frame.To})
	}
}

// broadcast — всем клиентам, кроме отправителя (все его соединения тоже пропускаются).
func (h *Hub) broadcast(except string, out OutgoingFrame) {
	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for id, clients := range h.clients {
		if id == except {
			continue
		}
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

func (h *Hub) sendToID(clientID string, out OutgoingFrame) bool {
	h.mu.RLock()
	clients, ok := h.clients[clientID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
	return len(targets) > 0
}

func (h *Hub) sendToClient(c *Client, out OutgoingFrame) {
	select {
	case c.send <- out:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("relay send buffer full, closing slow client=%s", c.clientID)
		c.Close()
	}
}

// Kick закрывает все соединения клиента; клиент переподключится сам.
func (h *Hub) Kick(clientID string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[clientID]))
	for c := range h.clients[clientID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Close()
	}
	return len(targets)
}

// Connected: число соединений.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
