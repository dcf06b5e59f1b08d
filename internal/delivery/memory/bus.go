// Package memory реализует транспорт в памяти процесса: все клиенты сессии в одном процессе
// (режим -dev и тесты). Поддерживает отключение клиента для имитации офлайна.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/phonemesh/internal/delivery"
	"github.com/phonemesh/internal/event"
)

type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Connect создаёт (или возвращает) точку подключения клиента clientID.
func (b *Bus) Connect(clientID string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[clientID]; ok {
		ep.setOnline(true)
		return ep
	}
	ep := &Endpoint{bus: b, id: clientID, online: true}
	b.endpoints[clientID] = ep
	return ep
}

func (b *Bus) targets(except string) []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for id, ep := range b.endpoints {
		if id != except {
			out = append(out, ep)
		}
	}
	return out
}

func (b *Bus) endpoint(id string) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[id]
	return ep, ok
}

// Endpoint реализует delivery.Publisher для одного клиента.
type Endpoint struct {
	bus *Bus
	id  string

	mu       sync.Mutex
	online   bool
	handlers delivery.Handlers
	// dropped — события, не доставленные этому клиенту, пока он был офлайн.
	dropped int
}

var _ delivery.Publisher = (*Endpoint)(nil)

// ID клиента.
func (e *Endpoint) ID() string { return e.id }

// SetOnline переключает подключение. Офлайн-клиент ничего не отправляет и не получает.
func (e *Endpoint) SetOnline(online bool) { e.setOnline(online) }

func (e *Endpoint) setOnline(v bool) {
	e.mu.Lock()
	e.online = v
	e.mu.Unlock()
}

func (e *Endpoint) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Dropped: сколько входящих событий потеряно, пока клиент был офлайн.
func (e *Endpoint) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Endpoint) deliver(ctx context.Context, env event.Envelope) bool {
	e.mu.Lock()
	if !e.online {
		e.dropped++
		e.mu.Unlock()
		return false
	}
	handlers := e.handlers.Snapshot()
	e.mu.Unlock()
	for _, h := range handlers {
		h(ctx, env)
	}
	return true
}

// Publish синхронно доставляет событие всем остальным подключённым клиентам.
func (e *Endpoint) Publish(ctx context.Context, env event.Envelope) error {
	if !e.isOnline() {
		return fmt.Errorf("memory.Publish %s: %w", env.Type, delivery.ErrDeliveryDropped)
	}
	for _, ep := range e.bus.targets(e.id) {
		ep.deliver(ctx, env)
	}
	return nil
}

// SendTo доставляет событие одному клиенту.
func (e *Endpoint) SendTo(ctx context.Context, clientID string, env event.Envelope) error {
	if !e.isOnline() {
		return fmt.Errorf("memory.SendTo %s: %w", clientID, delivery.ErrDeliveryDropped)
	}
	ep, ok := e.bus.endpoint(clientID)
	if !ok || !ep.deliver(ctx, env) {
		return fmt.Errorf("memory.SendTo %s: %w", clientID, delivery.ErrDeliveryDropped)
	}
	return nil
}

func (e *Endpoint) Subscribe(h delivery.Handler) func() {
	e.mu.Lock()
	id := e.handlers.Add(h)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.handlers.Remove(id)
		e.mu.Unlock()
	}
}

// Close отключает клиента от шины.
func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	delete(e.bus.endpoints, e.id)
	e.bus.mu.Unlock()
	e.setOnline(false)
	return nil
}
