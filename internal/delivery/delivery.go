// Package delivery: транспорт рассылки событий между клиентами сессии.
// Доставка best-effort: ошибки отправки не откатывают уже записанное состояние.
package delivery

import (
	"context"
	"errors"

	"github.com/phonemesh/internal/event"
)

// ErrDeliveryDropped: событие не ушло в транспорт (нет соединения, буфер полон и т.п.).
var ErrDeliveryDropped = errors.New("delivery dropped")

// Handler получает входящие события. Вызывается из горутины транспорта.
type Handler func(ctx context.Context, env event.Envelope)

// Publisher — «отправить всем подключённым клиентам» и «отправить конкретному клиенту».
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
	SendTo(ctx context.Context, clientID string, env event.Envelope) error
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// Handlers: список подписчиков для реализаций Publisher. Блокировку держит реализация.
type Handlers struct {
	set  map[int]Handler
	next int
}

func (h *Handlers) Add(fn Handler) int {
	if h.set == nil {
		h.set = make(map[int]Handler)
	}
	id := h.next
	h.next++
	h.set[id] = fn
	return id
}

func (h *Handlers) Remove(id int) { delete(h.set, id) }

// Snapshot копирует подписчиков, чтобы вызывать их вне блокировки.
func (h *Handlers) Snapshot() []Handler {
	out := make([]Handler, 0, len(h.set))
	for i := 0; i < h.next; i++ {
		if fn, ok := h.set[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}
