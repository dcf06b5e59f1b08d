// Package unread ведёт отметки прочтения (watermark) и считает непрочитанные.
// Счётчики не кешируются: каждый вызов пересчитывает их по хранилищу бесед.
package unread

import (
	"sync"
	"time"

	"github.com/phonemesh/internal/contacts"
	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/model"
)

type Tracker struct {
	mu         sync.RWMutex
	watermarks map[model.DeviceID]map[model.ConversationKey]time.Time
	store      *conversation.Store
	graph      *contacts.Graph
}

func NewTracker(store *conversation.Store, graph *contacts.Graph) *Tracker {
	return &Tracker{
		watermarks: make(map[model.DeviceID]map[model.ConversationKey]time.Time),
		store:      store,
		graph:      graph,
	}
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watermarks = make(map[model.DeviceID]map[model.ConversationKey]time.Time)
}

// advance сдвигает отметку только вперёд. Возвращает true, если отметка изменилась.
func (t *Tracker) advance(observer model.DeviceID, key model.ConversationKey, at time.Time) bool {
	wm, ok := t.watermarks[observer]
	if !ok {
		wm = make(map[model.ConversationKey]time.Time)
		t.watermarks[observer] = wm
	}
	if cur, ok := wm[key]; ok && !at.After(cur) {
		return false
	}
	wm[key] = at
	return true
}

// MarkRead сдвигает отметку прочтения (max-семантика): устаревшее событие не «разчитывает»
// сообщения. Флаги Read в копии наблюдателя выставляются по итоговой отметке.
func (t *Tracker) MarkRead(observer model.DeviceID, key model.ConversationKey, at time.Time) bool {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.mu.Lock()
	advanced := t.advance(observer, key, at)
	wm := t.watermarks[observer][key]
	t.mu.Unlock()
	t.store.MarkReadUpTo(observer, key, wm)
	return advanced
}

// Watermark возвращает отметку (нулевое время, если её нет).
func (t *Tracker) Watermark(observer model.DeviceID, key model.ConversationKey) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watermarks[observer][key]
}

// UnreadCount — число сообщений беседы, полученных observer после отметки.
func (t *Tracker) UnreadCount(observer model.DeviceID, key model.ConversationKey) int {
	return t.store.CountAfter(observer, key, t.Watermark(observer, key))
}

// UnreadCountsForDevice: счётчики по всем контактам устройства (для бейджей списка).
func (t *Tracker) UnreadCountsForDevice(id model.DeviceID) map[model.DeviceID]int {
	peers := t.graph.ContactsOf(id)
	out := make(map[model.DeviceID]int, len(peers))
	for _, p := range peers {
		out[p] = t.UnreadCount(id, model.KeyOf(id, p))
	}
	return out
}

// Export возвращает отметки устройства.
func (t *Tracker) Export(observer model.DeviceID) map[model.ConversationKey]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.ConversationKey]time.Time, len(t.watermarks[observer]))
	for k, v := range t.watermarks[observer] {
		out[k] = v
	}
	return out
}

// Import сливает отметки с max-семантикой и обновляет флаги Read.
func (t *Tracker) Import(observer model.DeviceID, marks map[model.ConversationKey]time.Time) {
	for k, at := range marks {
		t.MarkRead(observer, k, at)
	}
}
