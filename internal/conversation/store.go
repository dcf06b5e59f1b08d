// Package conversation хранит журналы сообщений по парам устройств.
// У каждого устройства своя физическая копия беседы: удаление и очистка односторонние.
package conversation

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phonemesh/internal/model"
)

var ErrInvalidMessage = errors.New("invalid message")

// State: состояние беседы с точки зрения одного устройства.
type State int

const (
	StateEmpty State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "empty"
}

// Key — канонический ключ пары устройств.
func Key(a, b model.DeviceID) model.ConversationKey { return model.KeyOf(a, b) }

// log: упорядоченный журнал одной беседы. Добавление O(1), сортировка ленивая.
type log struct {
	msgs   []model.Message
	index  map[string]int
	sorted bool
}

func newLog() *log {
	return &log{index: make(map[string]int), sorted: true}
}

func (l *log) add(m model.Message) bool {
	if _, ok := l.index[m.ID]; ok {
		return false
	}
	if n := len(l.msgs); n > 0 && model.Less(&m, &l.msgs[n-1]) {
		l.sorted = false
	}
	l.index[m.ID] = len(l.msgs)
	l.msgs = append(l.msgs, m)
	return true
}

func (l *log) ensureSorted() {
	if l.sorted {
		return
	}
	sort.SliceStable(l.msgs, func(i, j int) bool { return model.Less(&l.msgs[i], &l.msgs[j]) })
	l.reindex()
	l.sorted = true
}

func (l *log) reindex() {
	l.index = make(map[string]int, len(l.msgs))
	for i := range l.msgs {
		l.index[l.msgs[i].ID] = i
	}
}

type Store struct {
	mu     sync.RWMutex
	copies map[model.DeviceID]map[model.ConversationKey]*log
	newID  func() string
}

func NewStore() *Store {
	return &Store{
		copies: make(map[model.DeviceID]map[model.ConversationKey]*log),
		newID:  func() string { return uuid.New().String() },
	}
}

// Reset удаляет все копии всех устройств.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies = make(map[model.DeviceID]map[model.ConversationKey]*log)
}

// Validate проверяет сообщение относительно ключа беседы.
func Validate(key model.ConversationKey, m *model.Message) error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrInvalidMessage
	}
	if m.SenderID == "" || m.ReceiverID == "" || m.SenderID == m.ReceiverID {
		return ErrInvalidMessage
	}
	if model.KeyOf(m.SenderID, m.ReceiverID) != key {
		return ErrInvalidMessage
	}
	return nil
}

// Prepare проверяет сообщение, назначает id и время, если они не заданы.
func (s *Store) Prepare(key model.ConversationKey, m model.Message) (model.Message, error) {
	if err := Validate(key, &m); err != nil {
		return model.Message{}, err
	}
	if m.ID == "" {
		m.ID = s.newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m, nil
}

// Append добавляет сообщение в копию устройства owner. owner должен быть отправителем
// или получателем. Повторное добавление того же id: no-op (false).
func (s *Store) Append(owner model.DeviceID, key model.ConversationKey, m model.Message) (model.Message, bool, error) {
	m, err := s.Prepare(key, m)
	if err != nil {
		return model.Message{}, false, err
	}
	if owner != m.SenderID && owner != m.ReceiverID {
		return model.Message{}, false, ErrInvalidMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m, s.logFor(owner, key, true).add(m), nil
}

func (s *Store) logFor(owner model.DeviceID, key model.ConversationKey, create bool) *log {
	convs, ok := s.copies[owner]
	if !ok {
		if !create {
			return nil
		}
		convs = make(map[model.ConversationKey]*log)
		s.copies[owner] = convs
	}
	l, ok := convs[key]
	if !ok {
		if !create {
			return nil
		}
		l = newLog()
		convs[key] = l
	}
	return l
}

// Get возвращает сообщения копии viewer по возрастанию времени. limit>0 оставляет последние limit.
func (s *Store) Get(viewer model.DeviceID, key model.ConversationKey, limit int) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(viewer, key, false)
	if l == nil {
		return []model.Message{}
	}
	l.ensureSorted()
	msgs := l.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Last возвращает последнее сообщение беседы в копии viewer.
func (s *Store) Last(viewer model.DeviceID, key model.ConversationKey) (model.Message, bool) {
	msgs := s.Get(viewer, key, 1)
	if len(msgs) == 0 {
		return model.Message{}, false
	}
	return msgs[0], true
}

// State: EMPTY → ACTIVE на первом сообщении; обратно только через очистку.
func (s *Store) State(viewer model.DeviceID, key model.ConversationKey) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.logFor(viewer, key, false)
	if l == nil || len(l.msgs) == 0 {
		return StateEmpty
	}
	return StateActive
}

// Keys — ключи непустых бесед в копии viewer.
func (s *Store) Keys(viewer model.DeviceID) []model.ConversationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]model.ConversationKey, 0, len(s.copies[viewer]))
	for k, l := range s.copies[viewer] {
		if len(l.msgs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// DeleteMessages удаляет сообщения только из копии viewer. Возвращает число удалённых.
func (s *Store) DeleteMessages(viewer model.DeviceID, key model.ConversationKey, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(viewer, key, false)
	if l == nil {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := l.index[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return 0
	}
	kept := l.msgs[:0]
	for _, m := range l.msgs {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	l.msgs = kept
	l.reindex()
	return len(drop)
}

// Clear очищает беседу в копии viewer (беседа возвращается в EMPTY).
func (s *Store) Clear(viewer model.DeviceID, key model.ConversationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := s.copies[viewer]
	l, ok := convs[key]
	if !ok {
		return 0
	}
	n := len(l.msgs)
	delete(convs, key)
	return n
}

// ClearUpTo удаляет из копии viewer сообщения не позже at. Нулевое at: очистка целиком.
func (s *Store) ClearUpTo(viewer model.DeviceID, key model.ConversationKey, at time.Time) int {
	if at.IsZero() {
		return s.Clear(viewer, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(viewer, key, false)
	if l == nil {
		return 0
	}
	n := 0
	kept := l.msgs[:0]
	for _, m := range l.msgs {
		if m.Timestamp.After(at) {
			kept = append(kept, m)
			continue
		}
		n++
	}
	if n == 0 {
		return 0
	}
	l.msgs = kept
	l.reindex()
	if len(l.msgs) == 0 {
		delete(s.copies[viewer], key)
	}
	return n
}

// ClearAll очищает все беседы устройства viewer.
func (s *Store) ClearAll(viewer model.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.copies[viewer] {
		n += len(l.msgs)
	}
	delete(s.copies, viewer)
	return n
}

// MarkReadUpTo выставляет Read у полученных viewer сообщений не позже at.
func (s *Store) MarkReadUpTo(viewer model.DeviceID, key model.ConversationKey, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(viewer, key, false)
	if l == nil {
		return 0
	}
	n := 0
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.ReceiverID == viewer && !m.Read && !m.Timestamp.After(at) {
			m.Read = true
			n++
		}
	}
	return n
}

// CountAfter считает сообщения копии viewer, полученные им после at.
func (s *Store) CountAfter(viewer model.DeviceID, key model.ConversationKey, at time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.logFor(viewer, key, false)
	if l == nil {
		return 0
	}
	n := 0
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.ReceiverID == viewer && m.SenderID != viewer && m.Timestamp.After(at) {
			n++
		}
	}
	return n
}

// Export возвращает копию всех бесед устройства (по возрастанию).
func (s *Store) Export(viewer model.DeviceID) map[model.ConversationKey][]model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.ConversationKey][]model.Message, len(s.copies[viewer]))
	for k, l := range s.copies[viewer] {
		if len(l.msgs) == 0 {
			continue
		}
		l.ensureSorted()
		msgs := make([]model.Message, len(l.msgs))
		copy(msgs, l.msgs)
		out[k] = msgs
	}
	return out
}

// Replace заменяет беседу в копии viewer готовым списком (результат слияния).
func (s *Store) Replace(viewer model.DeviceID, key model.ConversationKey, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) == 0 {
		if convs := s.copies[viewer]; convs != nil {
			delete(convs, key)
		}
		return
	}
	l := newLog()
	for _, m := range msgs {
		l.add(m)
	}
	l.ensureSorted()
	if _, ok := s.copies[viewer]; !ok {
		s.copies[viewer] = make(map[model.ConversationKey]*log)
	}
	s.copies[viewer][key] = l
}
