package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/registry"
)

// checkOwned: устройство живое и принадлежит клиенту.
func (s *Session) checkOwned(id model.DeviceID) error {
	if !s.reg.IsLive(id) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	s.mu.Lock()
	ok := s.owns(id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return nil
}

func checkKey(viewer model.DeviceID, key model.ConversationKey) error {
	if _, ok := key.Peer(viewer); !ok {
		return fmt.Errorf("%w: %s is not a party of %s", ErrForbidden, viewer, key)
	}
	return nil
}

// mutate — общий путь локальной операции: применить, записать (фаза 1), поставить в очередь,
// разослать (фаза 2). Ошибка записи возвращается, но локальное состояние остаётся.
func (s *Session) mutate(ctx context.Context, p event.Payload) error {
	env := event.New(s.cfg.ClientID, p)
	s.mu.Lock()
	touched, registryChanged := s.applyLocal(env)
	err := s.persist(ctx, touched, registryChanged)
	s.enqueue(env)
	s.mu.Unlock()

	s.broadcast(ctx, env)
	s.notify(updateFor(env, touched))
	if err != nil {
		return fmt.Errorf("session.%s: %w", env.Type, err)
	}
	return nil
}

// Send отправляет сообщение from → to. Недостающие рёбра контактов добавляются с обеих сторон.
// Сбой записи откатывает сообщение и возвращает ErrNotSent; сбой рассылки не откатывает.
func (s *Session) Send(ctx context.Context, from, to model.DeviceID, text string) (model.Message, error) {
	defer logger.DeferLogDuration("session.Send", time.Now())()
	if err := s.checkOwned(from); err != nil {
		return model.Message{}, err
	}
	if !s.reg.IsLive(to) {
		return model.Message{}, fmt.Errorf("%w: %s", ErrUnknownDevice, to)
	}
	s.ensureSynced(ctx, from)

	key := conversation.Key(from, to)
	m, err := s.store.Prepare(key, model.Message{SenderID: from, ReceiverID: to, Text: text})
	if err != nil {
		return model.Message{}, err
	}
	env := event.New(s.cfg.ClientID, event.MessageSent{Message: m})

	s.mu.Lock()
	hadTo, hadFrom := s.graph.Has(from, to), s.graph.Has(to, from)
	touched, _ := s.applyLocal(env)
	if err := s.persist(ctx, touched, false); err != nil {
		for _, id := range touched {
			s.store.DeleteMessages(id, key, []string{m.ID})
		}
		if !hadTo {
			s.graph.Remove(from, to)
		}
		if !hadFrom {
			s.graph.Remove(to, from)
		}
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	s.enqueue(env)
	s.mu.Unlock()

	s.broadcast(ctx, env)
	s.notify(updateFor(env, touched))
	return m, nil
}

// SendToAddress: отправка по телефоноподобному адресу.
func (s *Session) SendToAddress(ctx context.Context, from model.DeviceID, address, text string) (model.Message, error) {
	d, err := s.reg.LookupByAddress(address)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	return s.Send(ctx, from, d.ID, text)
}

// AddContact добавляет ребро from → to. false: ребро уже было.
func (s *Session) AddContact(ctx context.Context, from, to model.DeviceID) (bool, error) {
	if err := s.checkOwned(from); err != nil {
		return false, err
	}
	if from == to || !s.reg.IsLive(to) {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, to)
	}
	s.ensureSynced(ctx, from)
	if s.graph.Has(from, to) {
		return false, nil
	}
	return true, s.mutate(ctx, event.ContactChanged{DeviceID: from, ContactID: to, Action: event.ContactAdded})
}

// RemoveContact удаляет только ребро from → to; у собеседника ничего не меняется.
func (s *Session) RemoveContact(ctx context.Context, from, to model.DeviceID) (bool, error) {
	if err := s.checkOwned(from); err != nil {
		return false, err
	}
	s.ensureSynced(ctx, from)
	if !s.graph.Has(from, to) {
		return false, nil
	}
	return true, s.mutate(ctx, event.ContactChanged{DeviceID: from, ContactID: to, Action: event.ContactRemoved})
}

// DeleteMessages удаляет сообщения только из копии viewer. Возвращает число удалённых.
func (s *Session) DeleteMessages(ctx context.Context, viewer model.DeviceID, key model.ConversationKey, ids []string) (int, error) {
	if err := s.checkOwned(viewer); err != nil {
		return 0, err
	}
	if err := checkKey(viewer, key); err != nil {
		return 0, err
	}
	s.ensureSynced(ctx, viewer)

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var present []string
	for _, m := range s.store.Get(viewer, key, 0) {
		if _, ok := want[m.ID]; ok {
			present = append(present, m.ID)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}
	return len(present), s.mutate(ctx, event.MessagesDeleted{DeviceID: viewer, Key: key, MessageIDs: present})
}

// ClearConversation очищает беседу в копии viewer.
func (s *Session) ClearConversation(ctx context.Context, viewer model.DeviceID, key model.ConversationKey) (int, error) {
	if err := s.checkOwned(viewer); err != nil {
		return 0, err
	}
	if err := checkKey(viewer, key); err != nil {
		return 0, err
	}
	s.ensureSynced(ctx, viewer)
	msgs := s.store.Get(viewer, key, 0)
	if len(msgs) == 0 {
		return 0, nil
	}
	upTo := msgs[len(msgs)-1].Timestamp
	return len(msgs), s.mutate(ctx, event.ConversationCleared{DeviceID: viewer, Key: key, UpTo: upTo})
}

// ClearAll очищает все беседы устройства viewer.
func (s *Session) ClearAll(ctx context.Context, viewer model.DeviceID) (int, error) {
	if err := s.checkOwned(viewer); err != nil {
		return 0, err
	}
	s.ensureSynced(ctx, viewer)
	var (
		n    int
		upTo time.Time
	)
	for _, msgs := range s.store.Export(viewer) {
		n += len(msgs)
		if last := msgs[len(msgs)-1].Timestamp; last.After(upTo) {
			upTo = last
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.mutate(ctx, event.AllMessagesCleared{DeviceID: viewer, UpTo: upTo})
}

// MarkRead сдвигает отметку прочтения observer до at (нулевое at: сейчас).
// false — отметка уже не раньше at.
func (s *Session) MarkRead(ctx context.Context, observer model.DeviceID, key model.ConversationKey, at time.Time) (bool, error) {
	if err := s.checkOwned(observer); err != nil {
		return false, err
	}
	if err := checkKey(observer, key); err != nil {
		return false, err
	}
	s.ensureSynced(ctx, observer)
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if !at.After(s.tracker.Watermark(observer, key)) {
		return false, nil
	}
	return true, s.mutate(ctx, event.MessagesRead{DeviceID: observer, Key: key, At: at})
}

// RegisterDevice регистрирует устройство. Повторная регистрация: успех с прежним id.
// Не ведущий может регистрировать только устройства своего владельца.
func (s *Session) RegisterDevice(ctx context.Context, owner model.Owner, meta model.DeviceMeta) (model.DeviceID, error) {
	s.mu.Lock()
	authority := s.authority
	s.mu.Unlock()
	if !authority && owner.ID != s.cfg.OwnerID {
		return "", fmt.Errorf("%w: owner %s", ErrForbidden, owner.ID)
	}
	id, err := s.reg.RegisterDevice(owner, meta)
	if errors.Is(err, registry.ErrAlreadyRegistered) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	d, err := s.reg.Get(id)
	if err != nil {
		return "", err
	}
	return id, s.mutate(ctx, event.DevicesChanged{Devices: []model.Device{d}})
}

// UnregisterOwner вызывается при удалении владельца: его устройства становятся надгробиями. Только ведущий.
func (s *Session) UnregisterOwner(ctx context.Context, ownerID model.OwnerID) ([]model.DeviceID, error) {
	if !s.IsAuthority() {
		return nil, fmt.Errorf("%w: unregister requires authority", ErrForbidden)
	}
	removed := s.reg.UnregisterDevicesForOwner(ownerID)
	if len(removed) == 0 {
		return nil, nil
	}
	devices := make([]model.Device, 0, len(removed))
	for _, id := range removed {
		if d, err := s.reg.Get(id); err == nil {
			devices = append(devices, d)
		}
	}
	return removed, s.mutate(ctx, event.DevicesChanged{Devices: devices})
}
