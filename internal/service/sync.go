package service

import (
	"context"
	"fmt"

	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/metrics"
	"github.com/phonemesh/internal/model"
)

// mergeDevice вливает чужую копию устройства: беседы сливаются по id, контакты объединяются,
// отметки берутся по максимуму. Ничего не удаляет. Вызывать под s.mu.
func (s *Session) mergeDevice(id model.DeviceID, st model.DeviceState) {
	local := s.store.Export(id)
	keys := make(map[model.ConversationKey]struct{}, len(local)+len(st.Conversations))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range st.Conversations {
		keys[k] = struct{}{}
	}
	for k := range keys {
		remote, ok := st.Conversations[k]
		if !ok {
			continue
		}
		s.store.Replace(id, k, conversation.Merge(local[k], remote).Ascending)
	}
	s.graph.Union(id, st.Contacts)
	s.tracker.Import(id, st.Watermarks)
}

// ApplySnapshot вливает авторитетный снимок в локальное состояние (цель реконсилера).
// Пустой ids: все устройства клиента. Неподтверждённые локальные события применяются
// поверх результата, чтобы старый снимок не откатил их.
func (s *Session) ApplySnapshot(snap *model.Snapshot, ids []model.DeviceID) {
	ctx := context.Background()
	s.mu.Lock()
	s.reg.Merge(snap.Devices)
	announce := s.authority && len(ids) == 0
	targets := ids
	if len(targets) == 0 {
		targets = s.ownedDevices()
		if s.authority {
			for id := range snap.States {
				if _, err := s.reg.Get(id); err != nil {
					continue
				}
				targets = append(targets, id)
			}
		}
	}
	seen := make(map[model.DeviceID]struct{}, len(targets))
	merged := targets[:0:0]
	for _, id := range targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !s.authority && !s.owns(id) {
			continue
		}
		s.hydrate(ctx, id)
		if st, ok := snap.States[id]; ok {
			s.mergeDevice(id, st)
		}
		s.synced[id] = true
		merged = append(merged, id)
	}
	for _, env := range s.outbox {
		s.applyLocal(env)
	}
	if s.authority {
		if len(ids) == 0 {
			s.loaded = true
		}
		s.dirty = true
	} else if err := s.persist(ctx, merged, true); err != nil {
		logger.Errorf("session: cache after sync: %v", err)
	}
	s.mu.Unlock()

	logger.Debugf("session %s: merged snapshot for %d devices", s.cfg.ClientID, len(merged))
	s.notify(Update{Kind: UpdateSync, Devices: merged})
	if announce {
		// Ведущий снова на месте: события, потерянные без него, нужно переотправить.
		s.broadcast(ctx, event.New(s.cfg.ClientID, event.SyncRequested{}))
	}
}

// Merge вливает снимок во все устройства клиента.
func (s *Session) Merge(snap *model.Snapshot) {
	s.ApplySnapshot(snap, nil)
}

// FlushOutbox дописывает то, что не дошло до ведущего. Ведущий сохраняет отложенный снимок,
// остальные переотправляют неподтверждённые события.
func (s *Session) FlushOutbox(ctx context.Context) error {
	s.mu.Lock()
	if s.authority {
		defer s.mu.Unlock()
		s.outbox = nil
		metrics.OutboxSize.Set(0)
		if !s.dirty {
			return nil
		}
		return s.saveSnapshot(ctx)
	}
	pending := make([]event.Envelope, len(s.outbox))
	copy(pending, s.outbox)
	s.mu.Unlock()

	for _, env := range pending {
		if err := s.pub.Publish(ctx, env); err != nil {
			metrics.DeliveriesDropped.WithLabelValues(string(env.Type)).Inc()
			return fmt.Errorf("session.FlushOutbox: %w", err)
		}
		metrics.EventsPublished.WithLabelValues(string(env.Type)).Inc()
	}
	if len(pending) > 0 {
		logger.Debugf("session %s: re-sent %d pending events", s.cfg.ClientID, len(pending))
	}
	return nil
}

// Apply: входящее событие транспорта. Повторное применение безопасно. Клиент меняет только
// свои устройства (ведущий любые); ведущий сохраняет результат и подтверждает источнику.
// SyncRequested от ведущего заставляет переотправить очередь.
func (s *Session) Apply(ctx context.Context, env event.Envelope) error {
	if env.OriginID == s.cfg.ClientID {
		return nil
	}
	switch p := env.Payload.(type) {
	case event.Persisted:
		s.ack(p.EventID)
		return nil
	case event.SyncRequested:
		if s.IsAuthority() {
			return nil
		}
		return s.FlushOutbox(ctx)
	case nil:
		return fmt.Errorf("session.Apply %s: %w", env.ID, event.ErrUnknownEvent)
	}

	s.mu.Lock()
	touched, registryChanged := s.applyLocal(env)
	if len(touched) == 0 && !registryChanged {
		s.mu.Unlock()
		return nil
	}
	authority := s.authority
	persistErr := s.persist(ctx, touched, registryChanged)
	s.mu.Unlock()

	metrics.EventsApplied.WithLabelValues(string(env.Type)).Inc()
	if persistErr != nil {
		logger.Errorf("session %s: persist %s %s: %v", s.cfg.ClientID, env.Type, env.ID, persistErr)
	} else if authority && env.OriginID != "" {
		ack := event.New(s.cfg.ClientID, event.Persisted{EventID: env.ID})
		if err := s.pub.SendTo(ctx, env.OriginID, ack); err != nil {
			logger.Errorf("session: ack %s to %s: %v", env.ID, env.OriginID, err)
		}
	}
	s.notify(updateFor(env, touched))
	return persistErr
}

// addressed: клиент владеет хотя бы одним адресатом события. Вызывать под s.mu.
func (s *Session) addressed(p event.Payload) bool {
	targets := p.Targets()
	if len(targets) == 0 {
		return true
	}
	for _, id := range targets {
		if s.owns(id) {
			return true
		}
	}
	return false
}

// applyLocal применяет событие к устройствам клиента и возвращает затронутые.
// Вызывать под s.mu.
func (s *Session) applyLocal(env event.Envelope) (touched []model.DeviceID, registryChanged bool) {
	if env.Payload == nil || !s.addressed(env.Payload) {
		return nil, false
	}
	switch p := env.Payload.(type) {
	case event.MessageSent:
		m := p.Message
		key := m.Key()
		for _, id := range []model.DeviceID{m.SenderID, m.ReceiverID} {
			if !s.owns(id) {
				continue
			}
			_, added, err := s.store.Append(id, key, m)
			if err != nil {
				logger.Errorf("session: append %s to %s: %v", m.ID, id, err)
				continue
			}
			if added {
				metrics.MessagesAppended.Inc()
			}
			// Ответ удалённому контакту возвращает его в список.
			peer, _ := key.Peer(id)
			s.graph.Add(id, peer)
			touched = append(touched, id)
		}
	case event.ContactChanged:
		if p.Action == event.ContactRemoved {
			s.graph.Remove(p.DeviceID, p.ContactID)
		} else {
			s.graph.Add(p.DeviceID, p.ContactID)
		}
		touched = append(touched, p.DeviceID)
	case event.MessagesDeleted:
		s.store.DeleteMessages(p.DeviceID, p.Key, p.MessageIDs)
		touched = append(touched, p.DeviceID)
	case event.ConversationCleared:
		s.store.ClearUpTo(p.DeviceID, p.Key, p.UpTo)
		touched = append(touched, p.DeviceID)
	case event.AllMessagesCleared:
		for _, k := range s.store.Keys(p.DeviceID) {
			s.store.ClearUpTo(p.DeviceID, k, p.UpTo)
		}
		touched = append(touched, p.DeviceID)
	case event.MessagesRead:
		s.tracker.MarkRead(p.DeviceID, p.Key, p.At)
		touched = append(touched, p.DeviceID)
	case event.DevicesChanged:
		s.reg.Merge(p.Devices)
		for _, d := range p.Devices {
			touched = append(touched, d.ID)
		}
		return touched, true
	}
	return touched, false
}

func updateFor(env event.Envelope, touched []model.DeviceID) Update {
	u := Update{Devices: touched}
	switch p := env.Payload.(type) {
	case event.MessageSent:
		u.Kind, u.Key = UpdateMessages, p.Message.Key()
	case event.MessagesDeleted:
		u.Kind, u.Key = UpdateMessages, p.Key
	case event.ConversationCleared:
		u.Kind, u.Key = UpdateMessages, p.Key
	case event.AllMessagesCleared:
		u.Kind = UpdateMessages
	case event.ContactChanged:
		u.Kind = UpdateContacts
	case event.MessagesRead:
		u.Kind, u.Key = UpdateRead, p.Key
	case event.DevicesChanged:
		u.Kind = UpdateDevices
	default:
		u.Kind = UpdateSync
	}
	return u
}
