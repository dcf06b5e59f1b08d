package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/model"
)

// MessageView — сообщение глазами устройства.
type MessageView struct {
	model.Message
	IsOwn bool `json:"is_own"`
}

// ContactView: строка списка контактов с бейджем непрочитанных.
type ContactView struct {
	Device model.Device   `json:"device"`
	Unread int            `json:"unread"`
	Last   *model.Message `json:"last,omitempty"`
}

// InboxEntry — беседа во «входящих».
type InboxEntry struct {
	Key    model.ConversationKey `json:"key"`
	Peer   model.Device          `json:"peer"`
	Last   model.Message         `json:"last"`
	Unread int                   `json:"unread"`
}

// Conversation: история viewer с peer по возрастанию; при limit>0 только последние limit сообщений.
func (s *Session) Conversation(ctx context.Context, viewer, peer model.DeviceID, limit int) ([]MessageView, error) {
	if err := s.checkOwned(viewer); err != nil {
		return nil, err
	}
	if _, err := s.reg.Get(peer); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, peer)
	}
	s.ensureSynced(ctx, viewer)
	msgs := s.store.Get(viewer, conversation.Key(viewer, peer), limit)
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = MessageView{Message: m, IsOwn: m.SenderID == viewer}
	}
	return out, nil
}

// Contacts — контакты viewer с непрочитанными и последним сообщением, по имени.
func (s *Session) Contacts(ctx context.Context, viewer model.DeviceID) ([]ContactView, error) {
	if err := s.checkOwned(viewer); err != nil {
		return nil, err
	}
	s.ensureSynced(ctx, viewer)
	counts := s.tracker.UnreadCountsForDevice(viewer)
	out := make([]ContactView, 0, len(counts))
	for peer, n := range counts {
		d, err := s.reg.Get(peer)
		if err != nil {
			continue
		}
		cv := ContactView{Device: d, Unread: n}
		if last, ok := s.store.Last(viewer, conversation.Key(viewer, peer)); ok {
			cv.Last = &last
		}
		out = append(out, cv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device.DisplayName != out[j].Device.DisplayName {
			return out[i].Device.DisplayName < out[j].Device.DisplayName
		}
		return out[i].Device.ID < out[j].Device.ID
	})
	return out, nil
}

// Inbox: непустые беседы viewer, самые свежие первыми. Включает собеседников вне контактов.
func (s *Session) Inbox(ctx context.Context, viewer model.DeviceID) ([]InboxEntry, error) {
	if err := s.checkOwned(viewer); err != nil {
		return nil, err
	}
	s.ensureSynced(ctx, viewer)
	keys := s.store.Keys(viewer)
	out := make([]InboxEntry, 0, len(keys))
	for _, k := range keys {
		peerID, ok := k.Peer(viewer)
		if !ok {
			continue
		}
		last, ok := s.store.Last(viewer, k)
		if !ok {
			continue
		}
		peer, err := s.reg.Get(peerID)
		if err != nil {
			peer = model.Device{ID: peerID}
		}
		out = append(out, InboxEntry{Key: k, Peer: peer, Last: last, Unread: s.tracker.UnreadCount(viewer, k)})
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(&out[j].Last, &out[i].Last) })
	return out, nil
}

// UnreadCount — непрочитанные viewer в беседе с peer.
func (s *Session) UnreadCount(viewer, peer model.DeviceID) (int, error) {
	if err := s.checkOwned(viewer); err != nil {
		return 0, err
	}
	return s.tracker.UnreadCount(viewer, conversation.Key(viewer, peer)), nil
}

// ContactsOf: id контактов устройства.
func (s *Session) ContactsOf(id model.DeviceID) []model.DeviceID {
	return s.graph.ContactsOf(id)
}

// Devices — устройства, доступные клиенту.
func (s *Session) Devices() []model.Device {
	return s.reg.ListAccessibleDevices(s.Caller())
}

// Lookup ищет живое устройство по адресу (адресная книга видна всем).
func (s *Session) Lookup(address string) (model.Device, error) {
	return s.reg.LookupByAddress(address)
}
