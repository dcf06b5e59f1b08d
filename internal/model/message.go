package model

import (
	"strings"
	"time"
)

// ConversationKey — канонический ключ пары устройств, не зависит от порядка.
type ConversationKey string

const keySeparator = "|"

// Pair разбирает ключ на два id (в каноническом порядке). ok=false для некорректного ключа.
func (k ConversationKey) Pair() (a, b DeviceID, ok bool) {
	parts := strings.SplitN(string(k), keySeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return DeviceID(parts[0]), DeviceID(parts[1]), true
}

// Peer возвращает собеседника self в этой паре.
func (k ConversationKey) Peer(self DeviceID) (DeviceID, bool) {
	a, b, ok := k.Pair()
	switch {
	case !ok:
		return "", false
	case a == self:
		return b, true
	case b == self:
		return a, true
	}
	return "", false
}

// KeyOf строит ключ для пары устройств: id сортируются и склеиваются через разделитель.
func KeyOf(a, b DeviceID) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey(string(a) + keySeparator + string(b))
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   DeviceID  `json:"sender_id"`
	ReceiverID DeviceID  `json:"receiver_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// Key возвращает ключ беседы сообщения.
func (m *Message) Key() ConversationKey { return KeyOf(m.SenderID, m.ReceiverID) }

// Less задаёт порядок истории: по времени, при равенстве по id.
func Less(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
