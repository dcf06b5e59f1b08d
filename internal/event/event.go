// Package event описывает самоописываемые события синхронизации:
// конверт {id, type, timestamp, origin_id, payload} и типизированные payload.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phonemesh/internal/model"
)

var ErrUnknownEvent = errors.New("unknown event type")

type Type string

const (
	TypeMessageSent         Type = "message_sent"
	TypeContactChanged      Type = "contact_changed"
	TypeMessagesDeleted     Type = "messages_deleted"
	TypeConversationCleared Type = "conversation_cleared"
	TypeAllMessagesCleared  Type = "all_messages_cleared"
	TypeMessagesRead        Type = "messages_read"
	TypePersisted           Type = "persisted"
	TypeDevicesChanged      Type = "devices_changed"
	TypeSyncRequested       Type = "sync_requested"
)

// Payload — вариант события. Targets возвращает адресуемые устройства: клиент применяет
// событие, только если владеет хотя бы одним из них или является ведущим.
// Пустой Targets: событие для всех клиентов.
type Payload interface {
	Type() Type
	Targets() []model.DeviceID
}

// MessageSent: новое сообщение; применяется к копиям отправителя и получателя.
type MessageSent struct {
	Message model.Message `json:"message"`
}

type ContactAction string

const (
	ContactAdded   ContactAction = "added"
	ContactRemoved ContactAction = "removed"
)

// ContactChanged — изменение одного направленного ребра DeviceID → ContactID.
type ContactChanged struct {
	DeviceID  model.DeviceID `json:"device_id"`
	ContactID model.DeviceID `json:"contact_id"`
	Action    ContactAction  `json:"action"`
}

// MessagesDeleted: одностороннее удаление из копии DeviceID.
type MessagesDeleted struct {
	DeviceID   model.DeviceID        `json:"device_id"`
	Key        model.ConversationKey `json:"key"`
	MessageIDs []string              `json:"message_ids"`
}

// ConversationCleared — односторонняя очистка беседы в копии DeviceID.
// UpTo хранит время самого нового очищенного сообщения, поэтому повторное применение не задевает более поздние.
type ConversationCleared struct {
	DeviceID model.DeviceID        `json:"device_id"`
	Key      model.ConversationKey `json:"key"`
	UpTo     time.Time             `json:"up_to"`
}

// AllMessagesCleared — очистка всех бесед устройства (с той же границей UpTo).
type AllMessagesCleared struct {
	DeviceID model.DeviceID `json:"device_id"`
	UpTo     time.Time      `json:"up_to"`
}

// MessagesRead: сдвиг отметки прочтения.
type MessagesRead struct {
	DeviceID model.DeviceID        `json:"device_id"`
	Key      model.ConversationKey `json:"key"`
	At       time.Time             `json:"at"`
}

// Persisted — подтверждение ведущего, что событие EventID записано в авторитетное хранилище.
// Отправляется адресно клиенту-источнику.
type Persisted struct {
	EventID string `json:"event_id"`
}

// DevicesChanged: записи реестра (регистрация, надгробия). Применяется всеми клиентами.
type DevicesChanged struct {
	Devices []model.Device `json:"devices"`
}

// SyncRequested рассылает ведущий после полной загрузки снимка: клиенты переотправляют
// неподтверждённые события.
type SyncRequested struct{}

func (MessageSent) Type() Type         { return TypeMessageSent }
func (ContactChanged) Type() Type      { return TypeContactChanged }
func (MessagesDeleted) Type() Type     { return TypeMessagesDeleted }
func (ConversationCleared) Type() Type { return TypeConversationCleared }
func (AllMessagesCleared) Type() Type  { return TypeAllMessagesCleared }
func (MessagesRead) Type() Type        { return TypeMessagesRead }
func (Persisted) Type() Type           { return TypePersisted }
func (DevicesChanged) Type() Type      { return TypeDevicesChanged }
func (SyncRequested) Type() Type       { return TypeSyncRequested }

func (p MessageSent) Targets() []model.DeviceID {
	return []model.DeviceID{p.Message.SenderID, p.Message.ReceiverID}
}
func (p ContactChanged) Targets() []model.DeviceID      { return []model.DeviceID{p.DeviceID} }
func (p MessagesDeleted) Targets() []model.DeviceID     { return []model.DeviceID{p.DeviceID} }
func (p ConversationCleared) Targets() []model.DeviceID { return []model.DeviceID{p.DeviceID} }
func (p AllMessagesCleared) Targets() []model.DeviceID  { return []model.DeviceID{p.DeviceID} }
func (p MessagesRead) Targets() []model.DeviceID        { return []model.DeviceID{p.DeviceID} }
func (Persisted) Targets() []model.DeviceID             { return nil }
func (DevicesChanged) Targets() []model.DeviceID        { return nil }
func (SyncRequested) Targets() []model.DeviceID         { return nil }

type Envelope struct {
	ID        string
	Type      Type
	Timestamp time.Time
	OriginID  string
	Payload   Payload
}

// New оборачивает payload в конверт от клиента origin.
func New(origin string, p Payload) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Type:      p.Type(),
		Timestamp: time.Now().UTC(),
		OriginID:  origin,
		Payload:   p,
	}
}

type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	OriginID  string          `json:"origin_id"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event.Marshal %s: nil payload", e.ID)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("event.Marshal payload: %w", err)
	}
	typ := e.Type
	if typ == "" {
		typ = e.Payload.Type()
	}
	return json.Marshal(wireEnvelope{ID: e.ID, Type: typ, Timestamp: e.Timestamp, OriginID: e.OriginID, Payload: raw})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("event.Unmarshal: %w", err)
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{ID: w.ID, Type: w.Type, Timestamp: w.Timestamp, OriginID: w.OriginID, Payload: p}
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeMessageSent:
		var v MessageSent
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeContactChanged:
		var v ContactChanged
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeMessagesDeleted:
		var v MessagesDeleted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeConversationCleared:
		var v ConversationCleared
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeAllMessagesCleared:
		var v AllMessagesCleared
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeMessagesRead:
		var v MessagesRead
		err = json.Unmarshal(raw, &v)
		p = v
	case TypePersisted:
		var v Persisted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeDevicesChanged:
		var v DevicesChanged
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeSyncRequested:
		p = SyncRequested{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
	if err != nil {
		return nil, fmt.Errorf("event.Unmarshal %s payload: %w", t, err)
	}
	return p, nil
}

// Encode сериализует конверт.
func Encode(e Envelope) ([]byte, error) { return json.Marshal(e) }

// Decode разбирает конверт с исчерпывающей проверкой типа.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
