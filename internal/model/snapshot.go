package model

import "time"

// DeviceState — локальная (физическая) копия данных одного устройства.
type DeviceState struct {
	Conversations map[ConversationKey][]Message `json:"conversations"`
	Contacts      []DeviceID                    `json:"contacts"`
	Watermarks    map[ConversationKey]time.Time `json:"watermarks"`
}

// Snapshot хранит авторитетное состояние сессии целиком: реестр и состояния всех устройств.
// Хранится одним blob под одним ключом.
type Snapshot struct {
	Devices   []Device                 `json:"devices"`
	States    map[DeviceID]DeviceState `json:"states"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// NewSnapshot возвращает пустой снимок с инициализированными map.
func NewSnapshot() *Snapshot {
	return &Snapshot{States: make(map[DeviceID]DeviceState)}
}

// NewDeviceState возвращает пустое состояние устройства.
func NewDeviceState() DeviceState {
	return DeviceState{
		Conversations: make(map[ConversationKey][]Message),
		Watermarks:    make(map[ConversationKey]time.Time),
	}
}
