package model

import "time"

// DeviceID: стабильный идентификатор устройства (UUIDv5 от владельца и ресурса).
type DeviceID string

// OwnerID — идентификатор владельца (персонаж, пользователь сессии).
type OwnerID string

// Owner: метаданные владельца от внешнего источника. Устройство хранит производную копию.
type Owner struct {
	ID          OwnerID `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarRef   string  `json:"avatar_ref"`
}

// DeviceMeta — параметры регистрации устройства.
type DeviceMeta struct {
	ResourceID string            `json:"resource_id"`
	Address    string            `json:"address,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
}

type Device struct {
	ID          DeviceID          `json:"id"`
	OwnerID     OwnerID           `json:"owner_id"`
	ResourceID  string            `json:"resource_id"`
	DisplayName string            `json:"display_name"`
	AvatarRef   string            `json:"avatar_ref"`
	Address     string            `json:"address"`
	Settings    map[string]string `json:"settings,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	RemovedAt   *time.Time        `json:"removed_at,omitempty"` // не nil = владелец удалён, устройство: надгробие
	RestoredAt  *time.Time        `json:"restored_at,omitempty"`
}

// Live сообщает, что устройство не удалено.
func (d *Device) Live() bool { return d.RemovedAt == nil }

// LiveSince: когда устройство в последний раз стало живым (регистрация или восстановление).
func (d *Device) LiveSince() time.Time {
	if d.RestoredAt != nil {
		return *d.RestoredAt
	}
	return d.CreatedAt
}

// Clone возвращает копию без общих map.
func (d Device) Clone() Device {
	if d.Settings != nil {
		s := make(map[string]string, len(d.Settings))
		for k, v := range d.Settings {
			s[k] = v
		}
		d.Settings = s
	}
	if d.RemovedAt != nil {
		t := *d.RemovedAt
		d.RemovedAt = &t
	}
	if d.RestoredAt != nil {
		t := *d.RestoredAt
		d.RestoredAt = &t
	}
	return d
}

// Caller описывает, кто обращается к реестру. Authority означает клиента-владельца сессии (ведущий).
type Caller struct {
	OwnerID   OwnerID `json:"owner_id"`
	Authority bool    `json:"authority"`
}
