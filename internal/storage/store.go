package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phonemesh/internal/model"
)

// ErrSyncUnavailable — авторитетное хранилище недоступно. Лечится повтором, не потерей данных.
var ErrSyncUnavailable = errors.New("authoritative store unavailable")

// StateKey: единственный ключ, под которым лежит снимок сессии.
const StateKey = "phonemesh:settings:state"

// AuthoritativeStore — снимок всего состояния сессии одним blob.
// Читать может любой клиент, писать: только ведущий.
// Реализации: memory.Client, redis.Client, repository.SettingsRepository.
type AuthoritativeStore interface {
	Load(ctx context.Context) (*model.Snapshot, error)
	Save(ctx context.Context, snap *model.Snapshot) error
	Close() error
}

// LocalCache: локальный кеш клиента по устройствам; цель слияния для синхронизации.
// Реализации: memory.Cache, pebble.Cache.
type LocalCache interface {
	LoadDevice(ctx context.Context, id model.DeviceID) (model.DeviceState, bool, error)
	SaveDevice(ctx context.Context, id model.DeviceID, st model.DeviceState) error
	DeleteDevice(ctx context.Context, id model.DeviceID) error
	// LoadRegistry / SaveRegistry: последняя известная клиенту копия реестра.
	LoadRegistry(ctx context.Context) ([]model.Device, error)
	SaveRegistry(ctx context.Context, devices []model.Device) error
	Close() error
}

// EncodeSnapshot сериализует снимок для хранения.
func EncodeSnapshot(s *model.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("storage.EncodeSnapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot разбирает снимок; пустые данные: пустой снимок.
func DecodeSnapshot(data []byte) (*model.Snapshot, error) {
	snap := model.NewSnapshot()
	if len(data) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("storage.DecodeSnapshot: %w", err)
	}
	if snap.States == nil {
		snap.States = make(map[model.DeviceID]model.DeviceState)
	}
	return snap, nil
}

// EncodeDeviceState / DecodeDeviceState: формат записей локального кеша.
func EncodeDeviceState(st model.DeviceState) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("storage.EncodeDeviceState: %w", err)
	}
	return data, nil
}

func DecodeDeviceState(data []byte) (model.DeviceState, error) {
	st := model.NewDeviceState()
	if err := json.Unmarshal(data, &st); err != nil {
		return model.DeviceState{}, fmt.Errorf("storage.DecodeDeviceState: %w", err)
	}
	if st.Conversations == nil {
		st.Conversations = make(map[model.ConversationKey][]model.Message)
	}
	if st.Watermarks == nil {
		st.Watermarks = model.NewDeviceState().Watermarks
	}
	return st, nil
}
