package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/storage"
)

// Cache: локальный кеш клиента в памяти.
type Cache struct {
	mu       sync.RWMutex
	devices  map[model.DeviceID][]byte
	registry []byte
}

func NewCache() *Cache {
	return &Cache{devices: make(map[model.DeviceID][]byte)}
}

func (c *Cache) Close() error { return nil }

func (c *Cache) LoadDevice(ctx context.Context, id model.DeviceID) (model.DeviceState, bool, error) {
	c.mu.RLock()
	data, ok := c.devices[id]
	c.mu.RUnlock()
	if !ok {
		return model.NewDeviceState(), false, nil
	}
	st, err := storage.DecodeDeviceState(data)
	if err != nil {
		return model.DeviceState{}, false, err
	}
	return st, true, nil
}

func (c *Cache) SaveDevice(ctx context.Context, id model.DeviceID, st model.DeviceState) error {
	data, err := storage.EncodeDeviceState(st)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[id] = data
	return nil
}

func (c *Cache) DeleteDevice(ctx context.Context, id model.DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, id)
	return nil
}

func (c *Cache) LoadRegistry(ctx context.Context) ([]model.Device, error) {
	c.mu.RLock()
	data := c.registry
	c.mu.RUnlock()
	if len(data) == 0 {
		return nil, nil
	}
	var out []model.Device
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("memory.LoadRegistry: %w", err)
	}
	return out, nil
}

func (c *Cache) SaveRegistry(ctx context.Context, devices []model.Device) error {
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("memory.SaveRegistry: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = data
	return nil
}
